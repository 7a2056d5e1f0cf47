package activity

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNoopSinkAlwaysAccepts(t *testing.T) {
	var s NoopSink
	if !s.TryRecord(Record{EventType: "channel.follow", Timestamp: time.Now(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("expected NoopSink to accept every record")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error closing NoopSink: %v", err)
	}
}

func TestPostgresSinkDropsWhenQueueFull(t *testing.T) {
	s := &PostgresSink{queue: make(chan Record, 1), stop: make(chan struct{})}
	// No writer goroutine running, so the queue fills after one record.
	if !s.TryRecord(Record{EventType: "a"}) {
		t.Fatal("expected first record to be accepted")
	}
	if s.TryRecord(Record{EventType: "b"}) {
		t.Fatal("expected second record to be dropped once the queue is full")
	}
}
