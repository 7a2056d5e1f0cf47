package obs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bryanveloso/landale/internal/bus"
)

type fakeRequester struct {
	state    State
	statsErr error
	stats    Stats
}

func (f *fakeRequester) State() State { return f.state }

func (f *fakeRequester) SendRequest(ctx context.Context, requestType string, requestData interface{}) (*RequestResponseData, error) {
	if requestType == "GetStats" {
		if f.statsErr != nil {
			return nil, f.statsErr
		}
		data, _ := json.Marshal(f.stats)
		return &RequestResponseData{RequestStatus: RequestStatus{Result: true}, ResponseData: data}, nil
	}
	return &RequestResponseData{RequestStatus: RequestStatus{Result: true}}, nil
}

func TestStatsCollectorPublishesSnapshot(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("obs:stats")
	defer sub.Unsubscribe()

	fake := &fakeRequester{state: StateReady, stats: Stats{CPUUsage: 12.5, ActiveFPS: 60}}
	collector := NewStatsCollector("s1", fake, b)
	collector.poll()

	snap, alive := collector.Snapshot()
	if !alive {
		t.Fatal("expected alive after successful poll")
	}
	if snap.CPUUsage != 12.5 {
		t.Fatalf("expected CPUUsage 12.5, got %v", snap.CPUUsage)
	}

	select {
	case msg := <-sub.C:
		if _, ok := msg.Payload.(Stats); !ok {
			t.Fatal("expected Stats payload on bus")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published stats")
	}
}

func TestStatsCollectorNotAliveWhenNotReady(t *testing.T) {
	fake := &fakeRequester{state: StateDisconnected}
	collector := NewStatsCollector("s1", fake, nil)
	collector.poll()

	_, alive := collector.Snapshot()
	if alive {
		t.Fatal("expected not alive when session is not ready")
	}
}
