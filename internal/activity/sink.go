// Package activity hands normalized Twitch events off to a persistent
// activity-log store. The store itself (its schema, its query surface,
// its retention policy) belongs to the external activity-log service;
// this package only owns the non-blocking handoff and a default
// PostgreSQL-backed sink for when DATABASE_URL is configured.
package activity

import (
	"encoding/json"
	"time"
)

// Record is one persistable event, already normalized by
// internal/twitch.EventHandler.
type Record struct {
	EventType string
	Timestamp time.Time
	Data      json.RawMessage
}

// Sink accepts Records for eventual persistence. TryRecord must never
// block the caller: it returns false if the record could not be accepted
// (e.g. the internal queue is full), and the caller logs and drops.
type Sink interface {
	TryRecord(r Record) (accepted bool)
	Close() error
}

// NoopSink discards every record. Used when no DATABASE_URL is configured.
type NoopSink struct{}

// TryRecord always reports success without storing anything.
func (NoopSink) TryRecord(Record) bool { return true }

// Close is a no-op.
func (NoopSink) Close() error { return nil }
