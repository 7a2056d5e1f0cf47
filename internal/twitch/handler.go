package twitch

import (
	"encoding/json"
	"time"

	"github.com/bryanveloso/landale/internal/activity"
	"github.com/bryanveloso/landale/internal/bus"
	"github.com/bryanveloso/landale/internal/logger"
)

// legacyTopicByType maps a subscription type to the single-purpose legacy
// topic consumers still listen on, alongside the generic `dashboard` and
// `twitch:<event_type>` topics every event gets (spec.md §4.11, §6).
var legacyTopicByType = map[string]string{
	"channel.chat.message": "chat",
	"channel.update":       "channel:updates",
	"stream.online":        "stream_status",
	"stream.offline":       "stream_status",
	"channel.follow":       "followers",
	"channel.subscribe":    "subscriptions",
	"channel.cheer":        "cheers",
}

// persistableEventTypes is the set of events handed to the activity sink,
// rather than fanned out only to the in-process bus.
var persistableEventTypes = map[string]bool{
	"channel.follow":    true,
	"channel.subscribe": true,
	"channel.cheer":     true,
	"stream.online":     true,
	"stream.offline":    true,
	"channel.raid":      true,
}

// Envelope is the canonical shape every normalized event is wrapped in
// before publishing, regardless of its underlying Twitch payload
// (spec.md §4.11).
type Envelope struct {
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventHandler normalizes EventSub notifications into the canonical
// envelope and fans them out to the bus, plus a non-blocking handoff to
// the activity-log sink for persistable events.
type EventHandler struct {
	bus  *bus.Bus
	sink activity.Sink
}

// NewEventHandler constructs an EventHandler. sink may be a no-op
// implementation when persistence is disabled.
func NewEventHandler(b *bus.Bus, sink activity.Sink) *EventHandler {
	return &EventHandler{bus: b, sink: sink}
}

// Handle is registered as a Router notification handler.
func (h *EventHandler) Handle(eventType string, event json.RawMessage) {
	envelope := Envelope{EventType: eventType, Timestamp: time.Now(), Data: event}

	if h.bus != nil {
		h.bus.Publish(bus.Message{Topic: "dashboard", Payload: envelope})
		h.bus.Publish(bus.Message{Topic: "twitch:" + eventType, Payload: envelope})
		if legacy, ok := legacyTopicByType[eventType]; ok {
			h.bus.Publish(bus.Message{Topic: legacy, Payload: envelope})
		}
	}

	if persistableEventTypes[eventType] && h.sink != nil {
		if !h.sink.TryRecord(activity.Record{
			EventType: eventType,
			Timestamp: envelope.Timestamp,
			Data:      event,
		}) {
			logger.Activity().Warn().Str("event_type", eventType).Msg("activity sink busy, event dropped")
		}
	}
}
