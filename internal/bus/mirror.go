package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/bryanveloso/landale/internal/logger"
)

// mirrorSubjectPrefix namespaces every mirrored subject so this core's
// traffic never collides with another NATS publisher on a shared cluster.
const mirrorSubjectPrefix = "landale.events."

// NatsMirror republishes bus traffic onto NATS subjects for out-of-process
// collaborators (the dashboard, an activity-log archiver, a second
// instance of this core) that want the same events this process sees.
// It never receives from NATS and never backs the in-process bus itself:
// this core's own components always talk to each other through Bus
// directly, never through this mirror (spec.md: the bus is "not a durable
// message broker").
type NatsMirror struct {
	conn *nats.Conn
	subs []*Subscription
}

// NewNatsMirror connects to url and returns a mirror ready to have topics
// attached with Mirror. Connection options mirror the teacher's NATS
// clients: a named connection and an unbounded reconnect loop, since a
// dropped mirror connection should keep retrying rather than give up.
func NewNatsMirror(url string) (*NatsMirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("landale-eventcore"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Bus().Warn().Err(err).Msg("nats mirror disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Bus().Info().Str("url", nc.ConnectedUrl()).Msg("nats mirror reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting nats mirror: %w", err)
	}
	return &NatsMirror{conn: conn}, nil
}

// Mirror subscribes to topic on b and republishes every message it sees to
// its NATS subject ("landale.events." + topic) as JSON. Payloads that
// don't marshal are logged and dropped rather than blocking the mirror
// goroutine.
func (m *NatsMirror) Mirror(b *Bus, topic string) {
	sub := b.Subscribe(topic)
	m.subs = append(m.subs, sub)
	subject := mirrorSubjectPrefix + topic

	go func() {
		for msg := range sub.C {
			data, err := json.Marshal(msg.Payload)
			if err != nil {
				logger.Bus().Warn().Err(err).Str("topic", topic).Msg("nats mirror failed to encode payload")
				continue
			}
			if err := m.conn.Publish(subject, data); err != nil {
				logger.Bus().Warn().Err(err).Str("subject", subject).Msg("nats mirror publish failed")
			}
		}
	}()
}

// Close unsubscribes every mirrored topic and closes the NATS connection.
func (m *NatsMirror) Close() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.conn.Close()
}
