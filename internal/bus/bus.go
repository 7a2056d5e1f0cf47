// Package bus implements the in-process publish/subscribe fan-out that
// every protocol component publishes into. It is deliberately not a
// durable broker: subscribers that fall behind have their oldest buffered
// message dropped rather than stalling the publisher.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/bryanveloso/landale/internal/logger"
)

// DefaultBufferSize is the per-subscriber channel capacity. A subscriber
// that cannot keep up loses its oldest undelivered message rather than
// blocking the publish path.
const DefaultBufferSize = 64

// Message is a published event: a stable topic name and an arbitrary
// payload. Components publish domain-specific structs (OBS events, Twitch
// envelopes, correlation matches); the bus never inspects the payload.
type Message struct {
	Topic   string
	Payload any
}

// subscriber is one registered receiver on a single topic.
type subscriber struct {
	id      uint64
	topic   string
	ch      chan Message
	dropped uint64
}

// Bus is a topic-keyed, in-process, best-effort publish/subscribe registry.
// Safe for concurrent use; publish never blocks on a slow subscriber.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*subscriber
	nextID uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string]map[uint64]*subscriber),
	}
}

// Subscription is a handle returned by Subscribe. Call Unsubscribe when the
// caller is done receiving, and range over C for delivered messages.
type Subscription struct {
	C chan Message

	bus   *Bus
	topic string
	id    uint64
}

// Subscribe registers a new receiver on topic with the default buffer size.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, DefaultBufferSize)
}

// SubscribeBuffered registers a new receiver on topic with a caller-chosen
// buffer size.
func (b *Bus) SubscribeBuffered(topic string, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		id:    id,
		topic: topic,
		ch:    make(chan Message, bufferSize),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*subscriber)
	}
	b.topics[topic][id] = sub
	b.mu.Unlock()

	return &Subscription{C: sub.ch, bus: b, topic: topic, id: id}
}

// Unsubscribe removes the subscription from its topic and closes its
// channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs, ok := s.bus.topics[s.topic]
	if !ok {
		return
	}
	if sub, ok := subs[s.id]; ok {
		delete(subs, s.id)
		close(sub.ch)
	}
	if len(subs) == 0 {
		delete(s.bus.topics, s.topic)
	}
}

// Publish delivers msg to every subscriber of msg.Topic. Delivery to each
// subscriber is FIFO; a subscriber whose buffer is full has its oldest
// queued message dropped to make room, so one slow subscriber never blocks
// delivery to the others or the publisher.
func (b *Bus) Publish(msg Message) {
	// Sends happen under the read lock so Unsubscribe (which takes the write
	// lock) cannot close a channel mid-send. Every send is non-blocking, so
	// the lock is never held waiting on a subscriber.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[msg.Topic] {
		select {
		case sub.ch <- msg:
		default:
			// Buffer full: drop the oldest queued message, then enqueue.
			select {
			case <-sub.ch:
				atomic.AddUint64(&sub.dropped, 1)
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				dropped := atomic.AddUint64(&sub.dropped, 1)
				logger.Bus().Warn().
					Str("topic", msg.Topic).
					Uint64("subscriber_id", sub.id).
					Uint64("dropped_total", dropped).
					Msg("subscriber buffer full, message dropped")
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers on a topic, for
// diagnostics and tests.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
