// Package bus provides the in-process message bus and the market snapshot
// cache shared by the broker client, the strategies, and the external surface.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Well-known topics.
const (
	TopicSystemStatus   = "system_status"
	TopicSPXStreamPrice = "spx_stream_price"
	TopicSPXStreamLog   = "spx_stream_log"
	TopicNotification   = "notification"
)

// subBuffer is the per-subscriber channel depth. Slow consumers lose messages
// rather than block publishers.
const subBuffer = 64

// Message is one published item.
type Message struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Ts      time.Time `json:"ts"`
}

// Bus fans published messages out to current subscribers.
type Bus struct {
	logger *logrus.Entry

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	mirror *Mirror
}

// New creates an empty bus.
func New(logger *logrus.Logger) *Bus {
	return &Bus{
		logger: logger.WithField("component", "bus"),
		subs:   make(map[*Subscription]struct{}),
	}
}

// AttachMirror routes every publish through the Redis mirror as well.
func (b *Bus) AttachMirror(m *Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// MirrorConnected reports whether an attached Redis mirror currently has a
// live connection. False when no mirror is attached.
func (b *Bus) MirrorConnected() bool {
	b.mu.RLock()
	m := b.mirror
	b.mu.RUnlock()
	return m != nil && m.Connected()
}

// Publish delivers payload to every subscriber of topic. Full subscriber
// channels drop the message with a warning; Publish never blocks.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload, Ts: time.Now().UTC()}

	b.mu.RLock()
	mirror := b.mirror
	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				b.logger.Warnf("subscriber lagging on %s: %d messages dropped", topic, n)
			}
		}
	}
	b.mu.RUnlock()

	if mirror != nil {
		mirror.publish(topic, msg)
	}
}

// Subscribe registers a subscriber for the named topics. With no topics the
// subscription receives everything.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		bus: b,
		ch:  make(chan Message, subBuffer),
	}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscription is one subscriber's bounded message channel.
type Subscription struct {
	bus     *Bus
	topics  map[string]struct{} // nil means all topics
	ch      chan Message
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped returns how many messages this subscriber has lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close deregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}
