package bus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// subscriptionBuffer is the per-subscription channel capacity. A subscriber
// that falls this far behind starts losing messages, matching the
// fire-and-forget semantics of the real transport.
const subscriptionBuffer = 64

// MemoryBus is an in-process Bus used by tests and local rehearsals. All
// deliveries are asynchronous through buffered channels, so two clients on
// the same MemoryBus exercise the same ordering hazards as a real bus.
type MemoryBus struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	subs      map[*memorySubscription]struct{}
}

// NewMemoryBus creates a disconnected in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

// Connect marks the bus connected.
func (b *MemoryBus) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.connected = true
	return nil
}

// Disconnect drops the connection and tears down every subscription.
func (b *MemoryBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
	return nil
}

// Close permanently tears down the bus.
func (b *MemoryBus) Close() error {
	if err := b.Disconnect(); err != nil {
		return err
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Publish delivers payload to every subscription whose pattern matches
// topic. Slow subscribers lose messages rather than block the publisher.
func (b *MemoryBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}

	msg := Message{
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now(),
	}
	for sub := range b.subs {
		if !Match(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"topic":   topic,
				"pattern": sub.pattern,
			}).Warn("Dropping message for slow subscriber")
		}
	}
	return nil
}

// Subscribe opens a subscription for a topic pattern.
func (b *MemoryBus) Subscribe(topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: topic,
		ch:      make(chan Message, subscriptionBuffer),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	ch      chan Message
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
	return nil
}

func (s *memorySubscription) close() {
	s.once.Do(func() { close(s.ch) })
}
