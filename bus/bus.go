package bus

import (
	"context"
	"errors"
	"time"
)

// Common transport-level errors surfaced by Bus implementations.
var (
	// ErrNotConnected is returned by Publish and Subscribe when the bus has
	// no live connection. Callers must not retry through it; reconnection is
	// the connection supervisor's job.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrClosed is returned when operating on a bus that has been
	// permanently torn down.
	ErrClosed = errors.New("bus: closed")
)

// Message is a single delivery from a subscribed topic.
type Message struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// Subscription is a live topic subscription. Messages are delivered on the
// channel returned by Messages until Unsubscribe is called, at which point
// the channel is closed. Unsubscribe is idempotent.
type Subscription interface {
	Messages() <-chan Message
	Unsubscribe() error
}

// Bus is the pub/sub capability the vaultlink core is built on. It owns the
// raw socket and credential lifecycle; the core only publishes bytes to
// topics and consumes subscription streams.
//
// Publish is fire-and-forget: a nil error means the message was handed to
// the transport, not that anyone received it. Request/response semantics
// are layered on top by the rpc package.
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (Subscription, error)
}
