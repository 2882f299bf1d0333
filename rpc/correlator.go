package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vettid/vaultlink/bus"
)

// DefaultTimeout applies when a Request does not set its own deadline.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when no matching response arrives in time. It is
// deliberately distinct from TransportError: a timeout is retryable at the
// caller's discretion, a transport failure requires reconnection first.
var ErrTimeout = errors.New("rpc: call timed out")

// TransportError reports a transport-level failure during a call.
type TransportError struct {
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc: transport failure: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("rpc: transport failure: %s", e.Detail)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewCorrelationID generates a fresh correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Request describes one correlated call.
type Request struct {
	// Topic is the request subject to publish on.
	Topic string

	// ResponseTopic is the subscription pattern the response arrives on.
	ResponseTopic string

	// Type is the application envelope type, e.g. "challenge.request".
	Type string

	// Payload is the application payload carried inside the envelope.
	Payload json.RawMessage

	// CorrelationID is generated when empty.
	CorrelationID string

	// Timeout bounds the wait for a matching response. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// BusProvider yields the live bus connection a call should use, typically
// backed by the connection supervisor. It fails with bus.ErrNotConnected
// when there is none.
type BusProvider func() (bus.Bus, error)

// Correlator resolves correlated request/response calls over the bus.
type Correlator struct {
	provider BusProvider
}

// NewCorrelator creates a correlator drawing connections from provider.
func NewCorrelator(provider BusProvider) *Correlator {
	return &Correlator{provider: provider}
}

// NewCorrelatorWithBus creates a correlator bound to a fixed bus.
func NewCorrelatorWithBus(b bus.Bus) *Correlator {
	return &Correlator{provider: func() (bus.Bus, error) { return b, nil }}
}

// Call publishes the request and resolves the first response whose
// correlation id matches, or fails with ErrTimeout, a TransportError,
// bus.ErrNotConnected, or the context's error. The call resolves at most
// once and the response subscription is released on every path.
func (c *Correlator) Call(ctx context.Context, req Request) (*bus.Response, error) {
	conn, err := c.provider()
	if err != nil {
		return nil, err
	}

	if req.CorrelationID == "" {
		req.CorrelationID = NewCorrelationID()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Subscribe before publishing so a fast responder's reply cannot be
	// missed.
	sub, err := conn.Subscribe(req.ResponseTopic)
	if err != nil {
		if errors.Is(err, bus.ErrNotConnected) {
			return nil, err
		}
		return nil, &TransportError{Detail: "subscribe " + req.ResponseTopic, Err: err}
	}
	defer sub.Unsubscribe()

	envelope := bus.Request{
		RequestID: req.CorrelationID,
		Type:      req.Type,
		ReplyTo:   req.ResponseTopic,
		Payload:   req.Payload,
	}
	data, err := json.Marshal(&envelope)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	if err := conn.Publish(req.Topic, data); err != nil {
		if errors.Is(err, bus.ErrNotConnected) {
			return nil, err
		}
		return nil, &TransportError{Detail: "publish " + req.Topic, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"topic":          req.Topic,
		"correlation_id": req.CorrelationID,
		"timeout":        timeout.String(),
	}).Debug("Call published")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			return nil, ErrTimeout

		case msg, ok := <-sub.Messages():
			if !ok {
				return nil, &TransportError{Detail: "subscription closed"}
			}

			var resp bus.Response
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				logrus.WithFields(logrus.Fields{
					"topic": msg.Topic,
					"error": err.Error(),
				}).Debug("Ignoring unparseable response")
				continue
			}
			if resp.GetID() != req.CorrelationID {
				// Stray or duplicate reply for some other call.
				continue
			}
			return &resp, nil
		}
	}
}
