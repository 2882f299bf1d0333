package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vettid/vaultlink/bus"
)

// respondWith echoes a Response on replyTopic for every Request seen on
// pattern, transforming the request through fn.
func respondWith(t *testing.T, b *bus.MemoryBus, pattern, replyTopic string, fn func(req *bus.Request) *bus.Response) {
	t.Helper()
	sub, err := b.Subscribe(pattern)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })

	go func() {
		for msg := range sub.Messages() {
			var req bus.Request
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				continue
			}
			resp := fn(&req)
			if resp == nil {
				continue
			}
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			b.Publish(replyTopic, data)
		}
	}()
}

func newTestBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestCallResolvesMatchingResponse(t *testing.T) {
	b := newTestBus(t)
	respondWith(t, b, "OwnerSpace.x.forVault.>", "OwnerSpace.x.forApp.echo", func(req *bus.Request) *bus.Response {
		return &bus.Response{RequestID: req.GetID(), Success: true, Payload: req.Payload}
	})

	c := NewCorrelatorWithBus(b)
	resp, err := c.Call(context.Background(), Request{
		Topic:         "OwnerSpace.x.forVault.echo",
		ResponseTopic: "OwnerSpace.x.forApp.echo",
		Type:          "echo",
		Payload:       json.RawMessage(`{"value":42}`),
		Timeout:       time.Second,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"value":42}`, string(resp.Payload))
}

func TestCallIgnoresForeignCorrelationIDs(t *testing.T) {
	b := newTestBus(t)
	respondWith(t, b, "OwnerSpace.x.forVault.>", "OwnerSpace.x.forApp.echo", func(req *bus.Request) *bus.Response {
		// A stray reply for some other call arrives first.
		stray, _ := json.Marshal(&bus.Response{RequestID: "someone-else", Success: true})
		b.Publish("OwnerSpace.x.forApp.echo", stray)
		b.Publish("OwnerSpace.x.forApp.echo", []byte("not even json"))
		return &bus.Response{RequestID: req.GetID(), Success: true}
	})

	c := NewCorrelatorWithBus(b)
	req := Request{
		Topic:         "OwnerSpace.x.forVault.echo",
		ResponseTopic: "OwnerSpace.x.forApp.echo",
		CorrelationID: "mine",
		Timeout:       time.Second,
	}
	resp, err := c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "mine", resp.GetID())
}

func TestCallAcceptsLegacyIDField(t *testing.T) {
	b := newTestBus(t)
	respondWith(t, b, "OwnerSpace.x.forVault.>", "OwnerSpace.x.forApp.echo", func(req *bus.Request) *bus.Response {
		return &bus.Response{ID: req.GetID(), Success: true}
	})

	c := NewCorrelatorWithBus(b)
	resp, err := c.Call(context.Background(), Request{
		Topic:         "OwnerSpace.x.forVault.echo",
		ResponseTopic: "OwnerSpace.x.forApp.echo",
		Timeout:       time.Second,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestCallTimeout(t *testing.T) {
	b := newTestBus(t)
	// Nobody answers.
	c := NewCorrelatorWithBus(b)

	start := time.Now()
	_, err := c.Call(context.Background(), Request{
		Topic:         "OwnerSpace.x.forVault.echo",
		ResponseTopic: "OwnerSpace.x.forApp.echo",
		Timeout:       30 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	var transportErr *TransportError
	assert.False(t, errors.As(err, &transportErr), "timeout is not a transport failure")
}

func TestCallContextCancellation(t *testing.T) {
	b := newTestBus(t)
	c := NewCorrelatorWithBus(b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, Request{
		Topic:         "OwnerSpace.x.forVault.echo",
		ResponseTopic: "OwnerSpace.x.forApp.echo",
		Timeout:       time.Minute,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallNotConnected(t *testing.T) {
	b := bus.NewMemoryBus() // never connected
	c := NewCorrelatorWithBus(b)

	_, err := c.Call(context.Background(), Request{
		Topic:         "OwnerSpace.x.forVault.echo",
		ResponseTopic: "OwnerSpace.x.forApp.echo",
	})
	assert.ErrorIs(t, err, bus.ErrNotConnected)
}

func TestCallProviderFailure(t *testing.T) {
	c := NewCorrelator(func() (bus.Bus, error) { return nil, bus.ErrNotConnected })

	_, err := c.Call(context.Background(), Request{
		Topic:         "OwnerSpace.x.forVault.echo",
		ResponseTopic: "OwnerSpace.x.forApp.echo",
	})
	assert.ErrorIs(t, err, bus.ErrNotConnected)
}

func TestCallGeneratesCorrelationID(t *testing.T) {
	b := newTestBus(t)

	seen := make(chan string, 1)
	respondWith(t, b, "OwnerSpace.x.forVault.>", "OwnerSpace.x.forApp.echo", func(req *bus.Request) *bus.Response {
		seen <- req.GetID()
		return &bus.Response{RequestID: req.GetID(), Success: true}
	})

	c := NewCorrelatorWithBus(b)
	_, err := c.Call(context.Background(), Request{
		Topic:         "OwnerSpace.x.forVault.echo",
		ResponseTopic: "OwnerSpace.x.forApp.echo",
		Timeout:       time.Second,
	})
	require.NoError(t, err)

	select {
	case id := <-seen:
		assert.NotEmpty(t, id)
	case <-time.After(time.Second):
		t.Fatal("request never reached the responder")
	}
}

func TestNewCorrelationIDUnique(t *testing.T) {
	assert.NotEqual(t, NewCorrelationID(), NewCorrelationID())
}
