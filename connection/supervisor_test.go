package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vettid/vaultlink/bus"
	"github.com/vettid/vaultlink/storage"
)

// fakeDialer counts dial attempts and fails a configurable number of
// leading calls before handing out connected in-memory buses.
type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	failures int
	failAll  bool
	lastCred []byte
}

func (d *fakeDialer) dial(ctx context.Context, peerID string, credential []byte) (bus.Bus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	d.lastCred = append([]byte(nil), credential...)
	if d.failAll || d.calls <= d.failures {
		return nil, errors.New("dial refused")
	}

	b := bus.NewMemoryBus()
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// shortSchedule keeps reconnect tests fast while preserving the attempt
// count of the production table.
var shortSchedule = []time.Duration{
	5 * time.Millisecond,
	5 * time.Millisecond,
	5 * time.Millisecond,
	5 * time.Millisecond,
	5 * time.Millisecond,
}

func TestDefaultReconnectSchedule(t *testing.T) {
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	assert.Equal(t, expected, DefaultReconnectSchedule)
}

func TestConnectSuccess(t *testing.T) {
	dialer := &fakeDialer{}
	s, err := NewSupervisor(Config{Dialer: dialer.dial})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background(), "vault", []byte("cred")))

	assert.Equal(t, StatusConnected, s.Status("vault"))
	assert.Equal(t, 1, dialer.count())

	conn, err := s.Bus("vault")
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	dialer := &fakeDialer{}
	s, err := NewSupervisor(Config{Dialer: dialer.dial})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background(), "vault", []byte("cred")))
	require.NoError(t, s.Connect(context.Background(), "vault", []byte("cred")))

	assert.Equal(t, 1, dialer.count(), "second connect must not redial")
}

func TestConnectWipesCallerCredential(t *testing.T) {
	dialer := &fakeDialer{}
	s, err := NewSupervisor(Config{Dialer: dialer.dial})
	require.NoError(t, err)
	defer s.Close()

	credential := []byte("sensitive")
	require.NoError(t, s.Connect(context.Background(), "vault", credential))

	assert.Equal(t, make([]byte, len("sensitive")), credential)
	assert.Equal(t, []byte("sensitive"), dialer.lastCred, "dialer must still see the material")
}

func TestBusRequiresConnectedPeer(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	s, err := NewSupervisor(Config{Dialer: dialer.dial, ReconnectSchedule: shortSchedule})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Bus("unknown")
	assert.ErrorIs(t, err, bus.ErrNotConnected)

	require.Error(t, s.Connect(context.Background(), "vault", []byte("cred")))
	_, err = s.Bus("vault")
	assert.ErrorIs(t, err, bus.ErrNotConnected)
}

func TestReconnectExhaustsSchedule(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	s, err := NewSupervisor(Config{Dialer: dialer.dial, ReconnectSchedule: shortSchedule})
	require.NoError(t, err)
	defer s.Close()

	err = s.Connect(context.Background(), "vault", []byte("cred"))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return errors.Is(s.LastError("vault"), ErrReconnectExhausted)
	}, 2*time.Second, 5*time.Millisecond)

	// Initial attempt plus one per schedule entry, then nothing more.
	assert.Equal(t, 1+len(shortSchedule), dialer.count())
	assert.Equal(t, StatusError, s.Status("vault"))
	assert.Contains(t, s.LastError("vault").Error(), "reconnection failed after 5 attempts")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1+len(shortSchedule), dialer.count(), "no attempts after exhaustion")
}

func TestReconnectRecovers(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	s, err := NewSupervisor(Config{Dialer: dialer.dial, ReconnectSchedule: shortSchedule})
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.Connect(context.Background(), "vault", []byte("cred")))

	require.Eventually(t, func() bool {
		return s.Status("vault") == StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, dialer.count())
	assert.NoError(t, s.LastError("vault"))
}

func TestConnectCancelsPendingBackoff(t *testing.T) {
	dialer := &fakeDialer{failures: 1}
	slow := []time.Duration{time.Hour, time.Hour, time.Hour, time.Hour, time.Hour}
	s, err := NewSupervisor(Config{Dialer: dialer.dial, ReconnectSchedule: slow})
	require.NoError(t, err)
	defer s.Close()

	// First connect fails and parks a backoff task an hour out.
	require.Error(t, s.Connect(context.Background(), "vault", []byte("cred")))
	require.Equal(t, 1, dialer.count())

	// A fresh connect must supersede the pending task, not race it.
	require.NoError(t, s.Connect(context.Background(), "vault", []byte("cred")))
	assert.Equal(t, StatusConnected, s.Status("vault"))
	assert.Equal(t, 2, dialer.count())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dialer.count(), "cancelled task must not dial")
}

func TestDisconnectCancelsBackoffAndDestroysCredential(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	store := storage.NewMemoryStore()
	slow := []time.Duration{time.Hour}
	s, err := NewSupervisor(Config{Dialer: dialer.dial, Store: store, ReconnectSchedule: slow})
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.Connect(context.Background(), "vault", []byte("cred")))
	require.NoError(t, s.Disconnect("vault"))

	assert.Equal(t, StatusDisconnected, s.Status("vault"))
	_, err = store.Get("vault")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count(), "cancelled backoff must not dial")
}

func TestDisconnectUnknownPeer(t *testing.T) {
	dialer := &fakeDialer{}
	s, err := NewSupervisor(Config{Dialer: dialer.dial})
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Disconnect("never-connected"))
}

func TestStateChangeNotifications(t *testing.T) {
	dialer := &fakeDialer{}
	s, err := NewSupervisor(Config{Dialer: dialer.dial})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background(), "vault", []byte("cred")))

	var statuses []Status
	for len(statuses) < 2 {
		select {
		case change := <-s.StateChanges():
			assert.Equal(t, "vault", change.PeerID)
			statuses = append(statuses, change.Status)
		case <-time.After(time.Second):
			t.Fatalf("missing state changes, got %v", statuses)
		}
	}
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, statuses)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "error", StatusError.String())
}

func TestNewSupervisorRequiresDialer(t *testing.T) {
	_, err := NewSupervisor(Config{})
	assert.Error(t, err)
}
