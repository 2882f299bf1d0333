package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vettid/vaultlink/bus"
	"github.com/vettid/vaultlink/crypto"
	"github.com/vettid/vaultlink/storage"
)

// DefaultReconnectSchedule is the fixed backoff table applied after a
// failed connect: five attempts, then the record is parked in a terminal
// error state. The literal table is part of the observable contract; do not
// replace it with a computed exponential.
var DefaultReconnectSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// ErrReconnectExhausted is reported after every scheduled reconnect attempt
// for a peer has failed. The record stays in StatusError until the caller
// re-initiates with Connect.
var ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")

// ErrUnknownPeer is returned when operating on a peer with no record.
var ErrUnknownPeer = errors.New("connection: unknown peer")

// Dialer establishes a live bus connection for a peer using its credential
// material. It is invoked for the initial connect and for every reconnect
// attempt.
type Dialer func(ctx context.Context, peerID string, credential []byte) (bus.Bus, error)

// Config configures a Supervisor.
type Config struct {
	// Dialer establishes per-peer bus connections. Required.
	Dialer Dialer

	// Store holds credential material for live connections. Defaults to an
	// in-memory store.
	Store storage.CredentialStore

	// ReconnectSchedule overrides DefaultReconnectSchedule. Tests shrink it
	// to millisecond delays.
	ReconnectSchedule []time.Duration
}

// record tracks one logical peer connection. All fields are guarded by the
// supervisor mutex; the retry context additionally marks which backoff task
// currently owns the record.
type record struct {
	peerID      string
	status      Status
	lastErr     error
	conn        bus.Bus
	retryCtx    context.Context
	retryCancel context.CancelFunc
}

// Supervisor owns zero or more named logical connections over the bus and
// drives connect, retry, and teardown per peer.
type Supervisor struct {
	mu       sync.Mutex
	dial     Dialer
	store    storage.CredentialStore
	schedule []time.Duration
	records  map[string]*record
	changes  chan StateChange
	closed   bool
}

// NewSupervisor creates a supervisor with no connections.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("connection: Dialer is required")
	}
	store := cfg.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	schedule := cfg.ReconnectSchedule
	if len(schedule) == 0 {
		schedule = DefaultReconnectSchedule
	}

	return &Supervisor{
		dial:     cfg.Dialer,
		store:    store,
		schedule: schedule,
		records:  make(map[string]*record),
		changes:  make(chan StateChange, 32),
	}, nil
}

// StateChanges returns the state-change notification channel. The channel
// is buffered; a consumer that falls behind loses notifications rather than
// blocking the supervisor.
func (s *Supervisor) StateChanges() <-chan StateChange {
	return s.changes
}

// Status reports the current state of a peer connection. Unknown peers are
// disconnected.
func (s *Supervisor) Status(peerID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[peerID]
	if !ok {
		return StatusDisconnected
	}
	return rec.status
}

// LastError returns the most recent failure for a peer, or nil.
func (s *Supervisor) LastError(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[peerID]; ok {
		return rec.lastErr
	}
	return nil
}

// Bus returns the live bus connection for a peer. It fails with
// bus.ErrNotConnected unless the peer is currently connected.
func (s *Supervisor) Bus(peerID string) (bus.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[peerID]
	if !ok || rec.status != StatusConnected || rec.conn == nil {
		return nil, bus.ErrNotConnected
	}
	return rec.conn, nil
}

// Connect establishes a logical connection to a peer. It is idempotent for
// a peer that is already connected. Any pending reconnect task for the peer
// is cancelled before the new attempt starts, so no two connection attempts
// for the same peer ever run concurrently.
//
// The credential slice is copied into the supervisor's protected store and
// the caller's copy is wiped; the record owns the material from here until
// Disconnect destroys it.
func (s *Supervisor) Connect(ctx context.Context, peerID string, credential []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return bus.ErrClosed
	}

	rec, ok := s.records[peerID]
	if ok && rec.status == StatusConnected {
		s.mu.Unlock()
		crypto.ZeroBytes(credential)
		return nil
	}
	if !ok {
		rec = &record{peerID: peerID, status: StatusDisconnected}
		s.records[peerID] = rec
	}

	// Cancellation precedes mutation: a pending backoff task must be dead
	// before the record moves on.
	s.cancelRetryLocked(rec)

	if err := s.store.Put(peerID, credential); err != nil {
		s.mu.Unlock()
		crypto.ZeroBytes(credential)
		return fmt.Errorf("store credential for %s: %w", peerID, err)
	}
	crypto.ZeroBytes(credential)

	s.setStatusLocked(rec, StatusConnecting, nil)
	s.mu.Unlock()

	return s.attempt(ctx, rec, nil)
}

// Disconnect cancels any pending reconnect task, tears down the live
// connection, destroys the peer's credential material, and removes the
// record. Disconnecting an unknown peer is not an error.
func (s *Supervisor) Disconnect(peerID string) error {
	s.mu.Lock()
	rec, ok := s.records[peerID]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	s.cancelRetryLocked(rec)
	conn := rec.conn
	rec.conn = nil
	delete(s.records, peerID)
	s.emitLocked(StateChange{PeerID: peerID, Status: StatusDisconnected, At: time.Now()})
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Disconnect",
				"peer_id":  peerID,
				"error":    err.Error(),
			}).Warn("Bus teardown failed")
		}
	}

	if err := s.store.Delete(peerID); err != nil {
		return fmt.Errorf("destroy credential for %s: %w", peerID, err)
	}

	logrus.WithField("peer_id", peerID).Info("Connection removed")
	return nil
}

// Close disconnects every peer and stops the supervisor.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]string, 0, len(s.records))
	for peerID := range s.records {
		peers = append(peers, peerID)
	}
	s.mu.Unlock()

	var firstErr error
	for _, peerID := range peers {
		if err := s.Disconnect(peerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// attempt runs one connection attempt for a record. retryCtx is nil for a
// caller-initiated connect and set to the owning backoff task's context for
// reconnects: the attempt abandons itself if the task has been superseded.
func (s *Supervisor) attempt(ctx context.Context, rec *record, retryCtx context.Context) error {
	credential, err := s.store.Get(rec.peerID)
	if err != nil {
		return s.attemptFailed(rec, retryCtx, fmt.Errorf("load credential: %w", err))
	}
	defer crypto.ZeroBytes(credential)

	conn, err := s.dial(ctx, rec.peerID, credential)
	if err != nil {
		return s.attemptFailed(rec, retryCtx, err)
	}

	s.mu.Lock()
	if s.records[rec.peerID] != rec ||
		(retryCtx != nil && (rec.retryCtx != retryCtx || retryCtx.Err() != nil)) {
		// The record was removed or the task cancelled while dialing; the
		// connection is nobody's now.
		s.mu.Unlock()
		conn.Disconnect()
		return context.Canceled
	}
	rec.conn = conn
	rec.retryCtx = nil
	rec.retryCancel = nil
	s.setStatusLocked(rec, StatusConnected, nil)
	s.mu.Unlock()

	logrus.WithField("peer_id", rec.peerID).Info("Peer connected")
	return nil
}

// attemptFailed records a failed attempt and schedules the next reconnect,
// or parks the record in the terminal exhausted state.
func (s *Supervisor) attemptFailed(rec *record, retryCtx context.Context, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[rec.peerID] != rec ||
		(retryCtx != nil && (rec.retryCtx != retryCtx || retryCtx.Err() != nil)) {
		return context.Canceled
	}

	attempt := 0
	if retryCtx != nil {
		attempt = retryAttempt(retryCtx)
	}

	if attempt >= len(s.schedule) {
		err := fmt.Errorf("reconnection failed after %d attempts: %w", len(s.schedule), ErrReconnectExhausted)
		rec.retryCtx = nil
		rec.retryCancel = nil
		s.setStatusLocked(rec, StatusError, err)
		logrus.WithFields(logrus.Fields{
			"function": "attemptFailed",
			"peer_id":  rec.peerID,
			"attempts": len(s.schedule),
		}).Error("Reconnect attempts exhausted")
		return err
	}

	s.setStatusLocked(rec, StatusError, cause)
	s.scheduleRetryLocked(rec, attempt)
	return cause
}

// retryAttemptKey carries the attempt index inside a backoff task context.
type retryAttemptKey struct{}

func retryAttempt(ctx context.Context) int {
	if n, ok := ctx.Value(retryAttemptKey{}).(int); ok {
		return n
	}
	return 0
}

// scheduleRetryLocked arms the backoff timer for the next attempt. The
// caller must hold the mutex and have cancelled any previous task.
func (s *Supervisor) scheduleRetryLocked(rec *record, attempt int) {
	delay := s.schedule[attempt]

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, retryAttemptKey{}, attempt+1)
	rec.retryCtx = ctx
	rec.retryCancel = cancel

	logrus.WithFields(logrus.Fields{
		"peer_id": rec.peerID,
		"attempt": attempt + 1,
		"delay":   delay.String(),
	}).Debug("Scheduling reconnect")

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if rec.retryCtx != ctx || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.setStatusLocked(rec, StatusReconnecting, nil)
		s.mu.Unlock()

		s.attempt(ctx, rec, ctx)
	}()
}

// cancelRetryLocked kills any pending backoff task for the record. The
// caller must hold the mutex.
func (s *Supervisor) cancelRetryLocked(rec *record) {
	if rec.retryCancel != nil {
		rec.retryCancel()
		rec.retryCtx = nil
		rec.retryCancel = nil
	}
}

// setStatusLocked mutates the record state and emits a notification. The
// caller must hold the mutex.
func (s *Supervisor) setStatusLocked(rec *record, status Status, cause error) {
	rec.status = status
	rec.lastErr = cause

	change := StateChange{PeerID: rec.peerID, Status: status, At: time.Now()}
	if cause != nil {
		change.Reason = cause.Error()
	}
	s.emitLocked(change)
}

// emitLocked delivers a state change without blocking; a full channel drops
// the notification.
func (s *Supervisor) emitLocked(change StateChange) {
	select {
	case s.changes <- change:
	default:
		logrus.WithFields(logrus.Fields{
			"peer_id": change.PeerID,
			"status":  change.Status.String(),
		}).Warn("Dropping state change for slow consumer")
	}
}
