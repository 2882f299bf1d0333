package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vettid/vaultlink/bus"
	"github.com/vettid/vaultlink/crypto"
)

// Default transfer windows.
const (
	DefaultWindow           = 15 * time.Minute
	DefaultWarningThreshold = 2 * time.Minute
	DefaultMinViableWindow  = 30 * time.Second
	defaultTickInterval     = time.Second
)

var (
	// ErrTransferInProgress is returned by RequestTransfer unless the
	// protocol is idle.
	ErrTransferInProgress = errors.New("transfer: transfer already in progress")

	// ErrNoPendingRequest is returned by Approve and Deny when no inbound
	// request is awaiting a decision.
	ErrNoPendingRequest = errors.New("transfer: no pending request")

	// ErrWindowClosing is returned by Approve when less than the minimum
	// viable window remains; approving now could not complete in time.
	ErrWindowClosing = errors.New("transfer: too little time remaining to complete")
)

// Authenticator performs a fresh local user-presence check (biometric or
// passcode fallback). Approve never publishes without a successful check.
type Authenticator interface {
	Authenticate(ctx context.Context, reason string) error
}

// CredentialSource supplies the credential material an old device hands
// over on approval.
type CredentialSource interface {
	TransferCredential(ctx context.Context) ([]byte, error)
}

// CredentialSink installs the received credential on a new device.
type CredentialSink interface {
	InstallCredential(ctx context.Context, credential []byte) error
}

// BusProvider yields the live bus connection the protocol should use.
type BusProvider func() (bus.Bus, error)

// Config configures a Protocol.
type Config struct {
	// OwnerSpace is the vault's owner space GUID. Required.
	OwnerSpace string

	// DeviceID and DeviceName describe this device in transfer requests.
	// DeviceID is required.
	DeviceID   string
	DeviceName string
	Platform   string

	// Bus yields the live bus connection. Required.
	Bus BusProvider

	// Authenticator gates Approve. Required on devices that approve.
	Authenticator Authenticator

	// Source supplies credential material on approval (old-device role).
	Source CredentialSource

	// Sink installs received credential material (new-device role).
	Sink CredentialSink

	// Window, WarningThreshold, and MinViableWindow override the default
	// 15m/2m/30s transfer timing. TickInterval overrides the one-second
	// countdown tick; tests shrink it.
	Window           time.Duration
	WarningThreshold time.Duration
	MinViableWindow  time.Duration
	TickInterval     time.Duration

	// Clock is used for expiry arithmetic. Defaults to the system clock.
	Clock crypto.TimeProvider
}

// Protocol is the device-transfer state machine. One protocol instance
// serves one device; the single tracked transfer id is owned by it and
// mutated only under its lock.
type Protocol struct {
	mu    sync.Mutex
	cfg   Config
	state State

	// keys is the ephemeral pair generated per outbound request; the peer
	// seals the credential to its public half.
	keys *crypto.KeyPair

	countdownCancel context.CancelFunc
	warned          bool

	sub    bus.Subscription
	events chan Event
	closed bool
}

// NewProtocol creates an idle transfer protocol.
func NewProtocol(cfg Config) (*Protocol, error) {
	if cfg.OwnerSpace == "" {
		return nil, errors.New("transfer: OwnerSpace is required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("transfer: DeviceID is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("transfer: Bus is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.MinViableWindow <= 0 {
		cfg.MinViableWindow = DefaultMinViableWindow
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = crypto.DefaultTimeProvider{}
	}

	return &Protocol{
		cfg:    cfg,
		state:  State{Phase: PhaseIdle},
		events: make(chan Event, 32),
	}, nil
}

// Start subscribes to inbound transfer events and begins dispatching them.
func (p *Protocol) Start(ctx context.Context) error {
	conn, err := p.cfg.Bus()
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(bus.ForAppPattern(p.cfg.OwnerSpace, inboundAction))
	if err != nil {
		return fmt.Errorf("transfer: subscribe: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.Unsubscribe()
		return bus.ErrClosed
	}
	p.sub = sub
	p.mu.Unlock()

	go p.receiveLoop(sub)
	return nil
}

// Close stops the protocol: the countdown is cancelled before any state is
// touched, the subscription is released, and the event channel is left to
// drain.
func (p *Protocol) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancelCountdownLocked()
	sub := p.sub
	p.sub = nil
	p.wipeKeysLocked()
	p.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// State returns a copy of the current state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Events returns the protocol's event channel. The channel is buffered; a
// consumer that falls behind loses events.
func (p *Protocol) Events() <-chan Event {
	return p.events
}

// RequestTransfer starts the new-device role: it generates a transfer id
// and an ephemeral key pair, publishes the initiation request, and opens
// the approval window. Rejected unless the protocol is idle.
func (p *Protocol) RequestTransfer(ctx context.Context) (*Request, error) {
	p.mu.Lock()
	if p.state.Phase != PhaseIdle {
		p.mu.Unlock()
		return nil, ErrTransferInProgress
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("transfer: generate key pair: %w", err)
	}

	now := p.cfg.Clock.Now()
	req := &Request{
		TransferID:  uuid.NewString(),
		DeviceID:    p.cfg.DeviceID,
		DeviceName:  p.cfg.DeviceName,
		Platform:    p.cfg.Platform,
		PublicKey:   base64.StdEncoding.EncodeToString(keys.Public[:]),
		RequestedAt: now,
		ExpiresAt:   now.Add(p.cfg.Window),
	}

	p.keys = keys
	p.state = State{Phase: PhaseRequesting, TransferID: req.TransferID, ExpiresAt: req.ExpiresAt}
	p.emitStateLocked()
	p.mu.Unlock()

	if err := p.publish(ctx, requestOp, req.TransferID, req); err != nil {
		p.mu.Lock()
		p.wipeKeysLocked()
		p.state = State{Phase: PhaseError, TransferID: req.TransferID, Reason: err.Error()}
		p.emitStateLocked()
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	if p.state.Phase == PhaseRequesting && p.state.TransferID == req.TransferID {
		p.state.Phase = PhaseWaitingForApproval
		p.emitStateLocked()
		p.startCountdownLocked()
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"transfer_id": req.TransferID,
		"expires_at":  req.ExpiresAt.Format(time.RFC3339),
	}).Info("Transfer requested")

	return req, nil
}

// Approve runs the old-device role's approval: a fresh local
// authentication, then the credential sealed to the requesting device's
// key, then the approval publish. Authentication failure means nothing is
// published.
func (p *Protocol) Approve(ctx context.Context) error {
	p.mu.Lock()
	if p.state.Phase != PhasePendingApproval || p.state.Request == nil {
		p.mu.Unlock()
		return ErrNoPendingRequest
	}
	req := *p.state.Request
	remaining := p.state.ExpiresAt.Sub(p.cfg.Clock.Now())
	p.mu.Unlock()

	if remaining < p.cfg.MinViableWindow {
		return ErrWindowClosing
	}
	if p.cfg.Authenticator == nil {
		return errors.New("transfer: no authenticator configured")
	}
	if p.cfg.Source == nil {
		return errors.New("transfer: no credential source configured")
	}

	// The biometric check must succeed before anything is published.
	reason := "Approve credential transfer to " + req.DeviceName
	if err := p.cfg.Authenticator.Authenticate(ctx, reason); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Approve",
			"transfer_id": req.TransferID,
			"error":       err.Error(),
		}).Warn("Local authentication failed")
		return fmt.Errorf("transfer: authentication failed: %w", err)
	}

	handshake, err := p.sealCredential(ctx, &req)
	if err != nil {
		return err
	}

	msg := approval{TransferID: req.TransferID, Handshake: handshake}
	if err := p.publish(ctx, approveOp, req.TransferID, &msg); err != nil {
		return err
	}

	p.mu.Lock()
	if p.state.Phase == PhasePendingApproval && p.state.TransferID == req.TransferID {
		p.state = State{Phase: PhaseApproved, TransferID: req.TransferID, ExpiresAt: p.state.ExpiresAt}
		p.emitStateLocked()
	}
	p.mu.Unlock()

	logrus.WithField("transfer_id", req.TransferID).Info("Transfer approved")
	return nil
}

// Deny rejects the pending inbound request. No authentication is required
// to deny.
func (p *Protocol) Deny(ctx context.Context, reason string) error {
	p.mu.Lock()
	if p.state.Phase != PhasePendingApproval || p.state.Request == nil {
		p.mu.Unlock()
		return ErrNoPendingRequest
	}
	transferID := p.state.TransferID
	p.cancelCountdownLocked()
	p.state = State{Phase: PhaseDenied, TransferID: transferID}
	p.emitStateLocked()
	p.mu.Unlock()

	return p.publish(ctx, denyOp, transferID, &verdict{TransferID: transferID, Reason: reason})
}

// Cancel abandons an outbound transfer and notifies the vault. Local state
// is reset either way.
func (p *Protocol) Cancel(ctx context.Context) error {
	p.mu.Lock()
	transferID := p.state.TransferID
	active := p.state.Phase == PhaseRequesting || p.state.Phase == PhaseWaitingForApproval
	p.resetLocked()
	p.mu.Unlock()

	if !active {
		return nil
	}
	return p.publish(ctx, cancelOp, transferID, &verdict{TransferID: transferID})
}

// Reset clears all transfer state and returns to idle. The countdown is
// cancelled before any state is mutated.
func (p *Protocol) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Protocol) resetLocked() {
	p.cancelCountdownLocked()
	p.wipeKeysLocked()
	p.state = State{Phase: PhaseIdle}
	p.emitStateLocked()
}

// receiveLoop dispatches inbound transfer events until the subscription
// closes.
func (p *Protocol) receiveLoop(sub bus.Subscription) {
	for msg := range sub.Messages() {
		p.handleInbound(msg)
	}
}

// handleInbound routes one inbound message by its envelope type, falling
// back to the subject's action suffix.
func (p *Protocol) handleInbound(msg bus.Message) {
	typ, inner := bus.UnwrapPayload(msg.Payload)
	if typ == "" {
		typ = bus.Action(msg.Topic)
	}

	switch typ {
	case typeRequest:
		p.handleRequest(inner)
	case typeApproved:
		p.handleApproved(inner)
	case typeDenied:
		p.handleVerdict(inner, PhaseDenied)
	case typeCompleted:
		p.handleVerdict(inner, PhaseCompleted)
	case typeExpired:
		p.handleVerdict(inner, PhaseExpired)
	default:
		logrus.WithFields(logrus.Fields{
			"topic": msg.Topic,
			"type":  typ,
		}).Debug("Ignoring unknown transfer event")
	}
}

// handleRequest surfaces an inbound transfer request for approval
// (old-device role). Only one transfer may be active at a time; requests
// arriving in any other phase are ignored.
func (p *Protocol) handleRequest(payload json.RawMessage) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil || req.TransferID == "" {
		logrus.WithField("function", "handleRequest").Debug("Ignoring malformed transfer request")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Phase != PhaseIdle {
		logrus.WithFields(logrus.Fields{
			"transfer_id": req.TransferID,
			"phase":       p.state.Phase.String(),
		}).Debug("Ignoring transfer request while busy")
		return
	}

	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = p.cfg.Clock.Now().Add(p.cfg.Window)
	}

	p.state = State{
		Phase:      PhasePendingApproval,
		TransferID: req.TransferID,
		ExpiresAt:  expiresAt,
		Request:    &req,
	}
	p.emitStateLocked()
	p.startCountdownLocked()

	logrus.WithFields(logrus.Fields{
		"transfer_id": req.TransferID,
		"device_name": req.DeviceName,
	}).Info("Transfer request received")
}

// handleApproved completes the new-device role: it opens the Noise
// handshake, installs the credential, and acknowledges completion.
func (p *Protocol) handleApproved(payload json.RawMessage) {
	var msg approval
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	p.mu.Lock()
	if p.state.Phase != PhaseWaitingForApproval || p.state.TransferID != msg.TransferID {
		p.mu.Unlock()
		logrus.WithField("transfer_id", msg.TransferID).Debug("Ignoring stale approval")
		return
	}
	keys := p.keys
	transferID := p.state.TransferID
	p.state = State{Phase: PhaseApproved, TransferID: transferID, ExpiresAt: p.state.ExpiresAt}
	p.emitStateLocked()
	p.mu.Unlock()

	credential, err := openCredential(keys, msg.Handshake)
	if err != nil {
		p.failTransfer(transferID, err)
		return
	}
	defer crypto.ZeroBytes(credential)

	if p.cfg.Sink != nil {
		if err := p.cfg.Sink.InstallCredential(context.Background(), credential); err != nil {
			p.failTransfer(transferID, fmt.Errorf("transfer: install credential: %w", err))
			return
		}
	}

	if err := p.publish(context.Background(), completeOp, transferID, &verdict{TransferID: transferID}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleApproved",
			"transfer_id": transferID,
			"error":       err.Error(),
		}).Warn("Completion acknowledgement failed")
	}

	p.mu.Lock()
	if p.state.Phase == PhaseApproved && p.state.TransferID == transferID {
		p.cancelCountdownLocked()
		p.wipeKeysLocked()
		p.state = State{Phase: PhaseCompleted, TransferID: transferID}
		p.emitStateLocked()
	}
	p.mu.Unlock()

	logrus.WithField("transfer_id", transferID).Info("Transfer completed")
}

// handleVerdict applies an inbound denied/completed/expired event if it
// matches the tracked transfer id; stale and unknown ids are dropped.
func (p *Protocol) handleVerdict(payload json.RawMessage, phase Phase) {
	var msg verdict
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.TransferID == "" || p.state.TransferID != msg.TransferID {
		logrus.WithFields(logrus.Fields{
			"transfer_id": msg.TransferID,
			"phase":       phase.String(),
		}).Debug("Ignoring event for untracked transfer")
		return
	}

	switch p.state.Phase {
	case PhaseDenied, PhaseExpired, PhaseCompleted, PhaseError, PhaseIdle:
		// Already settled; late duplicates are dropped.
		return
	}

	p.cancelCountdownLocked()
	p.wipeKeysLocked()
	p.state = State{Phase: phase, TransferID: msg.TransferID, Reason: msg.Reason}
	p.emitStateLocked()
}

// failTransfer parks the transfer in the error state.
func (p *Protocol) failTransfer(transferID string, cause error) {
	logrus.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"error":       cause.Error(),
	}).Error("Transfer failed")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.TransferID != transferID {
		return
	}
	p.cancelCountdownLocked()
	p.wipeKeysLocked()
	p.state = State{Phase: PhaseError, TransferID: transferID, Reason: cause.Error()}
	p.emitStateLocked()
}

// startCountdownLocked launches the one-second countdown for the current
// window. The caller must hold the lock and have set ExpiresAt. Any
// previous countdown is cancelled first.
func (p *Protocol) startCountdownLocked() {
	p.cancelCountdownLocked()
	p.warned = false

	ctx, cancel := context.WithCancel(context.Background())
	p.countdownCancel = cancel
	transferID := p.state.TransferID

	go func() {
		ticker := time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			p.mu.Lock()
			if ctx.Err() != nil || p.state.TransferID != transferID {
				p.mu.Unlock()
				return
			}

			// Remaining time is recomputed from the absolute expiry on
			// every tick; a decrementing counter would drift across app
			// suspensions.
			remaining := p.state.ExpiresAt.Sub(p.cfg.Clock.Now())
			if remaining <= 0 {
				p.expireLocked(transferID)
				p.mu.Unlock()
				return
			}

			p.emitLocked(Event{Kind: EventTick, State: p.snapshotLocked(), Remaining: remaining, At: time.Now()})
			if !p.warned && remaining <= p.cfg.WarningThreshold {
				p.warned = true
				p.emitLocked(Event{Kind: EventWarning, State: p.snapshotLocked(), Remaining: remaining, At: time.Now()})
			}
			p.mu.Unlock()
		}
	}()
}

// expireLocked forces the single transition to PhaseExpired and clears the
// in-flight transfer state. The caller must hold the lock.
func (p *Protocol) expireLocked(transferID string) {
	switch p.state.Phase {
	case PhaseExpired, PhaseCompleted, PhaseDenied, PhaseIdle:
		return
	}

	p.cancelCountdownLocked()
	p.wipeKeysLocked()
	p.state = State{Phase: PhaseExpired, TransferID: transferID}
	p.emitStateLocked()

	logrus.WithField("transfer_id", transferID).Info("Transfer window expired")
}

func (p *Protocol) cancelCountdownLocked() {
	if p.countdownCancel != nil {
		p.countdownCancel()
		p.countdownCancel = nil
	}
}

func (p *Protocol) wipeKeysLocked() {
	if p.keys != nil {
		p.keys.Wipe()
		p.keys = nil
	}
}

func (p *Protocol) snapshotLocked() State {
	state := p.state
	if state.Request != nil {
		req := *state.Request
		state.Request = &req
	}
	return state
}

func (p *Protocol) emitStateLocked() {
	p.emitLocked(Event{Kind: EventState, State: p.snapshotLocked(), At: time.Now()})
}

func (p *Protocol) emitLocked(event Event) {
	select {
	case p.events <- event:
	default:
		logrus.WithField("kind", int(event.Kind)).Warn("Dropping transfer event for slow consumer")
	}
}

// publish wraps payload in the application envelope and sends it on the
// operation's forVault subject.
func (p *Protocol) publish(ctx context.Context, op, transferID string, payload any) error {
	conn, err := p.cfg.Bus()
	if err != nil {
		return err
	}

	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transfer: marshal %s: %w", op, err)
	}
	envelope := bus.Request{RequestID: transferID, Type: op, Payload: inner}
	data, err := json.Marshal(&envelope)
	if err != nil {
		return fmt.Errorf("transfer: marshal %s envelope: %w", op, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conn.Publish(bus.ForVault(p.cfg.OwnerSpace, op), data); err != nil {
		return fmt.Errorf("transfer: publish %s: %w", op, err)
	}
	return nil
}

// sealCredential fetches the credential and seals it to the requesting
// device's key with a Noise-IK handshake message.
func (p *Protocol) sealCredential(ctx context.Context, req *Request) (string, error) {
	peerKeyBytes, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(peerKeyBytes) != 32 {
		return "", errors.New("transfer: request has invalid public key")
	}
	var peerKey [32]byte
	copy(peerKey[:], peerKeyBytes)

	credential, err := p.cfg.Source.TransferCredential(ctx)
	if err != nil {
		return "", fmt.Errorf("transfer: load credential: %w", err)
	}
	defer crypto.ZeroBytes(credential)

	static, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", fmt.Errorf("transfer: generate key pair: %w", err)
	}
	defer static.Wipe()

	handshake, err := crypto.NewNoiseHandshake(true, static, peerKey)
	if err != nil {
		return "", fmt.Errorf("transfer: start handshake: %w", err)
	}
	message, _, err := handshake.WriteMessage(credential)
	if err != nil {
		return "", fmt.Errorf("transfer: seal credential: %w", err)
	}

	return base64.StdEncoding.EncodeToString(message), nil
}

// openCredential recovers the credential from an approval's Noise-IK
// handshake message (new-device role).
func openCredential(keys *crypto.KeyPair, encoded string) ([]byte, error) {
	if keys == nil {
		return nil, errors.New("transfer: no transfer keys")
	}

	message, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("transfer: decode handshake: %w", err)
	}

	handshake, err := crypto.NewNoiseHandshake(false, keys, [32]byte{})
	if err != nil {
		return nil, fmt.Errorf("transfer: start handshake: %w", err)
	}
	credential, _, err := handshake.ReadMessage(message)
	if err != nil {
		return nil, fmt.Errorf("transfer: open credential: %w", err)
	}
	return credential, nil
}
