package challenge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vettid/vaultlink/bus"
	"github.com/vettid/vaultlink/crypto"
	"github.com/vettid/vaultlink/rpc"
)

// Wire operation names, relative to the OwnerSpace forVault prefix.
const (
	requestOp   = "challenge.request"
	authorizeOp = "challenge.authorize"

	// responseAction is the forApp action the vault answers under; the flow
	// subscribes to it with a trailing wildcard.
	responseAction = "challenge"
)

// Config configures a Flow.
type Config struct {
	// OwnerSpace is the vault's owner space GUID. Required.
	OwnerSpace string

	// DeviceID identifies this device in challenge requests. Required.
	DeviceID string

	// Correlator resolves the request/response calls. Required.
	Correlator *rpc.Correlator

	// Timeout overrides the correlator default for both the challenge
	// request and the proof submission.
	Timeout time.Duration

	// Clock is used for expiry checks. Defaults to the system clock.
	Clock crypto.TimeProvider
}

// Flow is the challenge authorization state machine. One flow serves one
// authorization attempt at a time; the single challenge slot is owned by
// the flow and mutated only under its lock.
type Flow struct {
	mu        sync.Mutex
	cfg       Config
	phase     Phase
	challenge *Challenge
	changes   chan PhaseChange
}

// NewFlow creates an idle authorization flow.
func NewFlow(cfg Config) (*Flow, error) {
	if cfg.OwnerSpace == "" {
		return nil, errors.New("challenge: OwnerSpace is required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("challenge: DeviceID is required")
	}
	if cfg.Correlator == nil {
		return nil, errors.New("challenge: Correlator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = crypto.DefaultTimeProvider{}
	}

	return &Flow{
		cfg:     cfg,
		phase:   PhaseIdle,
		changes: make(chan PhaseChange, 16),
	}, nil
}

// Phase returns the flow's current phase.
func (f *Flow) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// PhaseChanges returns the phase notification channel. The channel is
// buffered; a consumer that falls behind loses notifications.
func (f *Flow) PhaseChanges() <-chan PhaseChange {
	return f.changes
}

// Challenge returns a copy of the stored challenge, or nil.
func (f *Flow) Challenge() *Challenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challenge == nil {
		return nil
	}
	c := *f.challenge
	return &c
}

// challengeRequest is the payload published to challenge.request.
type challengeRequest struct {
	OperationType string `json:"operation_type"`
	OperationID   string `json:"operation_id"`
	DeviceID      string `json:"device_id"`
	Timestamp     string `json:"timestamp"`
}

// challengeIssued is the payload the vault answers a challenge request
// with.
type challengeIssued struct {
	ChallengeID   string `json:"challenge_id"`
	OperationType string `json:"operation_type"`
	OperationID   string `json:"operation_id"`
	PublicKey     string `json:"public_key"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// proofSubmission is the payload published to challenge.authorize.
type proofSubmission struct {
	ChallengeID        string `json:"challenge_id"`
	EncryptedHash      string `json:"encrypted_hash"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
	Salt               string `json:"salt"`
}

// tokenIssued is the payload of a successful authorization response.
type tokenIssued struct {
	Token         string `json:"token"`
	OperationType string `json:"operation_type"`
	OperationID   string `json:"operation_id"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// RequestChallenge asks the vault for a single-use challenge scoped to the
// given operation and stores it, moving the flow to PhaseAwaitingPassword.
// Any previously stored challenge is discarded first. Requires a connected
// bus; a timeout or failure moves the flow to PhaseFailed.
func (f *Flow) RequestChallenge(ctx context.Context, op Operation, operationID string) (*Challenge, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}

	f.mu.Lock()
	switch f.phase {
	case PhaseRequestingChallenge, PhaseAuthorizing, PhaseExecuting:
		f.mu.Unlock()
		return nil, ErrInProgress
	}
	f.challenge = nil
	f.setPhaseLocked(PhaseRequestingChallenge, nil)
	f.mu.Unlock()

	payload, err := json.Marshal(challengeRequest{
		OperationType: string(op),
		OperationID:   operationID,
		DeviceID:      f.cfg.DeviceID,
		Timestamp:     f.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, f.fail(fmt.Errorf("challenge: marshal request: %w", err))
	}

	resp, err := f.cfg.Correlator.Call(ctx, rpc.Request{
		Topic:         bus.ForVault(f.cfg.OwnerSpace, requestOp),
		ResponseTopic: bus.ForAppPattern(f.cfg.OwnerSpace, responseAction),
		Type:          requestOp,
		Payload:       payload,
		Timeout:       f.cfg.Timeout,
	})
	if err != nil {
		return nil, f.fail(fmt.Errorf("challenge: request failed: %w", err))
	}
	if err := resp.Err(); err != nil {
		return nil, f.fail(fmt.Errorf("challenge: request rejected: %w", err))
	}

	challenge, err := parseChallenge(resp.Payload, op, operationID)
	if err != nil {
		return nil, f.fail(err)
	}

	f.mu.Lock()
	f.challenge = challenge
	f.setPhaseLocked(PhaseAwaitingPassword, nil)
	f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"challenge_id": challenge.ID,
		"operation":    string(op),
		"operation_id": operationID,
	}).Info("Challenge issued")

	c := *challenge
	return &c, nil
}

// Authorize derives the password proof, submits it, and on success hands
// the issued token to onAuthorized before returning it.
//
// The stored challenge is cleared the moment the submission resolves,
// before onAuthorized runs and regardless of whether the vault accepted the
// proof. A second Authorize call therefore fails with ErrChallengeMissing
// until a new challenge is requested. A timed-out submission keeps the
// challenge so the caller may retry.
func (f *Flow) Authorize(ctx context.Context, password string, onAuthorized func(Token) error) (*Token, error) {
	f.mu.Lock()
	switch f.phase {
	case PhaseRequestingChallenge, PhaseAuthorizing, PhaseExecuting:
		f.mu.Unlock()
		return nil, ErrInProgress
	}
	if f.challenge == nil {
		f.mu.Unlock()
		return nil, ErrChallengeMissing
	}
	if f.challenge.IsExpired(f.cfg.Clock.Now()) {
		f.challenge = nil
		err := ErrChallengeExpired
		f.setPhaseLocked(PhaseFailed, err)
		f.mu.Unlock()
		return nil, err
	}
	ch := *f.challenge
	f.setPhaseLocked(PhaseAuthorizing, nil)
	f.mu.Unlock()

	submission, cleanup, err := buildSubmission(password, &ch)
	if err != nil {
		return nil, f.fail(err)
	}
	defer cleanup()

	payload, err := json.Marshal(submission)
	if err != nil {
		return nil, f.fail(fmt.Errorf("challenge: marshal submission: %w", err))
	}

	resp, err := f.cfg.Correlator.Call(ctx, rpc.Request{
		Topic:         bus.ForVault(f.cfg.OwnerSpace, authorizeOp),
		ResponseTopic: bus.ForAppPattern(f.cfg.OwnerSpace, responseAction),
		Type:          authorizeOp,
		Payload:       payload,
		Timeout:       f.cfg.Timeout,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) {
			// Retryable: keep the challenge, return to awaiting-password.
			f.mu.Lock()
			if f.phase == PhaseAuthorizing {
				f.setPhaseLocked(PhaseAwaitingPassword, nil)
			}
			f.mu.Unlock()
			return nil, fmt.Errorf("challenge: submission timed out: %w", err)
		}
		return nil, f.fail(fmt.Errorf("challenge: submission failed: %w", err))
	}

	// Submission resolved: the challenge is consumed now, before the
	// response is interpreted and before any authorized action runs.
	f.mu.Lock()
	f.challenge = nil
	f.mu.Unlock()

	if err := resp.Err(); err != nil {
		if isIncorrectPassword(resp.Error) {
			return nil, f.fail(ErrIncorrectPassword)
		}
		return nil, f.fail(&DeniedError{Detail: resp.Error})
	}

	token, err := parseToken(resp.Payload, &ch)
	if err != nil {
		return nil, f.fail(err)
	}

	f.mu.Lock()
	f.setPhaseLocked(PhaseExecuting, nil)
	f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"challenge_id": ch.ID,
		"operation":    string(ch.Operation),
	}).Info("Authorization granted")

	if onAuthorized != nil {
		if err := onAuthorized(*token); err != nil {
			// The challenge stays consumed; the action's failure does not
			// make it re-issuable.
			return nil, f.fail(fmt.Errorf("challenge: authorized action failed: %w", err))
		}
	}

	f.mu.Lock()
	f.setPhaseLocked(PhaseCompleted, nil)
	f.mu.Unlock()

	return token, nil
}

// Cancel discards any stored challenge and returns the flow to idle.
func (f *Flow) Cancel() {
	f.Reset()
}

// Reset discards any stored challenge and returns the flow to idle.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenge = nil
	f.setPhaseLocked(PhaseIdle, nil)
}

// fail moves the flow to PhaseFailed and returns err.
func (f *Flow) fail(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setPhaseLocked(PhaseFailed, err)
	return err
}

// setPhaseLocked mutates the phase and emits a notification. The caller
// must hold the lock.
func (f *Flow) setPhaseLocked(phase Phase, cause error) {
	f.phase = phase

	change := PhaseChange{Phase: phase, At: time.Now()}
	if cause != nil {
		change.Reason = cause.Error()
	}
	select {
	case f.changes <- change:
	default:
		logrus.WithField("phase", phase.String()).Warn("Dropping phase change for slow consumer")
	}
}

// buildSubmission derives the password proof and seals it under the
// challenge's ephemeral public key. The returned cleanup wipes the derived
// key material.
func buildSubmission(password string, ch *Challenge) (*proofSubmission, func(), error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, nil, fmt.Errorf("challenge: generate salt: %w", err)
	}

	hash, err := crypto.HashPassword(password, salt)
	if err != nil {
		return nil, nil, fmt.Errorf("challenge: derive password hash: %w", err)
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		crypto.ZeroBytes(hash)
		return nil, nil, fmt.Errorf("challenge: generate ephemeral key: %w", err)
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		crypto.ZeroBytes(hash)
		ephemeral.Wipe()
		return nil, nil, fmt.Errorf("challenge: generate nonce: %w", err)
	}

	sealed, err := crypto.Seal(hash, nonce, ch.PublicKey, ephemeral.Private)
	if err != nil {
		crypto.ZeroBytes(hash)
		ephemeral.Wipe()
		return nil, nil, fmt.Errorf("challenge: seal password hash: %w", err)
	}

	cleanup := func() {
		crypto.ZeroBytes(hash)
		ephemeral.Wipe()
	}

	return &proofSubmission{
		ChallengeID:        ch.ID,
		EncryptedHash:      base64.StdEncoding.EncodeToString(sealed),
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephemeral.Public[:]),
		Nonce:              base64.StdEncoding.EncodeToString(nonce[:]),
		Salt:               base64.StdEncoding.EncodeToString(salt),
	}, cleanup, nil
}

// parseChallenge decodes a challenge.issued payload.
func parseChallenge(data json.RawMessage, op Operation, operationID string) (*Challenge, error) {
	_, inner := bus.UnwrapPayload(data)

	var issued challengeIssued
	if err := json.Unmarshal(inner, &issued); err != nil {
		return nil, fmt.Errorf("challenge: parse response: %w", err)
	}
	if issued.ChallengeID == "" {
		return nil, errors.New("challenge: response missing challenge_id")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(issued.PublicKey)
	if err != nil || len(keyBytes) != 32 {
		return nil, errors.New("challenge: response has invalid public key")
	}

	challenge := &Challenge{
		ID:          issued.ChallengeID,
		Operation:   op,
		OperationID: operationID,
	}
	copy(challenge.PublicKey[:], keyBytes)

	if issued.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, issued.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("challenge: invalid expiry: %w", err)
		}
		challenge.ExpiresAt = expiry
	}
	return challenge, nil
}

// parseToken decodes a token payload from a successful authorization.
func parseToken(data json.RawMessage, ch *Challenge) (*Token, error) {
	_, inner := bus.UnwrapPayload(data)

	var issued tokenIssued
	if err := json.Unmarshal(inner, &issued); err != nil {
		return nil, fmt.Errorf("challenge: parse token: %w", err)
	}
	if issued.Token == "" {
		return nil, errors.New("challenge: response missing token")
	}

	token := &Token{
		Value:       issued.Token,
		Operation:   ch.Operation,
		OperationID: ch.OperationID,
	}
	if issued.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, issued.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("challenge: invalid token expiry: %w", err)
		}
		token.ExpiresAt = expiry
	}
	return token, nil
}

// isIncorrectPassword distinguishes a wrong-password denial from a generic
// one by the vault's message text.
func isIncorrectPassword(detail string) bool {
	d := strings.ToLower(detail)
	return strings.Contains(d, "incorrect password") ||
		strings.Contains(d, "invalid password") ||
		strings.Contains(d, "wrong password")
}
