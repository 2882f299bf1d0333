package vaultlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vettid/vaultlink/bus"
	"github.com/vettid/vaultlink/challenge"
	"github.com/vettid/vaultlink/connection"
	"github.com/vettid/vaultlink/rpc"
	"github.com/vettid/vaultlink/storage"
	"github.com/vettid/vaultlink/transfer"
)

// DefaultVaultPeerID names the logical connection to the owner's vault.
const DefaultVaultPeerID = "vault"

// Options contains configuration options for creating a Client.
type Options struct {
	// OwnerSpace is the vault's owner space GUID. Required.
	OwnerSpace string

	// DeviceID identifies this device. Required.
	DeviceID string

	// DeviceName and Platform describe this device in transfer requests.
	DeviceName string
	Platform   string

	// Dialer establishes per-peer bus connections. Required.
	Dialer connection.Dialer

	// Store holds connection credential material. Defaults to an
	// in-memory store; UI layers backed by a platform keychain supply
	// their own.
	Store storage.CredentialStore

	// Authenticator gates transfer approval with a fresh biometric or
	// passcode check.
	Authenticator transfer.Authenticator

	// Source and Sink move credential material during device transfer.
	Source transfer.CredentialSource
	Sink   transfer.CredentialSink

	// VaultPeerID names the vault's logical connection. Defaults to
	// DefaultVaultPeerID.
	VaultPeerID string

	// CallTimeout overrides the default 30s correlated-call timeout.
	CallTimeout time.Duration

	// ReconnectSchedule overrides the default fixed backoff table.
	ReconnectSchedule []time.Duration

	// TransferWindow overrides the default 15m transfer approval window.
	TransferWindow time.Duration
}

// NewOptions creates an Options with defaults.
func NewOptions() *Options {
	return &Options{VaultPeerID: DefaultVaultPeerID}
}

// SecurityEvent is a vault security notification received on the
// forApp.security.> fan-in.
type SecurityEvent struct {
	Type    string
	Topic   string
	Payload json.RawMessage
	At      time.Time
}

// Client ties the connection supervisor, the request/response correlator,
// and the authorization flows together over one injected bus capability.
type Client struct {
	opts       Options
	supervisor *connection.Supervisor
	correlator *rpc.Correlator
	auth       *challenge.Flow
	transfer   *transfer.Protocol

	securitySub    bus.Subscription
	securityEvents chan SecurityEvent
}

// New creates a Client from options. The client starts disconnected.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		return nil, errors.New("vaultlink: nil options")
	}
	if opts.OwnerSpace == "" {
		return nil, errors.New("vaultlink: OwnerSpace is required")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("vaultlink: DeviceID is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("vaultlink: Dialer is required")
	}
	if opts.VaultPeerID == "" {
		opts.VaultPeerID = DefaultVaultPeerID
	}

	supervisor, err := connection.NewSupervisor(connection.Config{
		Dialer:            opts.Dialer,
		Store:             opts.Store,
		ReconnectSchedule: opts.ReconnectSchedule,
	})
	if err != nil {
		return nil, err
	}

	vaultBus := func() (bus.Bus, error) {
		return supervisor.Bus(opts.VaultPeerID)
	}

	correlator := rpc.NewCorrelator(vaultBus)

	auth, err := challenge.NewFlow(challenge.Config{
		OwnerSpace: opts.OwnerSpace,
		DeviceID:   opts.DeviceID,
		Correlator: correlator,
		Timeout:    opts.CallTimeout,
	})
	if err != nil {
		supervisor.Close()
		return nil, err
	}

	proto, err := transfer.NewProtocol(transfer.Config{
		OwnerSpace:    opts.OwnerSpace,
		DeviceID:      opts.DeviceID,
		DeviceName:    opts.DeviceName,
		Platform:      opts.Platform,
		Bus:           transfer.BusProvider(vaultBus),
		Authenticator: opts.Authenticator,
		Source:        opts.Source,
		Sink:          opts.Sink,
		Window:        opts.TransferWindow,
	})
	if err != nil {
		supervisor.Close()
		return nil, err
	}

	return &Client{
		opts:           *opts,
		supervisor:     supervisor,
		correlator:     correlator,
		auth:           auth,
		transfer:       proto,
		securityEvents: make(chan SecurityEvent, 32),
	}, nil
}

// Connect establishes the logical connection to the owner's vault and
// starts the transfer listener and security-event fan-in over it.
func (c *Client) Connect(ctx context.Context, credential []byte) error {
	if err := c.supervisor.Connect(ctx, c.opts.VaultPeerID, credential); err != nil {
		return err
	}
	if err := c.transfer.Start(ctx); err != nil {
		return err
	}
	return c.watchSecurityEvents()
}

// Disconnect tears down the vault connection and destroys its credential
// material.
func (c *Client) Disconnect() error {
	c.stopSecurityWatch()
	return c.supervisor.Disconnect(c.opts.VaultPeerID)
}

// ConnectPeer establishes an additional named logical connection, e.g. a
// peer vault's message space.
func (c *Client) ConnectPeer(ctx context.Context, peerID string, credential []byte) error {
	return c.supervisor.Connect(ctx, peerID, credential)
}

// DisconnectPeer tears down an additional logical connection.
func (c *Client) DisconnectPeer(peerID string) error {
	return c.supervisor.Disconnect(peerID)
}

// Status reports the vault connection's state.
func (c *Client) Status() connection.Status {
	return c.supervisor.Status(c.opts.VaultPeerID)
}

// PeerStatus reports a named connection's state.
func (c *Client) PeerStatus(peerID string) connection.Status {
	return c.supervisor.Status(peerID)
}

// StateChanges returns the supervisor's state-change notification channel.
func (c *Client) StateChanges() <-chan connection.StateChange {
	return c.supervisor.StateChanges()
}

// Authorization returns the challenge authorization flow.
func (c *Client) Authorization() *challenge.Flow {
	return c.auth
}

// Transfer returns the device transfer protocol.
func (c *Client) Transfer() *transfer.Protocol {
	return c.transfer
}

// Call performs a correlated request/response call against the vault. The
// operation is a forVault operation path such as "connection.list"; the
// response is awaited on the operation's forApp wildcard.
func (c *Client) Call(ctx context.Context, operation string, payload any) (*bus.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vaultlink: marshal %s payload: %w", operation, err)
	}

	action := operation
	if i := strings.IndexByte(operation, '.'); i > 0 {
		action = operation[:i]
	}

	return c.correlator.Call(ctx, rpc.Request{
		Topic:         bus.ForVault(c.opts.OwnerSpace, operation),
		ResponseTopic: bus.ForAppPattern(c.opts.OwnerSpace, action),
		Type:          operation,
		Payload:       data,
		Timeout:       c.opts.CallTimeout,
	})
}

// SecurityEvents returns the security-event channel fed by the
// forApp.security.> wildcard subscription.
func (c *Client) SecurityEvents() <-chan SecurityEvent {
	return c.securityEvents
}

// Close tears down every connection and stops all background work.
func (c *Client) Close() error {
	c.stopSecurityWatch()
	if err := c.transfer.Close(); err != nil {
		logrus.WithError(err).Warn("Transfer teardown failed")
	}
	return c.supervisor.Close()
}

func (c *Client) watchSecurityEvents() error {
	conn, err := c.supervisor.Bus(c.opts.VaultPeerID)
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(bus.ForAppPattern(c.opts.OwnerSpace, "security"))
	if err != nil {
		return fmt.Errorf("vaultlink: subscribe security events: %w", err)
	}
	c.securitySub = sub

	go func() {
		for msg := range sub.Messages() {
			typ, inner := bus.UnwrapPayload(msg.Payload)
			if typ == "" {
				typ = bus.Action(msg.Topic)
			}
			event := SecurityEvent{Type: typ, Topic: msg.Topic, Payload: inner, At: msg.Timestamp}
			select {
			case c.securityEvents <- event:
			default:
				logrus.WithField("type", typ).Warn("Dropping security event for slow consumer")
			}
		}
	}()
	return nil
}

func (c *Client) stopSecurityWatch() {
	if c.securitySub != nil {
		c.securitySub.Unsubscribe()
		c.securitySub = nil
	}
}
