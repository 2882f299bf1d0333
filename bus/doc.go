// Package bus defines the message-bus capability consumed by the vaultlink
// core, together with the subject naming scheme and JSON envelopes shared
// with the vault.
//
// The core never owns a socket. It is handed a Bus implementation that
// provides connect/disconnect, fire-and-forget publish, and topic
// subscription with wildcard support. Everything above this package
// (connection supervision, request/response correlation, authorization
// flows) is built on these four primitives:
//
//	type Bus interface {
//	    Connect(ctx context.Context) error
//	    Disconnect() error
//	    Publish(topic string, payload []byte) error
//	    Subscribe(topic string) (Subscription, error)
//	}
//
// Subjects follow the vault's OwnerSpace scheme. Requests from the app are
// published to OwnerSpace.<space>.forVault.<operation>; the vault answers
// and emits events on OwnerSpace.<space>.forApp.<action>... topics, which
// the app consumes through wildcard subscriptions (the ">" token matches
// any remaining subject tokens).
//
// MemoryBus is an in-process loopback implementation used by tests and by
// two-client scenarios such as device transfer rehearsals.
package bus
