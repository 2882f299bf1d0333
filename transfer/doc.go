// Package transfer coordinates moving a credential from an old device to a
// new one through the vault's message bus.
//
// Both roles share one state machine. The new device publishes an
// initiation request carrying a fresh ephemeral public key and waits for
// approval under a 15-minute window. The old device surfaces the inbound
// request for approval; Approve requires a fresh successful biometric (or
// passcode-fallback) check before anything is published, and seals the
// credential to the new device's key with a Noise-IK handshake. Deny needs
// no authentication.
//
// A one-second countdown recomputes the remaining time from the absolute
// expiry on every tick, so a suspended app cannot drift the window.
// Reaching zero forces a single transition to the expired state and clears
// the in-flight transfer id; peer events for a stale or unknown id are
// dropped, which defends against duplicate and out-of-order delivery.
package transfer
