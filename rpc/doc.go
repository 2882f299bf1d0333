// Package rpc layers correlated request/response calls over the
// fire-and-forget message bus.
//
// A call publishes a request envelope carrying a correlation id, then races
// the response subscription against a timeout: whichever finishes first
// wins and the loser is cancelled. The response subscription is opened
// before the request is published, so a fast responder cannot slip a reply
// past the caller, and it is released on every exit path. Only the first
// response matching the correlation id is honored; duplicates and strays
// are ignored.
//
// The correlator never retries. Timeouts (ErrTimeout) and transport
// failures (TransportError, bus.ErrNotConnected) are distinct error kinds
// because callers react differently: a timed-out challenge request is safe
// to reissue, a disconnected bus is not until the supervisor has
// reconnected.
package rpc
