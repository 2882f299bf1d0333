package challenge

import "time"

// Phase is the authorization flow's state. Failed is reachable from every
// non-terminal phase; Completed and Failed both require a new
// RequestChallenge (or Reset) before the flow accepts more work.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRequestingChallenge
	PhaseAwaitingPassword
	PhaseAuthorizing
	PhaseExecuting
	PhaseCompleted
	PhaseFailed
)

// String returns the human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequestingChallenge:
		return "requestingChallenge"
	case PhaseAwaitingPassword:
		return "awaitingPassword"
	case PhaseAuthorizing:
		return "authorizing"
	case PhaseExecuting:
		return "executing"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PhaseChange is a single observable transition of the flow. Reason is set
// when Phase is PhaseFailed.
type PhaseChange struct {
	Phase  Phase
	Reason string
	At     time.Time
}
