package transfer

import "time"

// Phase is the transfer state machine's phase, shared by both roles.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRequesting
	PhaseWaitingForApproval
	PhasePendingApproval
	PhaseApproved
	PhaseDenied
	PhaseExpired
	PhaseCompleted
	PhaseError
)

// String returns the human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequesting:
		return "requesting"
	case PhaseWaitingForApproval:
		return "waitingForApproval"
	case PhasePendingApproval:
		return "pendingApproval"
	case PhaseApproved:
		return "approved"
	case PhaseDenied:
		return "denied"
	case PhaseExpired:
		return "expired"
	case PhaseCompleted:
		return "completed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the transfer state together with its variant data: the tracked
// transfer id, the absolute expiry while a window is open, the inbound
// request while approval is pending, and the failure reason in PhaseError.
type State struct {
	Phase      Phase
	TransferID string
	ExpiresAt  time.Time
	Request    *Request
	Reason     string
}

// EventKind classifies protocol events.
type EventKind uint8

const (
	// EventState reports a state transition.
	EventState EventKind = iota
	// EventTick reports the countdown's remaining time, once per second.
	EventTick
	// EventWarning fires once when the remaining time first drops below
	// the warning threshold.
	EventWarning
)

// Event is a single observable protocol event.
type Event struct {
	Kind      EventKind
	State     State
	Remaining time.Duration
	At        time.Time
}
