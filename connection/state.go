package connection

import "time"

// Status represents the state of a logical peer connection. A record holds
// exactly one status at a time.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange is a single observable transition of a peer connection.
// Reason is set when Status is StatusError.
type StateChange struct {
	PeerID string
	Status Status
	Reason string
	At     time.Time
}
