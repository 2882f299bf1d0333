package transfer

import "time"

// Wire operation names, relative to the OwnerSpace prefixes. Requests go
// out on forVault subjects; peer events arrive on the forApp.transfer.>
// wildcard.
const (
	requestOp  = "transfer.request"
	approveOp  = "transfer.approve"
	denyOp     = "transfer.deny"
	cancelOp   = "transfer.cancel"
	completeOp = "transfer.complete"

	inboundAction = "transfer"

	// Inbound envelope types.
	typeRequest   = "transfer.request"
	typeApproved  = "transfer.approved"
	typeDenied    = "transfer.denied"
	typeCompleted = "transfer.completed"
	typeExpired   = "transfer.expired"
)

// Request is the initiation payload a new device publishes and an old
// device receives. PublicKey carries the new device's ephemeral key,
// base64-encoded, for the Noise-IK credential seal.
type Request struct {
	TransferID  string    `json:"transfer_id"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name"`
	Platform    string    `json:"platform,omitempty"`
	PublicKey   string    `json:"public_key"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// approval is the payload published on approve. Handshake carries the
// Noise-IK message that seals the credential to the requesting device.
type approval struct {
	TransferID string `json:"transfer_id"`
	Handshake  string `json:"handshake"`
}

// verdict is the payload for deny, cancel, and complete messages, and the
// body of inbound denied/completed/expired events.
type verdict struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}
