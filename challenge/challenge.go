package challenge

import "time"

// Challenge is a server-issued, single-use authorization challenge bound to
// one operation. PublicKey is the vault's ephemeral key for encrypting the
// password proof.
type Challenge struct {
	ID          string
	Operation   Operation
	OperationID string
	PublicKey   [32]byte
	ExpiresAt   time.Time
}

// IsExpired reports whether the challenge has an expiry and it has passed.
func (c *Challenge) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Token is a short-lived authorization token redeemed by a successful
// challenge submission. Tokens are held transiently by the caller and never
// persisted.
type Token struct {
	Value       string
	Operation   Operation
	OperationID string
	ExpiresAt   time.Time
}

// IsExpired reports whether the token has an expiry and it has passed.
func (t Token) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
