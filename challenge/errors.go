package challenge

import (
	"errors"
	"fmt"
)

var (
	// ErrChallengeMissing is returned by Authorize when no challenge is
	// stored, including after a previous submission consumed it.
	ErrChallengeMissing = errors.New("challenge: no challenge")

	// ErrChallengeExpired is returned when the stored challenge's expiry
	// has passed. The attempt is terminal; request a new challenge.
	ErrChallengeExpired = errors.New("challenge: challenge expired")

	// ErrIncorrectPassword is returned when the vault rejects the password
	// proof specifically for a wrong password, so the UI can prompt for
	// re-entry. The challenge is consumed regardless.
	ErrIncorrectPassword = errors.New("challenge: incorrect password")

	// ErrInProgress is returned when an operation is started while another
	// is still in flight.
	ErrInProgress = errors.New("challenge: operation in progress")

	// ErrInvalidOperation is returned for operations outside the closed
	// authorizable set.
	ErrInvalidOperation = errors.New("challenge: operation not authorizable")
)

// DeniedError reports a generic authorization denial from the vault.
type DeniedError struct {
	Detail string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("challenge: authorization denied: %s", e.Detail)
}
