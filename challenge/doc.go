// Package challenge implements the single-use challenge protocol that
// gates sensitive vault operations.
//
// Flow: request a challenge scoped to one operation, collect the user's
// password, derive a memory-hard proof, encrypt it under the challenge's
// ephemeral public key, submit it, and hand the resulting short-lived
// authorization token to the caller's action.
//
// The stored challenge is consumable exactly once. It is cleared the
// instant the submission resolves, before the authorized action runs, so a
// crash mid-action can never redeem the same challenge twice from this
// client's perspective. A wrong password also consumes the challenge; the
// caller must request a fresh one.
package challenge
