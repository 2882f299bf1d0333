package bus

import "strings"

// Subject tokens used by the vault's OwnerSpace naming scheme.
const (
	ownerSpacePrefix = "OwnerSpace"
	forVaultToken    = "forVault"
	forAppToken      = "forApp"

	// WildcardRest matches one or more remaining subject tokens.
	WildcardRest = ">"

	// WildcardToken matches exactly one subject token.
	WildcardToken = "*"
)

// ForVault builds the request subject for an operation addressed to the
// vault, e.g. ForVault("abc", "challenge.request") ->
// "OwnerSpace.abc.forVault.challenge.request".
func ForVault(ownerSpace, operation string) string {
	return ownerSpacePrefix + "." + ownerSpace + "." + forVaultToken + "." + operation
}

// ForApp builds the subject the vault uses to address this app, e.g.
// ForApp("abc", "challenge.response") ->
// "OwnerSpace.abc.forApp.challenge.response".
func ForApp(ownerSpace, action string) string {
	return ownerSpacePrefix + "." + ownerSpace + "." + forAppToken + "." + action
}

// ForAppPattern builds a wildcard subscription pattern covering every
// forApp subject under the given action, e.g. ForAppPattern("abc",
// "security") -> "OwnerSpace.abc.forApp.security.>".
func ForAppPattern(ownerSpace, action string) string {
	return ForApp(ownerSpace, action) + "." + WildcardRest
}

// Action extracts the token sequence after forApp (or forVault) from a
// subject, or "" if the subject does not follow the OwnerSpace scheme.
func Action(subject string) string {
	parts := strings.Split(subject, ".")
	for i, part := range parts {
		if part == forAppToken || part == forVaultToken {
			if i+1 < len(parts) {
				return strings.Join(parts[i+1:], ".")
			}
			return ""
		}
	}
	return ""
}

// Match reports whether a subject matches a subscription pattern. Patterns
// are dot-separated token sequences where "*" matches exactly one token and
// a trailing ">" matches one or more remaining tokens.
func Match(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == WildcardRest {
			// ">" must be the final pattern token and requires at least one
			// remaining subject token.
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != WildcardToken && tok != st[i] {
			return false
		}
	}

	return len(pt) == len(st)
}
