package challenge

// Operation names a vault operation that requires challenge authorization.
// The set is closed: the vault refuses challenges for anything else, so
// adding an operation is a coordinated change, not a dynamic one.
type Operation string

const (
	OpDeleteCredential Operation = "delete-credential"
	OpExportCredential Operation = "export-credential"
	OpRotateKeys       Operation = "rotate-keys"
	OpDeleteSecret     Operation = "delete-secret"
	OpExportSecret     Operation = "export-secret"
	OpRevokeConnection Operation = "revoke-connection"
	OpTerminateVault   Operation = "terminate-vault"
	OpChangePassword   Operation = "change-password"
	OpDeleteProfile    Operation = "delete-profile"
)

// operations is the closed authorizable set.
var operations = map[Operation]struct{}{
	OpDeleteCredential: {},
	OpExportCredential: {},
	OpRotateKeys:       {},
	OpDeleteSecret:     {},
	OpExportSecret:     {},
	OpRevokeConnection: {},
	OpTerminateVault:   {},
	OpChangePassword:   {},
	OpDeleteProfile:    {},
}

// Valid reports whether op belongs to the authorizable set.
func (op Operation) Valid() bool {
	_, ok := operations[op]
	return ok
}

// String returns the wire name of the operation.
func (op Operation) String() string { return string(op) }
