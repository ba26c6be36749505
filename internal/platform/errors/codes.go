// Package errors provides structured error handling for competition state.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Cycle errors
	CodeCycleNotFound        Code = "CYCLE_NOT_FOUND"
	CodeCycleKeyMismatch     Code = "CYCLE_KEY_MISMATCH"
	CodePhaseInvalid         Code = "PHASE_INVALID"
	CodePhaseDisallowsOp     Code = "PHASE_DISALLOWS_OPERATION"
	CodeTransitionSuperseded Code = "TRANSITION_SUPERSEDED"

	// Action errors
	CodeActionUnknown       Code = "ACTION_UNKNOWN"
	CodeActionParamsInvalid Code = "ACTION_PARAMS_INVALID"
	CodeSafeModeBlocked     Code = "SAFE_MODE_BLOCKED"

	// Face-off errors
	CodeFaceOffInactive      Code = "FACE_OFF_INACTIVE"
	CodeFaceOffTeamsRequired Code = "FACE_OFF_TEAMS_REQUIRED"

	// Backup errors
	CodeBackupVersionUnsupported Code = "BACKUP_VERSION_UNSUPPORTED"
	CodeBackupGuildMismatch      Code = "BACKUP_GUILD_MISMATCH"

	// Tenant registry errors
	CodeTenantUnknown       Code = "TENANT_UNKNOWN"
	CodeTenantConfigInvalid Code = "TENANT_CONFIG_INVALID"

	// Transport errors
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodeTransportAuthInvalid Code = "TRANSPORT_AUTH_INVALID"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
)

// Category groups codes by how callers should treat the failure.
type Category string

const (
	// CategoryInvalid marks validation failures and bad input.
	CategoryInvalid Category = "invalid"
	// CategoryBlocked marks operations refused by current state or policy.
	CategoryBlocked Category = "blocked"
	// CategoryNotFound marks missing resources.
	CategoryNotFound Category = "not_found"
	// CategoryConflict marks writes that lost to concurrent state changes.
	CategoryConflict Category = "conflict"
	// CategoryInternal marks unexpected failures.
	CategoryInternal Category = "internal"
)

// Category maps domain codes to failure categories.
func (c Code) Category() Category {
	switch c {
	case CodePhaseInvalid,
		CodeActionUnknown,
		CodeActionParamsInvalid,
		CodeFaceOffTeamsRequired,
		CodeBackupVersionUnsupported,
		CodeBackupGuildMismatch,
		CodeTenantConfigInvalid,
		CodeTransportAuthInvalid:
		return CategoryInvalid

	case CodeSafeModeBlocked,
		CodePhaseDisallowsOp,
		CodeFaceOffInactive:
		return CategoryBlocked

	case CodeNotFound,
		CodeCycleNotFound,
		CodeTenantUnknown:
		return CategoryNotFound

	case CodeConflict,
		CodeCycleKeyMismatch,
		CodeTransitionSuperseded:
		return CategoryConflict

	default:
		return CategoryInternal
	}
}
