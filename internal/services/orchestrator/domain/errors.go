package domain

import "errors"

var (
	// ErrStoreNotConfigured indicates a service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("competition store is not configured")
	// ErrGuildIDRequired indicates a guild identifier is required.
	ErrGuildIDRequired = errors.New("guild id is required")
	// ErrFaceOffTeamsRequired indicates a tie-break needs at least two teams.
	ErrFaceOffTeamsRequired = errors.New("face-off requires at least two teams")
)
