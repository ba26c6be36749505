// Package storage defines the persistence boundary for competition
// state. Implementations provide per-guild durability with the smallest
// possible write per field group; cross-group transactionality is not
// part of the contract, and callers tolerate interleavings through
// token-gated updates instead of locks.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
	// ErrTokenConflict indicates a guarded cycle update lost to a
	// concurrent transition; the caller re-reads and re-evaluates.
	ErrTokenConflict = errors.New("cycle token conflict")
)

// SettingsStore persists per-guild configuration.
type SettingsStore interface {
	GetSettings(ctx context.Context, guildID string) (domain.Settings, error)
	PutSettings(ctx context.Context, settings domain.Settings) error
}

// CycleStore persists competition cycles. One cycle per guild is active
// at a time; roll-over archives the old cycle rather than deleting it.
type CycleStore interface {
	GetActiveCycle(ctx context.Context, guildID string) (domain.Cycle, error)
	// PutCycle upserts the active cycle without a token guard. It is
	// the operator-command path; scheduled transitions use
	// UpdateCycleGuarded.
	PutCycle(ctx context.Context, cycle domain.Cycle) error
	// UpdateCycleGuarded applies a cycle update only while the stored
	// token still matches expectToken, returning ErrTokenConflict when
	// another transition got there first.
	UpdateCycleGuarded(ctx context.Context, cycle domain.Cycle, expectToken string) error
	// ReplaceActiveCycle archives the guild's active cycle and installs
	// a fresh one in its place.
	ReplaceActiveCycle(ctx context.Context, cycle domain.Cycle) error
	ListArchivedCycles(ctx context.Context, guildID string, limit int) ([]domain.Cycle, error)
}

// TeamStore persists cycle team submissions.
type TeamStore interface {
	PutTeam(ctx context.Context, team domain.Team) error
	RemoveTeam(ctx context.Context, guildID, cycleKey, name string) error
	ClearTeams(ctx context.Context, guildID, cycleKey string) error
	ListTeams(ctx context.Context, guildID, cycleKey string) ([]domain.Team, error)
	CountTeams(ctx context.Context, guildID, cycleKey string) (int, error)
}

// BallotStore persists cycle votes. A voter holds one ballot per cycle.
type BallotStore interface {
	PutBallot(ctx context.Context, ballot domain.Ballot) error
	RemoveBallot(ctx context.Context, guildID, cycleKey, voterID string) error
	ClearBallots(ctx context.Context, guildID, cycleKey string) error
	ListBallots(ctx context.Context, guildID, cycleKey string) ([]domain.Ballot, error)
	// TallyBallots counts cast ballots by team. Teams without ballots
	// are absent; callers fold the team list in when zero counts
	// matter.
	TallyBallots(ctx context.Context, guildID, cycleKey string) (domain.Tally, error)
}

// FaceOffStore persists tie-break state and its secondary ballots. It
// satisfies the domain controller's store contract.
type FaceOffStore interface {
	GetFaceOff(ctx context.Context, guildID string) (domain.FaceOff, error)
	PutFaceOff(ctx context.Context, faceOff domain.FaceOff) error
	PutFaceOffBallot(ctx context.Context, guildID, voterID, team string, castAt time.Time) error
	FaceOffTally(ctx context.Context, guildID string) (domain.Tally, error)
	ClearFaceOffBallots(ctx context.Context, guildID string) error
}

// ActionStore persists the shared operator command queue and its
// results.
type ActionStore interface {
	EnqueueAction(ctx context.Context, action domain.Action) error
	// ClaimPendingActions atomically moves up to limit commands from
	// pending to processing and returns them oldest first. Claims
	// stranded by a crashed pass are reclaimed once stale.
	ClaimPendingActions(ctx context.Context, guildID string, limit int, now time.Time) ([]domain.Action, error)
	// CompleteAction finalizes a claimed command and records its result.
	CompleteAction(ctx context.Context, result domain.Result) error
	ListResults(ctx context.Context, guildID string, limit int) ([]domain.Result, error)
}

// SnapshotStore persists the latest outward status view per guild.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, guildID string, snapshot domain.Snapshot) error
	GetSnapshot(ctx context.Context, guildID string) (domain.Snapshot, error)
}

// ConfirmationStore persists transitions held for operator sign-off.
// The decision field is written out-of-band by the notification
// channel.
type ConfirmationStore interface {
	GetConfirmation(ctx context.Context, guildID string) (domain.Confirmation, error)
	PutConfirmation(ctx context.Context, confirmation domain.Confirmation) error
	ClearConfirmation(ctx context.Context, guildID string) error
}

// AuditStore appends state-change events for later inspection.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, guildID string, limit int) ([]domain.AuditEvent, error)
}

// BackupStore keeps encoded backup documents where the operator surface
// and offline tooling can fetch them. Only the latest document per
// guild is retained.
type BackupStore interface {
	PutBackupDocument(ctx context.Context, guildID string, document []byte, createdAt time.Time) error
	GetBackupDocument(ctx context.Context, guildID string) ([]byte, time.Time, error)
}

// Store is the full persistence surface the orchestrator loops run on.
type Store interface {
	SettingsStore
	CycleStore
	TeamStore
	BallotStore
	FaceOffStore
	ActionStore
	SnapshotStore
	ConfirmationStore
	AuditStore
	BackupStore
}
