package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionKind names one administrative command accepted from the
// operator surface. Kinds are a closed set; anything else is terminal
// ActionKindUnknown, never a silent fallthrough.
type ActionKind string

const (
	// ActionSetPhase forces the active cycle into a given phase.
	ActionSetPhase ActionKind = "set_phase"
	// ActionSetTheme sets the active cycle's theme.
	ActionSetTheme ActionKind = "set_theme"
	// ActionCancelWeek calls the current week off.
	ActionCancelWeek ActionKind = "cancel_week"
	// ActionEnableAutomation turns scheduled transitions on.
	ActionEnableAutomation ActionKind = "enable_automation"
	// ActionDisableAutomation turns scheduled transitions off.
	ActionDisableAutomation ActionKind = "disable_automation"
	// ActionToggleAutomation flips the automation switch.
	ActionToggleAutomation ActionKind = "toggle_automation"
	// ActionStartNewWeek rolls over into a fresh cycle immediately.
	ActionStartNewWeek ActionKind = "start_new_week"
	// ActionClearSubmissions removes every team in the active cycle.
	ActionClearSubmissions ActionKind = "clear_submissions"
	// ActionRemoveSubmission removes one named team.
	ActionRemoveSubmission ActionKind = "remove_submission"
	// ActionRemoveVote removes one voter's ballot.
	ActionRemoveVote ActionKind = "remove_vote"
	// ActionResetWeek clears teams, ballots, and cycle progress.
	ActionResetWeek ActionKind = "reset_week"
	// ActionForceVoting opens voting regardless of the calendar.
	ActionForceVoting ActionKind = "force_voting"
	// ActionAnnounceWinners tallies and publishes the outcome now.
	ActionAnnounceWinners ActionKind = "announce_winners"
	// ActionBulkConfigUpdate applies several settings at once.
	ActionBulkConfigUpdate ActionKind = "bulk_config_update"
	// ActionExportBackup serializes the guild's competition state.
	ActionExportBackup ActionKind = "export_backup"
	// ActionRestoreBackup replaces guild state from a backup payload.
	ActionRestoreBackup ActionKind = "restore_backup"
	// ActionSetSafeMode flips the destructive-command guard.
	ActionSetSafeMode ActionKind = "set_safe_mode"

	// ActionKindUnknown is the terminal classification for any kind
	// outside the supported set.
	ActionKindUnknown ActionKind = "unknown"
)

// Known reports whether the kind is one of the supported commands.
func (k ActionKind) Known() bool {
	switch k {
	case ActionSetPhase, ActionSetTheme, ActionCancelWeek,
		ActionEnableAutomation, ActionDisableAutomation, ActionToggleAutomation,
		ActionStartNewWeek, ActionClearSubmissions, ActionRemoveSubmission,
		ActionRemoveVote, ActionResetWeek, ActionForceVoting,
		ActionAnnounceWinners, ActionBulkConfigUpdate, ActionExportBackup,
		ActionRestoreBackup, ActionSetSafeMode:
		return true
	}
	return false
}

// Destructive reports whether safe mode blocks this kind. Destructive
// commands discard member-submitted state or overwrite it wholesale.
func (k ActionKind) Destructive() bool {
	switch k {
	case ActionClearSubmissions, ActionRemoveSubmission, ActionRemoveVote,
		ActionResetWeek, ActionRestoreBackup:
		return true
	}
	return false
}

// ActionStatus tracks one queued command through its lifecycle.
type ActionStatus string

const (
	// ActionStatusPending means the command awaits a consumer.
	ActionStatusPending ActionStatus = "pending"
	// ActionStatusProcessing means a consumer claimed the command.
	// Claims left behind by a crashed pass become reclaimable.
	ActionStatusProcessing ActionStatus = "processing"
	// ActionStatusCompleted means the command mutated state.
	ActionStatusCompleted ActionStatus = "completed"
	// ActionStatusFailed means the command was refused or errored.
	ActionStatusFailed ActionStatus = "failed"
)

// Action is one administrative command from the operator surface.
type Action struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
	GuildID    string          `json:"-"`
	Status     ActionStatus    `json:"-"`
	EnqueuedAt time.Time       `json:"-"`
}

// ResultStatus is the terminal outcome reported for one command.
type ResultStatus string

const (
	// ResultCompleted reports a successfully applied command.
	ResultCompleted ResultStatus = "completed"
	// ResultFailed reports a refused or errored command.
	ResultFailed ResultStatus = "failed"
)

// Result is the outcome record written back to the operator surface.
type Result struct {
	ID          string       `json:"id"`
	Status      ResultStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	ProcessedAt time.Time    `json:"processed_at"`
	GuildID     string       `json:"-"`
}

// ParseAction decodes one wire command. A missing id or action field is
// a local classification error, never a reason to stop the consumer.
func ParseAction(raw []byte) (Action, error) {
	var action Action
	if err := json.Unmarshal(raw, &action); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	action.ID = strings.TrimSpace(action.ID)
	if action.ID == "" {
		return Action{}, fmt.Errorf("action id is required")
	}
	if strings.TrimSpace(string(action.Kind)) == "" {
		return Action{}, fmt.Errorf("action kind is required")
	}
	return action, nil
}

// SetPhaseParams carries the target phase for set_phase.
type SetPhaseParams struct {
	Phase Phase `json:"phase"`
}

// SetThemeParams carries the theme for set_theme.
type SetThemeParams struct {
	Theme string `json:"theme"`
}

// StartNewWeekParams carries the opening theme for start_new_week.
type StartNewWeekParams struct {
	Theme string `json:"theme"`
}

// RemoveSubmissionParams names the team for remove_submission.
type RemoveSubmissionParams struct {
	Team string `json:"team"`
}

// RemoveVoteParams identifies the ballot for remove_vote.
type RemoveVoteParams struct {
	Week string `json:"week"`
	User string `json:"user"`
}

// SetSafeModeParams carries the switch value for set_safe_mode.
type SetSafeModeParams struct {
	Enabled bool `json:"enabled"`
}

// RestoreBackupParams wraps the backup document for restore_backup.
type RestoreBackupParams struct {
	Payload json.RawMessage `json:"payload"`
}

// BulkConfigKeys is the allow-list for bulk_config_update. Keys outside
// this set fail the whole command with no partial application.
var BulkConfigKeys = map[string]bool{
	"biweekly_mode":                true,
	"min_teams_required":           true,
	"safe_mode_enabled":            true,
	"confirmation_required":        true,
	"confirmation_timeout_seconds": true,
	"automation_enabled":           true,
	"next_theme":                   true,
}
