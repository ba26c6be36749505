package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/evanmarey/bandstand/internal/platform/errors"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/tenants"
)

// handlerFunc applies one command kind. Settings arrive loaded and
// normalized; the safe-mode guard has already run.
type handlerFunc func(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, settings domain.Settings, now time.Time) error

var handlers = map[domain.ActionKind]handlerFunc{
	domain.ActionSetPhase:          handleSetPhase,
	domain.ActionSetTheme:          handleSetTheme,
	domain.ActionCancelWeek:        handleCancelWeek,
	domain.ActionEnableAutomation:  handleEnableAutomation,
	domain.ActionDisableAutomation: handleDisableAutomation,
	domain.ActionToggleAutomation:  handleToggleAutomation,
	domain.ActionStartNewWeek:      handleStartNewWeek,
	domain.ActionClearSubmissions:  handleClearSubmissions,
	domain.ActionRemoveSubmission:  handleRemoveSubmission,
	domain.ActionRemoveVote:        handleRemoveVote,
	domain.ActionResetWeek:         handleResetWeek,
	domain.ActionForceVoting:       handleForceVoting,
	domain.ActionAnnounceWinners:   handleAnnounceWinners,
	domain.ActionBulkConfigUpdate:  handleBulkConfigUpdate,
	domain.ActionExportBackup:      handleExportBackup,
	domain.ActionRestoreBackup:     handleRestoreBackup,
	domain.ActionSetSafeMode:       handleSetSafeMode,
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return apperrors.New(apperrors.CodeActionParamsInvalid, "action params are required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apperrors.Wrap(apperrors.CodeActionParamsInvalid, "decode action params", err)
	}
	return nil
}

// requireActiveCycle loads the guild's active cycle, mapping its absence
// to a terminal command failure.
func requireActiveCycle(ctx context.Context, c *Consumer, guildID string) (domain.Cycle, error) {
	cycle, err := c.store.GetActiveCycle(ctx, guildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Cycle{}, apperrors.New(apperrors.CodeCycleNotFound, "no active cycle")
		}
		return domain.Cycle{}, fmt.Errorf("load active cycle: %w", err)
	}
	return cycle, nil
}

func handleSetPhase(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, _ domain.Settings, now time.Time) error {
	var params domain.SetPhaseParams
	if err := decodeParams(action.Params, &params); err != nil {
		return err
	}
	if !params.Phase.Valid() {
		return apperrors.New(apperrors.CodePhaseInvalid, fmt.Sprintf("phase %q is not valid", params.Phase))
	}
	cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
	if err != nil {
		return err
	}
	cycle.Phase = params.Phase
	cycle.UpdatedAt = now
	return c.store.PutCycle(ctx, cycle)
}

func handleSetTheme(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, _ domain.Settings, now time.Time) error {
	var params domain.SetThemeParams
	if err := decodeParams(action.Params, &params); err != nil {
		return err
	}
	theme := strings.TrimSpace(params.Theme)
	if theme == "" {
		return apperrors.New(apperrors.CodeActionParamsInvalid, "theme is required")
	}
	cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
	if err != nil {
		return err
	}
	cycle.Theme = theme
	cycle.UpdatedAt = now
	return c.store.PutCycle(ctx, cycle)
}

func handleCancelWeek(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, _ domain.Settings, now time.Time) error {
	cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
	if err != nil {
		return err
	}
	cycle.Phase = domain.PhaseCancelled
	cycle.WeekCancelled = true
	cycle.UpdatedAt = now
	if err := c.store.PutCycle(ctx, cycle); err != nil {
		return err
	}
	// An operator cancellation settles any pending low-turnout ask.
	if err := c.store.ClearConfirmation(ctx, tenant.GuildID); err != nil {
		c.logf("consumer: guild %s: clear confirmation: %v", tenant.GuildID, err)
	}
	c.announce(ctx, tenant.GuildID, domain.AnnouncementWeekCancelled, "This week's competition is cancelled.")
	return nil
}

func handleEnableAutomation(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, settings domain.Settings, now time.Time) error {
	settings.AutomationEnabled = true
	settings.UpdatedAt = now
	return c.store.PutSettings(ctx, settings)
}

func handleDisableAutomation(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, settings domain.Settings, now time.Time) error {
	settings.AutomationEnabled = false
	settings.UpdatedAt = now
	return c.store.PutSettings(ctx, settings)
}

func handleToggleAutomation(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, settings domain.Settings, now time.Time) error {
	settings.AutomationEnabled = !settings.AutomationEnabled
	settings.UpdatedAt = now
	return c.store.PutSettings(ctx, settings)
}

func handleStartNewWeek(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, settings domain.Settings, now time.Time) error {
	var params domain.StartNewWeekParams
	if len(action.Params) > 0 {
		if err := decodeParams(action.Params, &params); err != nil {
			return err
		}
	}

	theme := strings.TrimSpace(params.Theme)
	consumedQueued := false
	if theme == "" && strings.TrimSpace(settings.NextTheme) != "" {
		theme = strings.TrimSpace(settings.NextTheme)
		consumedQueued = true
	}

	key := domain.CycleKeyAt(now)
	cycle := domain.Cycle{
		GuildID:   tenant.GuildID,
		Key:       key,
		Theme:     theme,
		Phase:     domain.PhaseSubmission,
		LastToken: domain.TransitionToken(domain.IntentStartSubmission, key),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.ReplaceActiveCycle(ctx, cycle); err != nil {
		return err
	}
	if consumedQueued {
		settings.NextTheme = ""
		settings.UpdatedAt = now
		if err := c.store.PutSettings(ctx, settings); err != nil {
			return fmt.Errorf("consume queued theme: %w", err)
		}
	}

	text := "A new week is open. Submit your entries."
	if theme != "" {
		text = fmt.Sprintf("A new week is open. This week's theme: %q. Submit your entries.", theme)
	}
	c.announce(ctx, tenant.GuildID, domain.AnnouncementSubmissionOpen, text)
	return nil
}

func handleClearSubmissions(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, _ domain.Settings, _ time.Time) error {
	cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
	if err != nil {
		return err
	}
	return c.store.ClearTeams(ctx, tenant.GuildID, cycle.Key)
}

func handleRemoveSubmission(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, _ domain.Settings, _ time.Time) error {
	var params domain.RemoveSubmissionParams
	if err := decodeParams(action.Params, &params); err != nil {
		return err
	}
	team := strings.TrimSpace(params.Team)
	if team == "" {
		return apperrors.New(apperrors.CodeActionParamsInvalid, "team is required")
	}
	cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
	if err != nil {
		return err
	}
	return c.store.RemoveTeam(ctx, tenant.GuildID, cycle.Key, team)
}

func handleRemoveVote(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, _ domain.Settings, _ time.Time) error {
	var params domain.RemoveVoteParams
	if err := decodeParams(action.Params, &params); err != nil {
		return err
	}
	user := strings.TrimSpace(params.User)
	if user == "" {
		return apperrors.New(apperrors.CodeActionParamsInvalid, "user is required")
	}
	week := strings.TrimSpace(params.Week)
	if week == "" {
		cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
		if err != nil {
			return err
		}
		week = cycle.Key
	}
	return c.store.RemoveBallot(ctx, tenant.GuildID, week, user)
}

func handleResetWeek(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, _ domain.Settings, now time.Time) error {
	cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
	if err != nil {
		return err
	}
	if err := c.store.ClearTeams(ctx, tenant.GuildID, cycle.Key); err != nil {
		return err
	}
	if err := c.store.ClearBallots(ctx, tenant.GuildID, cycle.Key); err != nil {
		return err
	}
	if err := c.store.PutFaceOff(ctx, domain.FaceOff{GuildID: tenant.GuildID}); err != nil {
		return err
	}
	if err := c.store.ClearFaceOffBallots(ctx, tenant.GuildID); err != nil {
		return err
	}
	cycle.Phase = domain.PhaseSubmission
	cycle.WeekCancelled = false
	cycle.WinnerAnnounced = false
	cycle.WinnerTeam = ""
	cycle.UpdatedAt = now
	return c.store.PutCycle(ctx, cycle)
}

func handleForceVoting(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, _ domain.Settings, now time.Time) error {
	cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
	if err != nil {
		return err
	}
	cycle.Phase = domain.PhaseVoting
	cycle.UpdatedAt = now
	if err := c.store.PutCycle(ctx, cycle); err != nil {
		return err
	}
	c.announce(ctx, tenant.GuildID, domain.AnnouncementVotingOpen,
		fmt.Sprintf("Submissions are closed. Voting is open for %q.", cycle.Theme))
	return nil
}

// handleAnnounceWinners runs the same resolution as the Sunday
// transition: unique leader wins, a tie opens the 24-hour face-off.
func handleAnnounceWinners(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, _ domain.Settings, now time.Time) error {
	cycle, err := requireActiveCycle(ctx, c, tenant.GuildID)
	if err != nil {
		return err
	}
	teams, err := c.store.ListTeams(ctx, tenant.GuildID, cycle.Key)
	if err != nil {
		return fmt.Errorf("list teams: %w", err)
	}
	if len(teams) == 0 {
		return apperrors.New(apperrors.CodePhaseDisallowsOp, "no teams entered this cycle")
	}
	tally, err := c.store.TallyBallots(ctx, tenant.GuildID, cycle.Key)
	if err != nil {
		return fmt.Errorf("tally ballots: %w", err)
	}
	scoped := make(domain.Tally, len(teams))
	for _, team := range teams {
		scoped[team.Name] = tally[team.Name]
	}

	winners, tie := domain.ResolveWinners(scoped)
	cycle.LastToken = domain.TransitionToken(domain.IntentAnnounceWinner, cycle.Key)
	cycle.UpdatedAt = now

	if tie {
		if c.faceOffs == nil {
			return fmt.Errorf("tie between %s with no face-off controller", strings.Join(winners, ", "))
		}
		if _, err := c.faceOffs.Begin(ctx, tenant.GuildID, cycle.Key, winners); err != nil {
			return fmt.Errorf("begin face-off: %w", err)
		}
		return c.store.PutCycle(ctx, cycle)
	}

	winner := winners[0]
	cycle.Phase = domain.PhaseEnded
	cycle.WinnerAnnounced = true
	cycle.WinnerTeam = winner
	if err := c.store.PutCycle(ctx, cycle); err != nil {
		return err
	}
	c.announce(ctx, tenant.GuildID, domain.AnnouncementWinner,
		fmt.Sprintf("The votes are in: %s wins the week with %d vote(s).", winner, scoped[winner]))
	return nil
}

// handleBulkConfigUpdate validates every key against the allow-list
// before writing anything, so a partially bad update applies nothing.
func handleBulkConfigUpdate(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, settings domain.Settings, now time.Time) error {
	var params map[string]json.RawMessage
	if err := decodeParams(action.Params, &params); err != nil {
		return err
	}
	if len(params) == 0 {
		return apperrors.New(apperrors.CodeActionParamsInvalid, "no config keys given")
	}
	for key := range params {
		if !domain.BulkConfigKeys[key] {
			return apperrors.WithMetadata(apperrors.CodeActionParamsInvalid, "config key is not allowed", map[string]string{
				"key": key,
			})
		}
	}

	updated := settings
	for key, raw := range params {
		if err := applyConfigKey(&updated, key, raw); err != nil {
			return err
		}
	}
	updated = updated.Normalize()
	updated.UpdatedAt = now
	return c.store.PutSettings(ctx, updated)
}

func applyConfigKey(settings *domain.Settings, key string, raw json.RawMessage) error {
	invalid := func(err error) error {
		return apperrors.WrapWithMetadata(apperrors.CodeActionParamsInvalid, "config value is not valid", map[string]string{
			"key": key,
		}, err)
	}
	switch key {
	case "biweekly_mode":
		return decodeConfigBool(raw, &settings.BiweeklyMode, invalid)
	case "min_teams_required":
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return invalid(err)
		}
		if n < 1 {
			return invalid(fmt.Errorf("min_teams_required must be at least 1"))
		}
		settings.MinTeams = n
		return nil
	case "safe_mode_enabled":
		return decodeConfigBool(raw, &settings.SafeMode, invalid)
	case "confirmation_required":
		return decodeConfigBool(raw, &settings.ConfirmationRequired, invalid)
	case "confirmation_timeout_seconds":
		var seconds int
		if err := json.Unmarshal(raw, &seconds); err != nil {
			return invalid(err)
		}
		if seconds < 1 {
			return invalid(fmt.Errorf("confirmation_timeout_seconds must be at least 1"))
		}
		settings.ConfirmationTimeout = time.Duration(seconds) * time.Second
		return nil
	case "automation_enabled":
		return decodeConfigBool(raw, &settings.AutomationEnabled, invalid)
	case "next_theme":
		var theme string
		if err := json.Unmarshal(raw, &theme); err != nil {
			return invalid(err)
		}
		settings.NextTheme = strings.TrimSpace(theme)
		return nil
	default:
		return apperrors.WithMetadata(apperrors.CodeActionParamsInvalid, "config key is not allowed", map[string]string{
			"key": key,
		})
	}
}

func decodeConfigBool(raw json.RawMessage, into *bool, invalid func(error) error) error {
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return invalid(err)
	}
	*into = value
	return nil
}

// handleExportBackup writes the versioned backup document to the store,
// where the operator surface and the maintenance tool read it back.
func handleExportBackup(ctx context.Context, c *Consumer, tenant tenants.Tenant, _ domain.Action, settings domain.Settings, now time.Time) error {
	cycle, err := c.loadActiveCycle(ctx, tenant.GuildID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	var teams []domain.Team
	var ballots []domain.Ballot
	if cycle.Key != "" {
		teams, err = c.store.ListTeams(ctx, tenant.GuildID, cycle.Key)
		if err != nil {
			return fmt.Errorf("list teams: %w", err)
		}
		ballots, err = c.store.ListBallots(ctx, tenant.GuildID, cycle.Key)
		if err != nil {
			return fmt.Errorf("list ballots: %w", err)
		}
	}
	faceOff, err := c.store.GetFaceOff(ctx, tenant.GuildID)
	if err != nil {
		return fmt.Errorf("load face-off: %w", err)
	}

	backup := domain.ExportBackup(tenant.GuildID, settings, cycle, teams, ballots, faceOff, now)
	document, err := domain.EncodeBackup(backup)
	if err != nil {
		return err
	}
	return c.store.PutBackupDocument(ctx, tenant.GuildID, document, now)
}

// handleRestoreBackup replaces the guild's competition state wholesale
// from a backup document.
func handleRestoreBackup(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, _ domain.Settings, now time.Time) error {
	var params domain.RestoreBackupParams
	if err := decodeParams(action.Params, &params); err != nil {
		return err
	}
	if len(params.Payload) == 0 {
		return apperrors.New(apperrors.CodeActionParamsInvalid, "backup payload is required")
	}
	backup, err := domain.DecodeBackup(params.Payload)
	if err != nil {
		return err
	}
	return domain.RestoreBackup(ctx, c.store, tenant.GuildID, backup, now)
}

func handleSetSafeMode(ctx context.Context, c *Consumer, tenant tenants.Tenant, action domain.Action, settings domain.Settings, now time.Time) error {
	var params domain.SetSafeModeParams
	if err := decodeParams(action.Params, &params); err != nil {
		return err
	}
	settings.SafeMode = params.Enabled
	settings.UpdatedAt = now
	return c.store.PutSettings(ctx, settings)
}
