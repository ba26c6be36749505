package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/evanmarey/bandstand/internal/platform/errors"
)

// BackupVersion is the current backup document version. Decoding
// refuses documents from a newer version instead of guessing at their
// shape.
const BackupVersion = 1

// Backup is the portable snapshot of one guild's competition state.
type Backup struct {
	Version    int            `json:"version"`
	GuildID    string         `json:"guild_id"`
	ExportedAt time.Time      `json:"exported_at"`
	Settings   BackupSettings `json:"settings"`
	Cycle      BackupCycle    `json:"cycle"`
	Teams      []BackupTeam   `json:"teams"`
	Ballots    []BackupBallot `json:"ballots"`
	FaceOff    BackupFaceOff  `json:"face_off"`
}

// BackupSettings mirrors Settings on the wire.
type BackupSettings struct {
	BiweeklyMode               bool   `json:"biweekly_mode"`
	MinTeamsRequired           int    `json:"min_teams_required"`
	SafeModeEnabled            bool   `json:"safe_mode_enabled"`
	ConfirmationRequired       bool   `json:"confirmation_required"`
	ConfirmationTimeoutSeconds int    `json:"confirmation_timeout_seconds"`
	AutomationEnabled          bool   `json:"automation_enabled"`
	NextTheme                  string `json:"next_theme,omitempty"`
}

// BackupCycle mirrors the active Cycle on the wire.
type BackupCycle struct {
	Key             string    `json:"key"`
	Theme           string    `json:"theme"`
	Phase           Phase     `json:"phase"`
	WeekCancelled   bool      `json:"week_cancelled"`
	WinnerAnnounced bool      `json:"winner_announced"`
	WinnerTeam      string    `json:"winner_team,omitempty"`
	LastToken       string    `json:"last_token,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

// BackupTeam mirrors one Team on the wire.
type BackupTeam struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// BackupBallot mirrors one Ballot on the wire.
type BackupBallot struct {
	VoterID string `json:"voter_id"`
	Team    string `json:"team"`
}

// BackupFaceOff mirrors tie-break state on the wire.
type BackupFaceOff struct {
	Active   bool      `json:"active"`
	CycleKey string    `json:"cycle_key,omitempty"`
	Teams    []string  `json:"teams,omitempty"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// ExportBackup folds a guild's state into a versioned backup document.
func ExportBackup(guildID string, settings Settings, cycle Cycle, teams []Team, ballots []Ballot, faceOff FaceOff, now time.Time) Backup {
	backup := Backup{
		Version:    BackupVersion,
		GuildID:    guildID,
		ExportedAt: now.UTC(),
		Settings: BackupSettings{
			BiweeklyMode:               settings.BiweeklyMode,
			MinTeamsRequired:           settings.MinTeams,
			SafeModeEnabled:            settings.SafeMode,
			ConfirmationRequired:       settings.ConfirmationRequired,
			ConfirmationTimeoutSeconds: int(settings.ConfirmationTimeout / time.Second),
			AutomationEnabled:          settings.AutomationEnabled,
			NextTheme:                  settings.NextTheme,
		},
		Cycle: BackupCycle{
			Key:             cycle.Key,
			Theme:           cycle.Theme,
			Phase:           cycle.Phase,
			WeekCancelled:   cycle.WeekCancelled,
			WinnerAnnounced: cycle.WinnerAnnounced,
			WinnerTeam:      cycle.WinnerTeam,
			LastToken:       cycle.LastToken,
			StartedAt:       cycle.StartedAt,
		},
		FaceOff: BackupFaceOff{
			Active:   faceOff.Active,
			CycleKey: faceOff.CycleKey,
			Teams:    faceOff.Teams,
			Deadline: faceOff.Deadline,
		},
	}
	for _, team := range teams {
		backup.Teams = append(backup.Teams, BackupTeam{Name: team.Name, Members: team.Members})
	}
	for _, ballot := range ballots {
		backup.Ballots = append(backup.Ballots, BackupBallot{VoterID: ballot.VoterID, Team: ballot.Team})
	}
	return backup
}

// EncodeBackup serializes a backup document.
func EncodeBackup(backup Backup) ([]byte, error) {
	raw, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	return raw, nil
}

// DecodeBackup parses and validates a backup document. Documents from
// an unknown future version are refused; guild identity is checked by
// the caller against the tenant being restored.
func DecodeBackup(raw []byte) (Backup, error) {
	var backup Backup
	if err := json.Unmarshal(raw, &backup); err != nil {
		return Backup{}, apperrors.Wrap(apperrors.CodeActionParamsInvalid, "decode backup payload", err)
	}
	if backup.Version < 1 || backup.Version > BackupVersion {
		return Backup{}, apperrors.WithMetadata(apperrors.CodeBackupVersionUnsupported, "unsupported backup version", map[string]string{
			"version": fmt.Sprintf("%d", backup.Version),
		})
	}
	return backup, nil
}

// RestoredSettings converts backup settings for a guild back into the
// domain form, normalizing invalid values.
func (b Backup) RestoredSettings(guildID string, now time.Time) Settings {
	return Settings{
		GuildID:              guildID,
		BiweeklyMode:         b.Settings.BiweeklyMode,
		MinTeams:             b.Settings.MinTeamsRequired,
		SafeMode:             b.Settings.SafeModeEnabled,
		ConfirmationRequired: b.Settings.ConfirmationRequired,
		ConfirmationTimeout:  time.Duration(b.Settings.ConfirmationTimeoutSeconds) * time.Second,
		AutomationEnabled:    b.Settings.AutomationEnabled,
		NextTheme:            b.Settings.NextTheme,
		UpdatedAt:            now.UTC(),
	}.Normalize()
}

// RestoredCycle converts the backup cycle for a guild back into the
// domain form.
func (b Backup) RestoredCycle(guildID string, now time.Time) Cycle {
	return Cycle{
		GuildID:         guildID,
		Key:             b.Cycle.Key,
		Theme:           b.Cycle.Theme,
		Phase:           b.Cycle.Phase,
		WeekCancelled:   b.Cycle.WeekCancelled,
		WinnerAnnounced: b.Cycle.WinnerAnnounced,
		WinnerTeam:      b.Cycle.WinnerTeam,
		LastToken:       b.Cycle.LastToken,
		StartedAt:       b.Cycle.StartedAt,
		UpdatedAt:       now.UTC(),
	}
}

// RestoredFaceOff converts backup tie-break state for a guild back into
// the domain form.
func (b Backup) RestoredFaceOff(guildID string) FaceOff {
	return FaceOff{
		GuildID:  guildID,
		CycleKey: b.FaceOff.CycleKey,
		Active:   b.FaceOff.Active,
		Teams:    b.FaceOff.Teams,
		Deadline: b.FaceOff.Deadline,
	}
}

// RestoreStore is the storage slice a backup restore writes through.
type RestoreStore interface {
	PutSettings(ctx context.Context, settings Settings) error
	ReplaceActiveCycle(ctx context.Context, cycle Cycle) error
	ClearTeams(ctx context.Context, guildID, cycleKey string) error
	PutTeam(ctx context.Context, team Team) error
	ClearBallots(ctx context.Context, guildID, cycleKey string) error
	PutBallot(ctx context.Context, ballot Ballot) error
	PutFaceOff(ctx context.Context, faceOff FaceOff) error
	ClearFaceOffBallots(ctx context.Context, guildID string) error
}

// RestoreBackup writes a decoded backup over the guild's state.
// Settings and tie-break state are always overwritten; the active cycle,
// its teams and its ballots are replaced only when the backup carries a
// cycle. A backup recorded for a different guild is refused. The same
// applier serves the restore_backup command and offline tooling.
func RestoreBackup(ctx context.Context, store RestoreStore, guildID string, backup Backup, now time.Time) error {
	if store == nil {
		return ErrStoreNotConfigured
	}
	if backup.GuildID != "" && backup.GuildID != guildID {
		return apperrors.WithMetadata(apperrors.CodeBackupGuildMismatch, "backup belongs to another guild", map[string]string{
			"backup_guild_id": backup.GuildID,
		})
	}

	if err := store.PutSettings(ctx, backup.RestoredSettings(guildID, now)); err != nil {
		return fmt.Errorf("restore settings: %w", err)
	}

	if backup.Cycle.Key != "" {
		cycle := backup.RestoredCycle(guildID, now)
		if err := store.ReplaceActiveCycle(ctx, cycle); err != nil {
			return fmt.Errorf("restore cycle: %w", err)
		}
		if err := store.ClearTeams(ctx, guildID, cycle.Key); err != nil {
			return fmt.Errorf("clear teams: %w", err)
		}
		for _, team := range backup.Teams {
			restored := NormalizeTeam(Team{
				GuildID:   guildID,
				CycleKey:  cycle.Key,
				Name:      team.Name,
				Members:   team.Members,
				CreatedAt: now,
			})
			if err := store.PutTeam(ctx, restored); err != nil {
				return fmt.Errorf("restore team %s: %w", team.Name, err)
			}
		}
		if err := store.ClearBallots(ctx, guildID, cycle.Key); err != nil {
			return fmt.Errorf("clear ballots: %w", err)
		}
		for _, ballot := range backup.Ballots {
			restored := Ballot{
				GuildID:  guildID,
				CycleKey: cycle.Key,
				VoterID:  ballot.VoterID,
				Team:     ballot.Team,
				CastAt:   now,
			}
			if err := store.PutBallot(ctx, restored); err != nil {
				return fmt.Errorf("restore ballot for %s: %w", ballot.VoterID, err)
			}
		}
	}

	if err := store.PutFaceOff(ctx, backup.RestoredFaceOff(guildID)); err != nil {
		return fmt.Errorf("restore face-off: %w", err)
	}
	if err := store.ClearFaceOffBallots(ctx, guildID); err != nil {
		return fmt.Errorf("clear face-off ballots: %w", err)
	}
	return nil
}
