package domain

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/evanmarey/bandstand/internal/platform/errors"
)

func TestBackupRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 30, 22, 0, 0, 0, time.UTC)
	settings := Settings{
		GuildID:             "g1",
		BiweeklyMode:        true,
		MinTeams:            3,
		SafeMode:            true,
		ConfirmationTimeout: 30 * time.Minute,
		AutomationEnabled:   true,
		NextTheme:           "duets",
	}
	cycle := Cycle{
		GuildID:         "g1",
		Key:             "2026-W35",
		Theme:           "covers",
		Phase:           PhaseEnded,
		WinnerAnnounced: true,
		WinnerTeam:      "Alpha",
		LastToken:       "announce_winner_2026-W35",
		StartedAt:       time.Date(2026, 8, 24, 0, 5, 0, 0, time.UTC),
	}
	teams := []Team{
		{Name: "Alpha", Members: []string{"u1", "u2"}},
		{Name: "Bravo", Members: []string{"u3"}},
	}
	ballots := []Ballot{
		{VoterID: "u4", Team: "Alpha"},
	}

	backup := ExportBackup("g1", settings, cycle, teams, ballots, FaceOff{}, now)
	raw, err := EncodeBackup(backup)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeBackup(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != BackupVersion {
		t.Fatalf("version = %d, want %d", decoded.Version, BackupVersion)
	}
	if decoded.GuildID != "g1" {
		t.Fatalf("guild id = %q, want g1", decoded.GuildID)
	}

	restoredSettings := decoded.RestoredSettings("g1", now)
	if restoredSettings.MinTeams != 3 || !restoredSettings.BiweeklyMode || !restoredSettings.SafeMode {
		t.Fatalf("restored settings = %+v", restoredSettings)
	}
	if restoredSettings.ConfirmationTimeout != 30*time.Minute {
		t.Fatalf("confirmation timeout = %s, want 30m", restoredSettings.ConfirmationTimeout)
	}
	if restoredSettings.NextTheme != "duets" {
		t.Fatalf("next theme = %q, want duets", restoredSettings.NextTheme)
	}

	restoredCycle := decoded.RestoredCycle("g1", now)
	if restoredCycle.Key != "2026-W35" || restoredCycle.WinnerTeam != "Alpha" {
		t.Fatalf("restored cycle = %+v", restoredCycle)
	}
	if restoredCycle.LastToken != "announce_winner_2026-W35" {
		t.Fatalf("restored token = %q, want the dedup token preserved", restoredCycle.LastToken)
	}

	if len(decoded.Teams) != 2 || len(decoded.Ballots) != 1 {
		t.Fatalf("teams = %d ballots = %d, want 2 and 1", len(decoded.Teams), len(decoded.Ballots))
	}
}

func TestDecodeBackup_RefusesNewerVersion(t *testing.T) {
	t.Parallel()

	_, err := DecodeBackup([]byte(`{"version": 99, "guild_id": "g1"}`))
	if err == nil {
		t.Fatal("expected a version error")
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeBackupVersionUnsupported {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeBackupVersionUnsupported)
	}
}

func TestDecodeBackup_RefusesMalformedPayload(t *testing.T) {
	t.Parallel()

	_, err := DecodeBackup([]byte(`{"version": `))
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeActionParamsInvalid {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeActionParamsInvalid)
	}
}

type fakeRestoreStore struct {
	settings      []Settings
	cycles        []Cycle
	teams         []Team
	ballots       []Ballot
	faceOffs      []FaceOff
	teamClears    int
	ballotClears  int
	faceOffClears int
}

func (s *fakeRestoreStore) PutSettings(_ context.Context, settings Settings) error {
	s.settings = append(s.settings, settings)
	return nil
}

func (s *fakeRestoreStore) ReplaceActiveCycle(_ context.Context, cycle Cycle) error {
	s.cycles = append(s.cycles, cycle)
	return nil
}

func (s *fakeRestoreStore) ClearTeams(_ context.Context, _, _ string) error {
	s.teamClears++
	return nil
}

func (s *fakeRestoreStore) PutTeam(_ context.Context, team Team) error {
	s.teams = append(s.teams, team)
	return nil
}

func (s *fakeRestoreStore) ClearBallots(_ context.Context, _, _ string) error {
	s.ballotClears++
	return nil
}

func (s *fakeRestoreStore) PutBallot(_ context.Context, ballot Ballot) error {
	s.ballots = append(s.ballots, ballot)
	return nil
}

func (s *fakeRestoreStore) PutFaceOff(_ context.Context, faceOff FaceOff) error {
	s.faceOffs = append(s.faceOffs, faceOff)
	return nil
}

func (s *fakeRestoreStore) ClearFaceOffBallots(_ context.Context, _ string) error {
	s.faceOffClears++
	return nil
}

func TestRestoreBackup_AppliesFullState(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 30, 22, 0, 0, 0, time.UTC)
	backup := Backup{
		Version: 1,
		GuildID: "g1",
		Settings: BackupSettings{
			MinTeamsRequired:           3,
			ConfirmationTimeoutSeconds: 1800,
			AutomationEnabled:          true,
		},
		Cycle: BackupCycle{
			Key:       "2026-W35",
			Theme:     "covers",
			Phase:     PhaseVoting,
			LastToken: "start_submission_2026-W35",
			StartedAt: time.Date(2026, 8, 24, 0, 5, 0, 0, time.UTC),
		},
		Teams: []BackupTeam{
			{Name: "  Alpha  ", Members: []string{"u1", "u2"}},
			{Name: "Bravo", Members: []string{"u3"}},
		},
		Ballots: []BackupBallot{
			{VoterID: "u4", Team: "Alpha"},
		},
		FaceOff: BackupFaceOff{Active: true, CycleKey: "2026-W35", Teams: []string{"Alpha", "Bravo"}},
	}

	store := &fakeRestoreStore{}
	if err := RestoreBackup(context.Background(), store, "g1", backup, now); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if len(store.settings) != 1 || store.settings[0].MinTeams != 3 {
		t.Fatalf("settings writes = %+v", store.settings)
	}
	if len(store.cycles) != 1 || store.cycles[0].Key != "2026-W35" {
		t.Fatalf("cycle writes = %+v", store.cycles)
	}
	if store.cycles[0].LastToken != "start_submission_2026-W35" {
		t.Fatalf("restored token = %q, want the dedup token preserved", store.cycles[0].LastToken)
	}
	if store.teamClears != 1 || store.ballotClears != 1 || store.faceOffClears != 1 {
		t.Fatalf("clears = %d/%d/%d, want 1/1/1", store.teamClears, store.ballotClears, store.faceOffClears)
	}
	if len(store.teams) != 2 || store.teams[0].Name != "Alpha" {
		t.Fatalf("teams = %+v, want normalized names", store.teams)
	}
	if store.teams[0].GuildID != "g1" || store.teams[0].CycleKey != "2026-W35" {
		t.Fatalf("team scope = %s/%s", store.teams[0].GuildID, store.teams[0].CycleKey)
	}
	if len(store.ballots) != 1 || store.ballots[0].VoterID != "u4" {
		t.Fatalf("ballots = %+v", store.ballots)
	}
	if len(store.faceOffs) != 1 || !store.faceOffs[0].Active {
		t.Fatalf("face-off writes = %+v", store.faceOffs)
	}
}

func TestRestoreBackup_RefusesForeignGuild(t *testing.T) {
	t.Parallel()

	store := &fakeRestoreStore{}
	backup := Backup{Version: 1, GuildID: "g2"}
	err := RestoreBackup(context.Background(), store, "g1", backup, time.Now())
	if err == nil {
		t.Fatal("expected a guild mismatch error")
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeBackupGuildMismatch {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeBackupGuildMismatch)
	}
	if len(store.settings) != 0 || len(store.cycles) != 0 {
		t.Fatalf("refused restore still wrote state: %+v", store)
	}
}

func TestRestoreBackup_SkipsCycleWhenBackupHasNone(t *testing.T) {
	t.Parallel()

	store := &fakeRestoreStore{}
	backup := Backup{Version: 1, GuildID: "g1"}
	if err := RestoreBackup(context.Background(), store, "g1", backup, time.Now()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(store.settings) != 1 {
		t.Fatalf("settings writes = %d, want 1", len(store.settings))
	}
	if len(store.cycles) != 0 || store.teamClears != 0 || store.ballotClears != 0 {
		t.Fatal("expected no cycle writes for a backup without a cycle")
	}
	if len(store.faceOffs) != 1 || store.faceOffs[0].Active {
		t.Fatalf("face-off writes = %+v, want one inactive overwrite", store.faceOffs)
	}
}

func TestRestoredSettings_NormalizesInvalidValues(t *testing.T) {
	t.Parallel()

	backup := Backup{
		Version: 1,
		GuildID: "g1",
		Settings: BackupSettings{
			MinTeamsRequired:           0,
			ConfirmationTimeoutSeconds: -5,
		},
	}

	restored := backup.RestoredSettings("g1", time.Now())
	if restored.MinTeams != DefaultMinTeams {
		t.Fatalf("min teams = %d, want default %d", restored.MinTeams, DefaultMinTeams)
	}
	if restored.ConfirmationTimeout != DefaultConfirmationTimeout {
		t.Fatalf("confirmation timeout = %s, want default %s", restored.ConfirmationTimeout, DefaultConfirmationTimeout)
	}
}
