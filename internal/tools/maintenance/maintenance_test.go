package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/evanmarey/bandstand/internal/platform/errors"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
)

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != filepath.Join("data", "orchestrator.db") {
		t.Fatalf("db path = %q, want default", cfg.DBPath)
	}
	if cfg.OrchestratorAddr != "localhost:8094" {
		t.Fatalf("orchestrator addr = %q, want localhost:8094", cfg.OrchestratorAddr)
	}
	if cfg.Timeout != 10*time.Minute {
		t.Fatalf("timeout = %s, want 10m", cfg.Timeout)
	}
	if cfg.ArchivedLimit != 5 || cfg.AuditLimit != 20 {
		t.Fatalf("limits = %d/%d, want 5/20", cfg.ArchivedLimit, cfg.AuditLimit)
	}
}

func TestParseConfig_EnvAndFlagOverrides(t *testing.T) {
	t.Setenv("BANDSTAND_ORCHESTRATOR_DB_PATH", "env.db")
	t.Setenv("BANDSTAND_MAINTENANCE_ORCHESTRATOR_ADDR", "env-host:9999")

	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	args := []string{"-db-path", "flag.db", "-audit-limit", "3", "-list", "-json"}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "flag.db" {
		t.Fatalf("db path = %q, want the flag to win over env", cfg.DBPath)
	}
	if cfg.OrchestratorAddr != "env-host:9999" {
		t.Fatalf("orchestrator addr = %q, want the env value", cfg.OrchestratorAddr)
	}
	if cfg.AuditLimit != 3 || !cfg.List || !cfg.JSONOutput {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestRunList_ReportsGuildState(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.settings["g1"] = domain.Settings{GuildID: "g1", MinTeams: 2, ConfirmationTimeout: time.Hour, AutomationEnabled: true}
	store.active["g1"] = domain.Cycle{GuildID: "g1", Key: "2026-W35", Theme: "covers", Phase: domain.PhaseVoting}
	store.settings["g2"] = domain.Settings{GuildID: "g2", MinTeams: 2, ConfirmationTimeout: time.Hour, SafeMode: true}

	var out bytes.Buffer
	if err := runList(context.Background(), store, true, &out); err != nil {
		t.Fatalf("run list: %v", err)
	}

	var report listReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Mode != "list" || len(report.Guilds) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Guilds[0].GuildID != "g1" || report.Guilds[0].CycleKey != "2026-W35" || report.Guilds[0].Phase != "voting" {
		t.Fatalf("g1 entry = %+v", report.Guilds[0])
	}
	if report.Guilds[1].GuildID != "g2" || report.Guilds[1].CycleKey != "" || !report.Guilds[1].SafeMode {
		t.Fatalf("g2 entry = %+v", report.Guilds[1])
	}
}

func TestRunShow_ReportsFullState(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.settings["g1"] = domain.Settings{GuildID: "g1", MinTeams: 3, ConfirmationTimeout: 30 * time.Minute, AutomationEnabled: true, NextTheme: "duets"}
	store.active["g1"] = domain.Cycle{GuildID: "g1", Key: "2026-W35", Theme: "covers", Phase: domain.PhaseVoting}
	store.teams[scopeKey("g1", "2026-W35")] = []domain.Team{
		{GuildID: "g1", CycleKey: "2026-W35", Name: "Alpha", Members: []string{"u1"}},
		{GuildID: "g1", CycleKey: "2026-W35", Name: "Bravo", Members: []string{"u2"}},
	}
	store.ballots[scopeKey("g1", "2026-W35")] = []domain.Ballot{
		{GuildID: "g1", CycleKey: "2026-W35", VoterID: "u3", Team: "Alpha"},
	}
	store.faceOffs["g1"] = domain.FaceOff{
		GuildID:  "g1",
		CycleKey: "2026-W35",
		Active:   true,
		Teams:    []string{"Alpha", "Bravo"},
		Deadline: time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC),
	}
	store.confirms["g1"] = domain.Confirmation{
		GuildID:  "g1",
		CycleKey: "2026-W35",
		Intent:   domain.IntentCancelLowParticipation,
		Deadline: time.Date(2026, 8, 28, 13, 0, 0, 0, time.UTC),
	}
	store.archived = []domain.Cycle{{GuildID: "g1", Key: "2026-W34", Phase: domain.PhaseEnded, WinnerTeam: "Alpha"}}
	store.audits = []domain.AuditEvent{{
		ID:        "evt-001",
		GuildID:   "g1",
		Source:    domain.AuditSourceScheduler,
		Kind:      "cycle_transition",
		Detail:    "start_submission",
		CreatedAt: time.Date(2026, 8, 24, 0, 5, 0, 0, time.UTC),
	}}

	var out bytes.Buffer
	if err := runShow(context.Background(), store, "g1", 5, 20, true, &out); err != nil {
		t.Fatalf("run show: %v", err)
	}

	var report showReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Settings.MinTeams != 3 || report.Settings.NextTheme != "duets" {
		t.Fatalf("settings = %+v", report.Settings)
	}
	if report.Cycle == nil || report.Cycle.Key != "2026-W35" || report.Cycle.Phase != "voting" {
		t.Fatalf("cycle = %+v", report.Cycle)
	}
	if len(report.Teams) != 2 || report.Teams[0].Votes != 1 || report.Teams[1].Votes != 0 {
		t.Fatalf("teams = %+v", report.Teams)
	}
	if report.FaceOff == nil || len(report.FaceOff.Teams) != 2 {
		t.Fatalf("face-off = %+v", report.FaceOff)
	}
	if report.Confirmation == nil || report.Confirmation.Intent != string(domain.IntentCancelLowParticipation) {
		t.Fatalf("confirmation = %+v", report.Confirmation)
	}
	if len(report.Archived) != 1 || report.Archived[0].Key != "2026-W34" {
		t.Fatalf("archived = %+v", report.Archived)
	}
	if len(report.Audit) != 1 || report.Audit[0].Kind != "cycle_transition" {
		t.Fatalf("audit = %+v", report.Audit)
	}
}

func TestRunShow_UnknownGuildUsesDefaults(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	var out bytes.Buffer
	if err := runShow(context.Background(), store, "ghost", 5, 20, true, &out); err != nil {
		t.Fatalf("run show: %v", err)
	}

	var report showReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Cycle != nil {
		t.Fatalf("cycle = %+v, want none", report.Cycle)
	}
	if report.Settings.MinTeams != domain.DefaultMinTeams {
		t.Fatalf("min teams = %d, want default %d", report.Settings.MinTeams, domain.DefaultMinTeams)
	}
	if !report.Settings.AutomationEnabled {
		t.Fatal("expected default settings with automation enabled")
	}
}

func TestRunExport_WritesBackupFile(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.settings["g1"] = domain.Settings{GuildID: "g1", MinTeams: 3, ConfirmationTimeout: time.Hour, AutomationEnabled: true}
	store.active["g1"] = domain.Cycle{GuildID: "g1", Key: "2026-W35", Theme: "covers", Phase: domain.PhaseVoting}
	store.teams[scopeKey("g1", "2026-W35")] = []domain.Team{
		{GuildID: "g1", CycleKey: "2026-W35", Name: "Alpha", Members: []string{"u1"}},
		{GuildID: "g1", CycleKey: "2026-W35", Name: "Bravo", Members: []string{"u2"}},
	}
	store.ballots[scopeKey("g1", "2026-W35")] = []domain.Ballot{
		{GuildID: "g1", CycleKey: "2026-W35", VoterID: "u3", Team: "Alpha"},
	}

	path := filepath.Join(t.TempDir(), "backup.json")
	now := time.Date(2026, 8, 30, 22, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	if err := runExport(context.Background(), store, "g1", path, now, false, &out); err != nil {
		t.Fatalf("run export: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read backup file: %v", err)
	}
	backup, err := domain.DecodeBackup(raw)
	if err != nil {
		t.Fatalf("decode backup: %v", err)
	}
	if backup.GuildID != "g1" || backup.Cycle.Key != "2026-W35" {
		t.Fatalf("backup = %+v", backup)
	}
	if len(backup.Teams) != 2 || len(backup.Ballots) != 1 {
		t.Fatalf("teams = %d ballots = %d, want 2 and 1", len(backup.Teams), len(backup.Ballots))
	}
	if !strings.Contains(out.String(), "Exported backup for guild g1") {
		t.Fatalf("output = %q", out.String())
	}
}

func writeBackupFile(t *testing.T, backup domain.Backup) string {
	t.Helper()
	raw, err := domain.EncodeBackup(backup)
	if err != nil {
		t.Fatalf("encode backup: %v", err)
	}
	path := filepath.Join(t.TempDir(), "backup.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write backup file: %v", err)
	}
	return path
}

func TestRunRestore_AppliesBackupFile(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 30, 22, 0, 0, 0, time.UTC)
	settings := domain.Settings{GuildID: "g1", MinTeams: 3, ConfirmationTimeout: time.Hour, AutomationEnabled: true}
	cycle := domain.Cycle{GuildID: "g1", Key: "2026-W35", Theme: "covers", Phase: domain.PhaseVoting}
	teams := []domain.Team{{Name: "Alpha", Members: []string{"u1"}}}
	ballots := []domain.Ballot{{VoterID: "u2", Team: "Alpha"}}
	path := writeBackupFile(t, domain.ExportBackup("g1", settings, cycle, teams, ballots, domain.FaceOff{}, now))

	store := newFakeStore()
	probe := func(context.Context) bool { return false }
	var out bytes.Buffer
	if err := runRestore(context.Background(), store, probe, "g1", path, false, now, false, &out, io.Discard); err != nil {
		t.Fatalf("run restore: %v", err)
	}

	if store.settings["g1"].MinTeams != 3 {
		t.Fatalf("restored settings = %+v", store.settings["g1"])
	}
	if store.active["g1"].Key != "2026-W35" || store.active["g1"].Phase != domain.PhaseVoting {
		t.Fatalf("restored cycle = %+v", store.active["g1"])
	}
	if len(store.teams[scopeKey("g1", "2026-W35")]) != 1 {
		t.Fatalf("restored teams = %+v", store.teams)
	}
	if len(store.ballots[scopeKey("g1", "2026-W35")]) != 1 {
		t.Fatalf("restored ballots = %+v", store.ballots)
	}
	if len(store.audits) != 1 || store.audits[0].Source != domain.AuditSourceMaintenance {
		t.Fatalf("audit events = %+v, want one maintenance entry", store.audits)
	}
	if !strings.Contains(out.String(), "Restored backup for guild g1") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunRestore_RefusesWhileServing(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	probe := func(context.Context) bool { return true }
	err := runRestore(context.Background(), store, probe, "g1", "backup.json", false, time.Now(), false, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "orchestrator is serving") {
		t.Fatalf("err = %v, want a serving refusal", err)
	}
	if len(store.settings) != 0 {
		t.Fatal("refused restore still wrote state")
	}
}

func TestRunRestore_ForceSkipsHealthProbe(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 30, 22, 0, 0, 0, time.UTC)
	path := writeBackupFile(t, domain.Backup{Version: 1, GuildID: "g1"})

	store := newFakeStore()
	probeCalled := false
	probe := func(context.Context) bool {
		probeCalled = true
		return true
	}
	if err := runRestore(context.Background(), store, probe, "g1", path, true, now, false, io.Discard, io.Discard); err != nil {
		t.Fatalf("run restore: %v", err)
	}
	if probeCalled {
		t.Fatal("expected -force to skip the health probe")
	}
	if len(store.settings) != 1 {
		t.Fatalf("settings writes = %d, want 1", len(store.settings))
	}
}

func TestRunRestore_RefusesForeignGuild(t *testing.T) {
	t.Parallel()

	path := writeBackupFile(t, domain.Backup{Version: 1, GuildID: "g2"})
	store := newFakeStore()
	probe := func(context.Context) bool { return false }
	err := runRestore(context.Background(), store, probe, "g1", path, false, time.Now(), false, io.Discard, io.Discard)
	if err == nil {
		t.Fatal("expected a guild mismatch error")
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeBackupGuildMismatch {
		t.Fatalf("code = %q, want %q", got, apperrors.CodeBackupGuildMismatch)
	}
}

func TestRunWithDeps_ClosesStore(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cfg := Config{List: true}
	if err := runWithDeps(context.Background(), cfg, store, nil, io.Discard, io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !store.closed {
		t.Fatal("expected the store to be closed")
	}
}
