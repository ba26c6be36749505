package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	platformgrpc "github.com/evanmarey/bandstand/internal/platform/grpc"
	"github.com/evanmarey/bandstand/internal/platform/id"
	"github.com/evanmarey/bandstand/internal/platform/timeouts"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage/sqlite"
)

const (
	defaultArchivedLimit = 5
	defaultAuditLimit    = 20
)

// Config holds maintenance command configuration.
type Config struct {
	GuildID          string
	DBPath           string        `env:"BANDSTAND_ORCHESTRATOR_DB_PATH"`
	OrchestratorAddr string        `env:"BANDSTAND_MAINTENANCE_ORCHESTRATOR_ADDR" envDefault:"localhost:8094"`
	Timeout          time.Duration `env:"BANDSTAND_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	List             bool
	Show             bool
	Export           bool
	Restore          bool
	Status           bool
	BackupPath       string
	ArchivedLimit    int
	AuditLimit       int
	Force            bool
	JSONOutput       bool
}

type envConfig struct {
	DBPath           string        `env:"BANDSTAND_ORCHESTRATOR_DB_PATH"`
	OrchestratorAddr string        `env:"BANDSTAND_MAINTENANCE_ORCHESTRATOR_ADDR" envDefault:"localhost:8094"`
	Timeout          time.Duration `env:"BANDSTAND_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBPath:           envCfg.DBPath,
		OrchestratorAddr: envCfg.OrchestratorAddr,
		Timeout:          envCfg.Timeout,
		ArchivedLimit:    defaultArchivedLimit,
		AuditLimit:       defaultAuditLimit,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "orchestrator.db")
	}

	fs.StringVar(&cfg.GuildID, "guild-id", "", "guild ID to operate on")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to orchestrator sqlite database (default: BANDSTAND_ORCHESTRATOR_DB_PATH or data/orchestrator.db)")
	fs.StringVar(&cfg.OrchestratorAddr, "orchestrator-addr", cfg.OrchestratorAddr, "orchestrator gRPC address for health checks")
	fs.BoolVar(&cfg.List, "list", false, "list guilds with persisted state")
	fs.BoolVar(&cfg.Show, "show", false, "show one guild's competition state")
	fs.BoolVar(&cfg.Export, "export", false, "export one guild's state to a backup file")
	fs.BoolVar(&cfg.Restore, "restore", false, "restore one guild's state from a backup file")
	fs.BoolVar(&cfg.Status, "status", false, "check the orchestrator health endpoint")
	fs.StringVar(&cfg.BackupPath, "backup-file", "", "backup file path for -export and -restore")
	fs.IntVar(&cfg.ArchivedLimit, "archived-limit", cfg.ArchivedLimit, "max archived cycles to show (0 = none)")
	fs.IntVar(&cfg.AuditLimit, "audit-limit", cfg.AuditLimit, "max audit events to show (0 = none)")
	fs.BoolVar(&cfg.Force, "force", false, "restore even while the orchestrator is serving")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	if err := validateConfig(cfg); err != nil {
		return err
	}

	if cfg.Status {
		return runStatus(ctx, cfg.OrchestratorAddr, cfg.JSONOutput, out)
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	serving := func(ctx context.Context) bool {
		return orchestratorServing(ctx, cfg.OrchestratorAddr)
	}
	return runWithDeps(ctx, cfg, store, serving, out, errOut)
}

func validateConfig(cfg Config) error {
	modes := 0
	for _, enabled := range []bool{cfg.List, cfg.Show, cfg.Export, cfg.Restore, cfg.Status} {
		if enabled {
			modes++
		}
	}
	if modes == 0 {
		return errors.New("one of -list, -show, -export, -restore or -status is required")
	}
	if modes > 1 {
		return errors.New("-list, -show, -export, -restore and -status cannot be combined")
	}
	if (cfg.Show || cfg.Export || cfg.Restore) && strings.TrimSpace(cfg.GuildID) == "" {
		return errors.New("-guild-id is required with -show, -export and -restore")
	}
	if (cfg.Export || cfg.Restore) && strings.TrimSpace(cfg.BackupPath) == "" {
		return errors.New("-backup-file is required with -export and -restore")
	}
	if cfg.Force && !cfg.Restore {
		return errors.New("-force only applies to -restore")
	}
	if cfg.Show && (cfg.ArchivedLimit < 0 || cfg.AuditLimit < 0) {
		return errors.New("-archived-limit and -audit-limit must be >= 0")
	}
	return nil
}

// runWithDeps contains the core maintenance logic with injectable
// dependencies. It owns the lifecycle of the store, closing it on
// return.
func runWithDeps(ctx context.Context, cfg Config, store closableStore, serving servingProbe, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close store: %v\n", err)
		}
	}()

	guildID := strings.TrimSpace(cfg.GuildID)
	now := time.Now().UTC()

	switch {
	case cfg.List:
		return runList(ctx, store, cfg.JSONOutput, out)
	case cfg.Show:
		return runShow(ctx, store, guildID, cfg.ArchivedLimit, cfg.AuditLimit, cfg.JSONOutput, out)
	case cfg.Export:
		return runExport(ctx, store, guildID, cfg.BackupPath, now, cfg.JSONOutput, out)
	case cfg.Restore:
		return runRestore(ctx, store, serving, guildID, cfg.BackupPath, cfg.Force, now, cfg.JSONOutput, out, errOut)
	default:
		return errors.New("no maintenance mode selected")
	}
}

type listEntry struct {
	GuildID           string `json:"guild_id"`
	CycleKey          string `json:"cycle_key,omitempty"`
	Phase             string `json:"phase,omitempty"`
	Theme             string `json:"theme,omitempty"`
	AutomationEnabled bool   `json:"automation_enabled"`
	SafeMode          bool   `json:"safe_mode"`
}

type listReport struct {
	Mode   string      `json:"mode"`
	Guilds []listEntry `json:"guilds"`
}

func runList(ctx context.Context, store closableStore, jsonOutput bool, out io.Writer) error {
	ids, err := store.ListGuildIDs(ctx)
	if err != nil {
		return fmt.Errorf("list guilds: %w", err)
	}

	report := listReport{Mode: "list", Guilds: make([]listEntry, 0, len(ids))}
	for _, id := range ids {
		settings, err := loadSettings(ctx, store, id)
		if err != nil {
			return err
		}
		entry := listEntry{
			GuildID:           id,
			AutomationEnabled: settings.AutomationEnabled,
			SafeMode:          settings.SafeMode,
		}
		cycle, err := store.GetActiveCycle(ctx, id)
		switch {
		case err == nil:
			entry.CycleKey = cycle.Key
			entry.Phase = string(cycle.Phase)
			entry.Theme = cycle.Theme
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("load cycle for %s: %w", id, err)
		}
		report.Guilds = append(report.Guilds, entry)
	}

	if jsonOutput {
		return outputJSON(out, report)
	}
	fmt.Fprintf(out, "Guilds: %d\n", len(report.Guilds))
	for _, entry := range report.Guilds {
		fmt.Fprintf(out, "- %s cycle=%s phase=%s automation=%t safe_mode=%t\n",
			entry.GuildID, orDash(entry.CycleKey), orDash(entry.Phase), entry.AutomationEnabled, entry.SafeMode)
	}
	return nil
}

type showSettings struct {
	BiweeklyMode         bool   `json:"biweekly_mode"`
	MinTeams             int    `json:"min_teams"`
	SafeMode             bool   `json:"safe_mode"`
	ConfirmationRequired bool   `json:"confirmation_required"`
	ConfirmationTimeout  string `json:"confirmation_timeout"`
	AutomationEnabled    bool   `json:"automation_enabled"`
	NextTheme            string `json:"next_theme,omitempty"`
}

type showCycle struct {
	Key             string    `json:"key"`
	Theme           string    `json:"theme,omitempty"`
	Phase           string    `json:"phase"`
	WeekCancelled   bool      `json:"week_cancelled"`
	WinnerAnnounced bool      `json:"winner_announced"`
	WinnerTeam      string    `json:"winner_team,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

type showTeam struct {
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
	Votes   int      `json:"votes"`
}

type showFaceOff struct {
	CycleKey string    `json:"cycle_key,omitempty"`
	Teams    []string  `json:"teams"`
	Deadline time.Time `json:"deadline"`
}

type showConfirmation struct {
	Intent   string    `json:"intent"`
	CycleKey string    `json:"cycle_key"`
	Deadline time.Time `json:"deadline"`
	Decision string    `json:"decision,omitempty"`
}

type showAuditEvent struct {
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type showReport struct {
	Mode         string            `json:"mode"`
	GuildID      string            `json:"guild_id"`
	Settings     showSettings      `json:"settings"`
	Cycle        *showCycle        `json:"cycle,omitempty"`
	Teams        []showTeam        `json:"teams,omitempty"`
	FaceOff      *showFaceOff      `json:"face_off,omitempty"`
	Confirmation *showConfirmation `json:"confirmation,omitempty"`
	Archived     []showCycle       `json:"archived_cycles,omitempty"`
	Audit        []showAuditEvent  `json:"audit_events,omitempty"`
}

func runShow(ctx context.Context, store closableStore, guildID string, archivedLimit, auditLimit int, jsonOutput bool, out io.Writer) error {
	settings, err := loadSettings(ctx, store, guildID)
	if err != nil {
		return err
	}
	report := showReport{
		Mode:    "show",
		GuildID: guildID,
		Settings: showSettings{
			BiweeklyMode:         settings.BiweeklyMode,
			MinTeams:             settings.MinTeams,
			SafeMode:             settings.SafeMode,
			ConfirmationRequired: settings.ConfirmationRequired,
			ConfirmationTimeout:  settings.ConfirmationTimeout.String(),
			AutomationEnabled:    settings.AutomationEnabled,
			NextTheme:            settings.NextTheme,
		},
	}

	cycle, err := store.GetActiveCycle(ctx, guildID)
	switch {
	case err == nil:
		converted := convertCycle(cycle)
		report.Cycle = &converted

		teams, err := store.ListTeams(ctx, guildID, cycle.Key)
		if err != nil {
			return fmt.Errorf("list teams: %w", err)
		}
		tally, err := store.TallyBallots(ctx, guildID, cycle.Key)
		if err != nil {
			return fmt.Errorf("tally ballots: %w", err)
		}
		for _, team := range teams {
			report.Teams = append(report.Teams, showTeam{Name: team.Name, Members: team.Members, Votes: tally[team.Name]})
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load cycle: %w", err)
	}

	faceOff, err := store.GetFaceOff(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load face-off: %w", err)
	}
	if faceOff.Active {
		report.FaceOff = &showFaceOff{CycleKey: faceOff.CycleKey, Teams: faceOff.Teams, Deadline: faceOff.Deadline}
	}

	confirmation, err := store.GetConfirmation(ctx, guildID)
	switch {
	case err == nil:
		report.Confirmation = &showConfirmation{
			Intent:   string(confirmation.Intent),
			CycleKey: confirmation.CycleKey,
			Deadline: confirmation.Deadline,
			Decision: string(confirmation.Decision),
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load confirmation: %w", err)
	}

	if archivedLimit > 0 {
		archived, err := store.ListArchivedCycles(ctx, guildID, archivedLimit)
		if err != nil {
			return fmt.Errorf("list archived cycles: %w", err)
		}
		for _, archivedCycle := range archived {
			report.Archived = append(report.Archived, convertCycle(archivedCycle))
		}
	}

	if auditLimit > 0 {
		events, err := store.ListAuditEvents(ctx, guildID, auditLimit)
		if err != nil {
			return fmt.Errorf("list audit events: %w", err)
		}
		for _, event := range events {
			report.Audit = append(report.Audit, showAuditEvent{
				Source:    string(event.Source),
				Kind:      event.Kind,
				Detail:    event.Detail,
				CreatedAt: event.CreatedAt,
			})
		}
	}

	if jsonOutput {
		return outputJSON(out, report)
	}
	printShow(out, report)
	return nil
}

func printShow(out io.Writer, report showReport) {
	fmt.Fprintf(out, "Guild %s\n", report.GuildID)
	settings := report.Settings
	fmt.Fprintf(out, "Settings: automation=%t safe_mode=%t biweekly=%t min_teams=%d confirmation_required=%t timeout=%s\n",
		settings.AutomationEnabled, settings.SafeMode, settings.BiweeklyMode, settings.MinTeams, settings.ConfirmationRequired, settings.ConfirmationTimeout)
	if settings.NextTheme != "" {
		fmt.Fprintf(out, "Queued theme: %s\n", settings.NextTheme)
	}
	if report.Cycle == nil {
		fmt.Fprintln(out, "Active cycle: none")
	} else {
		cycle := report.Cycle
		fmt.Fprintf(out, "Active cycle %s phase=%s theme=%q cancelled=%t winner=%s\n",
			cycle.Key, cycle.Phase, cycle.Theme, cycle.WeekCancelled, orDash(cycle.WinnerTeam))
		for _, team := range report.Teams {
			fmt.Fprintf(out, "- %s votes=%d members=%s\n", team.Name, team.Votes, strings.Join(team.Members, ","))
		}
	}
	if report.FaceOff != nil {
		fmt.Fprintf(out, "Face-off for %s between %s, deadline %s\n",
			report.FaceOff.CycleKey, strings.Join(report.FaceOff.Teams, ", "), report.FaceOff.Deadline.Format(time.RFC3339))
	}
	if report.Confirmation != nil {
		decision := report.Confirmation.Decision
		if decision == "" {
			decision = "pending"
		}
		fmt.Fprintf(out, "Confirmation %s for %s: %s (deadline %s)\n",
			report.Confirmation.Intent, report.Confirmation.CycleKey, decision, report.Confirmation.Deadline.Format(time.RFC3339))
	}
	if len(report.Archived) > 0 {
		fmt.Fprintf(out, "Archived cycles (%d):\n", len(report.Archived))
		for _, cycle := range report.Archived {
			fmt.Fprintf(out, "- %s phase=%s cancelled=%t winner=%s\n", cycle.Key, cycle.Phase, cycle.WeekCancelled, orDash(cycle.WinnerTeam))
		}
	}
	if len(report.Audit) > 0 {
		fmt.Fprintf(out, "Audit events (%d):\n", len(report.Audit))
		for _, event := range report.Audit {
			line := fmt.Sprintf("- %s %s %s", event.CreatedAt.Format(time.RFC3339), event.Source, event.Kind)
			if event.Detail != "" {
				line += " " + event.Detail
			}
			fmt.Fprintln(out, line)
		}
	}
}

type exportReport struct {
	Mode     string `json:"mode"`
	GuildID  string `json:"guild_id"`
	Path     string `json:"path"`
	Bytes    int    `json:"bytes"`
	CycleKey string `json:"cycle_key,omitempty"`
}

func runExport(ctx context.Context, store closableStore, guildID, path string, now time.Time, jsonOutput bool, out io.Writer) error {
	settings, err := loadSettings(ctx, store, guildID)
	if err != nil {
		return err
	}
	cycle, err := store.GetActiveCycle(ctx, guildID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load cycle: %w", err)
	}
	var teams []domain.Team
	var ballots []domain.Ballot
	if cycle.Key != "" {
		teams, err = store.ListTeams(ctx, guildID, cycle.Key)
		if err != nil {
			return fmt.Errorf("list teams: %w", err)
		}
		ballots, err = store.ListBallots(ctx, guildID, cycle.Key)
		if err != nil {
			return fmt.Errorf("list ballots: %w", err)
		}
	}
	faceOff, err := store.GetFaceOff(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load face-off: %w", err)
	}

	backup := domain.ExportBackup(guildID, settings, cycle, teams, ballots, faceOff, now)
	document, err := domain.EncodeBackup(backup)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, document, 0o600); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}

	report := exportReport{Mode: "export", GuildID: guildID, Path: path, Bytes: len(document), CycleKey: cycle.Key}
	if jsonOutput {
		return outputJSON(out, report)
	}
	fmt.Fprintf(out, "Exported backup for guild %s to %s (%d bytes)\n", guildID, path, len(document))
	return nil
}

type restoreReport struct {
	Mode     string `json:"mode"`
	GuildID  string `json:"guild_id"`
	Path     string `json:"path"`
	CycleKey string `json:"cycle_key,omitempty"`
	Teams    int    `json:"teams"`
	Ballots  int    `json:"ballots"`
	Forced   bool   `json:"forced,omitempty"`
}

func runRestore(ctx context.Context, store closableStore, serving servingProbe, guildID, path string, force bool, now time.Time, jsonOutput bool, out io.Writer, errOut io.Writer) error {
	if !force && serving != nil && serving(ctx) {
		return errors.New("orchestrator is serving; stop it before restoring or pass -force")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup file: %w", err)
	}
	backup, err := domain.DecodeBackup(raw)
	if err != nil {
		return err
	}
	if err := domain.RestoreBackup(ctx, store, guildID, backup, now); err != nil {
		return err
	}
	if err := auditRestore(ctx, store, guildID, path, now); err != nil {
		fmt.Fprintf(errOut, "Warning: record audit event: %v\n", err)
	}

	report := restoreReport{
		Mode:     "restore",
		GuildID:  guildID,
		Path:     path,
		CycleKey: backup.Cycle.Key,
		Teams:    len(backup.Teams),
		Ballots:  len(backup.Ballots),
		Forced:   force,
	}
	if jsonOutput {
		return outputJSON(out, report)
	}
	fmt.Fprintf(out, "Restored backup for guild %s from %s (cycle=%s teams=%d ballots=%d)\n",
		guildID, path, orDash(backup.Cycle.Key), len(backup.Teams), len(backup.Ballots))
	return nil
}

type statusReport struct {
	Mode    string `json:"mode"`
	Addr    string `json:"addr"`
	Serving bool   `json:"serving"`
	Stage   string `json:"stage,omitempty"`
	Error   string `json:"error,omitempty"`
}

func runStatus(ctx context.Context, addr string, jsonOutput bool, out io.Writer) error {
	report := statusReport{Mode: "status", Addr: addr}
	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, timeouts.GRPCDial, nil, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		var dialErr *platformgrpc.DialError
		if errors.As(err, &dialErr) {
			report.Stage = string(dialErr.Stage)
		}
		report.Error = err.Error()
	} else {
		report.Serving = true
		_ = conn.Close()
	}

	if jsonOutput {
		if err := outputJSON(out, report); err != nil {
			return err
		}
	} else if report.Serving {
		fmt.Fprintf(out, "Orchestrator at %s is SERVING\n", addr)
	} else {
		fmt.Fprintf(out, "Orchestrator at %s is not serving: %s\n", addr, report.Error)
	}
	if !report.Serving {
		return errors.New("orchestrator is not serving")
	}
	return nil
}

func auditRestore(ctx context.Context, store closableStore, guildID, path string, now time.Time) error {
	eventID, err := id.NewID()
	if err != nil {
		return err
	}
	return store.AppendAuditEvent(ctx, domain.AuditEvent{
		ID:        eventID,
		GuildID:   guildID,
		Source:    domain.AuditSourceMaintenance,
		Kind:      "restore_backup",
		Detail:    fmt.Sprintf("restored from %s", filepath.Base(path)),
		CreatedAt: now,
	})
}

// orchestratorServing reports whether the orchestrator health endpoint
// answers SERVING at addr within the dial window.
func orchestratorServing(ctx context.Context, addr string) bool {
	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, timeouts.GRPCDial, nil, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func loadSettings(ctx context.Context, store closableStore, guildID string) (domain.Settings, error) {
	settings, err := store.GetSettings(ctx, guildID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.DefaultSettings(guildID), nil
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings for %s: %w", guildID, err)
	}
	return settings.Normalize(), nil
}

func convertCycle(cycle domain.Cycle) showCycle {
	return showCycle{
		Key:             cycle.Key,
		Theme:           cycle.Theme,
		Phase:           string(cycle.Phase),
		WeekCancelled:   cycle.WeekCancelled,
		WinnerAnnounced: cycle.WinnerAnnounced,
		WinnerTeam:      cycle.WinnerTeam,
		StartedAt:       cycle.StartedAt,
	}
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func outputJSON(out io.Writer, report any) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func openStore(path string) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
