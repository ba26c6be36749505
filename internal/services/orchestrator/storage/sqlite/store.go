package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanmarey/bandstand/internal/platform/storage/sqlitemigrate"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// reclaimProcessingAfter is how long a claimed command may sit in
// processing before a later pass may reclaim it. Claims this stale mean
// the claiming pass died mid-flight.
const reclaimProcessingAfter = 5 * time.Minute

// Store provides SQLite-backed persistence for competition state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullMillis(value time.Time) sql.NullInt64 {
	if value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(value), Valid: true}
}

func timeFromNull(value sql.NullInt64) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return fromMillis(value.Int64)
}

// Open opens a competition SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// GetSettings loads one guild's configuration.
func (s *Store) GetSettings(ctx context.Context, guildID string) (domain.Settings, error) {
	if err := ctx.Err(); err != nil {
		return domain.Settings{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Settings{}, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return domain.Settings{}, fmt.Errorf("guild id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT guild_id, biweekly_mode, min_teams, safe_mode, confirmation_required, confirmation_timeout_seconds, automation_enabled, next_theme, updated_at
FROM guild_settings
WHERE guild_id = ?
`, guildID)
	settings, err := scanSettings(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Settings{}, storage.ErrNotFound
		}
		return domain.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}

// PutSettings upserts one guild's configuration.
func (s *Store) PutSettings(ctx context.Context, settings domain.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	settings.GuildID = strings.TrimSpace(settings.GuildID)
	if settings.GuildID == "" {
		return fmt.Errorf("guild id is required")
	}
	if settings.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO guild_settings (
	guild_id, biweekly_mode, min_teams, safe_mode, confirmation_required, confirmation_timeout_seconds, automation_enabled, next_theme, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(guild_id) DO UPDATE SET
	biweekly_mode = excluded.biweekly_mode,
	min_teams = excluded.min_teams,
	safe_mode = excluded.safe_mode,
	confirmation_required = excluded.confirmation_required,
	confirmation_timeout_seconds = excluded.confirmation_timeout_seconds,
	automation_enabled = excluded.automation_enabled,
	next_theme = excluded.next_theme,
	updated_at = excluded.updated_at
`,
		settings.GuildID,
		boolToInt(settings.BiweeklyMode),
		settings.MinTeams,
		boolToInt(settings.SafeMode),
		boolToInt(settings.ConfirmationRequired),
		int64(settings.ConfirmationTimeout/time.Second),
		boolToInt(settings.AutomationEnabled),
		strings.TrimSpace(settings.NextTheme),
		toMillis(settings.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

// ListGuildIDs returns every guild that has settings or cycle state,
// sorted for stable output. Offline tooling uses it to enumerate guilds
// without consulting the tenant registry.
func (s *Store) ListGuildIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT guild_id FROM guild_settings
UNION
SELECT guild_id FROM cycles
ORDER BY guild_id
`)
	if err != nil {
		return nil, fmt.Errorf("list guild ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild id row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guild id rows: %w", err)
	}
	return ids, nil
}

// GetActiveCycle loads the guild's current cycle.
func (s *Store) GetActiveCycle(ctx context.Context, guildID string) (domain.Cycle, error) {
	if err := ctx.Err(); err != nil {
		return domain.Cycle{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Cycle{}, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return domain.Cycle{}, fmt.Errorf("guild id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT guild_id, cycle_key, theme, phase, week_cancelled, winner_announced, winner_team, last_token, started_at, updated_at
FROM cycles
WHERE guild_id = ? AND archived = 0
`, guildID)
	cycle, err := scanCycle(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Cycle{}, storage.ErrNotFound
		}
		return domain.Cycle{}, fmt.Errorf("get active cycle: %w", err)
	}
	return cycle, nil
}

// PutCycle upserts the guild's active cycle without a token guard.
func (s *Store) PutCycle(ctx context.Context, cycle domain.Cycle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	normalized, err := normalizeCycle(cycle)
	if err != nil {
		return err
	}
	return putCycleExec(ctx, s.sqlDB, normalized)
}

// UpdateCycleGuarded applies a cycle update only while the stored token
// still matches expectToken.
func (s *Store) UpdateCycleGuarded(ctx context.Context, cycle domain.Cycle, expectToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	normalized, err := normalizeCycle(cycle)
	if err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE cycles
SET theme = ?, phase = ?, week_cancelled = ?, winner_announced = ?, winner_team = ?, last_token = ?, updated_at = ?
WHERE guild_id = ? AND cycle_key = ? AND last_token = ?
`,
		normalized.Theme,
		string(normalized.Phase),
		boolToInt(normalized.WeekCancelled),
		boolToInt(normalized.WinnerAnnounced),
		normalized.WinnerTeam,
		normalized.LastToken,
		toMillis(normalized.UpdatedAt),
		normalized.GuildID,
		normalized.Key,
		expectToken,
	)
	if err != nil {
		return fmt.Errorf("update cycle: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update cycle rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM cycles WHERE guild_id = ? AND cycle_key = ?
`, normalized.GuildID, normalized.Key).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check cycle for guarded update: %w", err)
	}
	return storage.ErrTokenConflict
}

// ReplaceActiveCycle archives the guild's active cycle and installs a
// fresh one in its place.
func (s *Store) ReplaceActiveCycle(ctx context.Context, cycle domain.Cycle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	normalized, err := normalizeCycle(cycle)
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cycle roll-over: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback cycle roll-over: %v", cause, rollbackErr)
		}
		return cause
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE cycles SET archived = 1, updated_at = ?
WHERE guild_id = ? AND archived = 0 AND cycle_key != ?
`, toMillis(normalized.UpdatedAt), normalized.GuildID, normalized.Key); err != nil {
		return rollbackWith(fmt.Errorf("archive active cycle: %w", err))
	}
	if err := putCycleExec(ctx, tx, normalized); err != nil {
		return rollbackWith(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle roll-over: %w", err)
	}
	return nil
}

// ListArchivedCycles lists a guild's archived cycles newest first.
func (s *Store) ListArchivedCycles(ctx context.Context, guildID string, limit int) ([]domain.Cycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT guild_id, cycle_key, theme, phase, week_cancelled, winner_announced, winner_team, last_token, started_at, updated_at
FROM cycles
WHERE guild_id = ? AND archived = 1
ORDER BY started_at DESC, cycle_key DESC
LIMIT ?
`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]domain.Cycle, 0, limit)
	for rows.Next() {
		cycle, scanErr := scanCycle(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan archived cycle row: %w", scanErr)
		}
		cycles = append(cycles, cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived cycle rows: %w", err)
	}
	return cycles, nil
}

// PutTeam inserts one team submission. A colliding name or identity
// within the cycle returns ErrConflict.
func (s *Store) PutTeam(ctx context.Context, team domain.Team) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	normalized := domain.NormalizeTeam(team)
	normalized.GuildID = strings.TrimSpace(normalized.GuildID)
	normalized.CycleKey = strings.TrimSpace(normalized.CycleKey)
	if normalized.GuildID == "" {
		return fmt.Errorf("guild id is required")
	}
	if normalized.CycleKey == "" {
		return fmt.Errorf("cycle key is required")
	}
	if normalized.Name == "" {
		return fmt.Errorf("team name is required")
	}
	if normalized.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	membersJSON, err := json.Marshal(normalized.Members)
	if err != nil {
		return fmt.Errorf("encode team members: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO teams (guild_id, cycle_key, name, identity_key, members_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		normalized.GuildID,
		normalized.CycleKey,
		normalized.Name,
		normalized.IdentityKey(),
		string(membersJSON),
		toMillis(normalized.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put team: %w", err)
	}
	return nil
}

// RemoveTeam deletes one team and its ballots.
func (s *Store) RemoveTeam(ctx context.Context, guildID, cycleKey, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	cycleKey = strings.TrimSpace(cycleKey)
	name = strings.TrimSpace(name)
	if guildID == "" || cycleKey == "" || name == "" {
		return fmt.Errorf("guild id, cycle key, and team name are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin team removal: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback team removal: %v", cause, rollbackErr)
		}
		return cause
	}

	result, err := tx.ExecContext(ctx, `
DELETE FROM teams WHERE guild_id = ? AND cycle_key = ? AND name = ?
`, guildID, cycleKey, name)
	if err != nil {
		return rollbackWith(fmt.Errorf("remove team: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return rollbackWith(fmt.Errorf("remove team rows affected: %w", err))
	}
	if affected == 0 {
		return rollbackWith(storage.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM ballots WHERE guild_id = ? AND cycle_key = ? AND team_name = ?
`, guildID, cycleKey, name); err != nil {
		return rollbackWith(fmt.Errorf("remove team ballots: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit team removal: %w", err)
	}
	return nil
}

// ClearTeams deletes every team in a cycle.
func (s *Store) ClearTeams(ctx context.Context, guildID, cycleKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	cycleKey = strings.TrimSpace(cycleKey)
	if guildID == "" || cycleKey == "" {
		return fmt.Errorf("guild id and cycle key are required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM teams WHERE guild_id = ? AND cycle_key = ?
`, guildID, cycleKey); err != nil {
		return fmt.Errorf("clear teams: %w", err)
	}
	return nil
}

// ListTeams lists a cycle's teams in submission order.
func (s *Store) ListTeams(ctx context.Context, guildID, cycleKey string) ([]domain.Team, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	guildID = strings.TrimSpace(guildID)
	cycleKey = strings.TrimSpace(cycleKey)
	if guildID == "" || cycleKey == "" {
		return nil, fmt.Errorf("guild id and cycle key are required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT guild_id, cycle_key, name, members_json, created_at
FROM teams
WHERE guild_id = ? AND cycle_key = ?
ORDER BY created_at ASC, name ASC
`, guildID, cycleKey)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []domain.Team
	for rows.Next() {
		var team domain.Team
		var membersJSON string
		var createdAt int64
		if err := rows.Scan(&team.GuildID, &team.CycleKey, &team.Name, &membersJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan team row: %w", err)
		}
		if err := json.Unmarshal([]byte(membersJSON), &team.Members); err != nil {
			return nil, fmt.Errorf("decode team members: %w", err)
		}
		team.CreatedAt = fromMillis(createdAt)
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team rows: %w", err)
	}
	return teams, nil
}

// CountTeams counts a cycle's participating teams.
func (s *Store) CountTeams(ctx context.Context, guildID, cycleKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	guildID = strings.TrimSpace(guildID)
	cycleKey = strings.TrimSpace(cycleKey)
	if guildID == "" || cycleKey == "" {
		return 0, fmt.Errorf("guild id and cycle key are required")
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1) FROM teams WHERE guild_id = ? AND cycle_key = ?
`, guildID, cycleKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("count teams: %w", err)
	}
	return count, nil
}

// PutBallot upserts one voter's ballot; casting again replaces it.
func (s *Store) PutBallot(ctx context.Context, ballot domain.Ballot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	ballot.GuildID = strings.TrimSpace(ballot.GuildID)
	ballot.CycleKey = strings.TrimSpace(ballot.CycleKey)
	ballot.VoterID = strings.TrimSpace(ballot.VoterID)
	ballot.Team = strings.TrimSpace(ballot.Team)
	if ballot.GuildID == "" || ballot.CycleKey == "" || ballot.VoterID == "" || ballot.Team == "" {
		return fmt.Errorf("guild id, cycle key, voter id, and team are required")
	}
	if ballot.CastAt.IsZero() {
		return fmt.Errorf("cast_at is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ballots (guild_id, cycle_key, voter_id, team_name, cast_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(guild_id, cycle_key, voter_id) DO UPDATE SET
	team_name = excluded.team_name,
	cast_at = excluded.cast_at
`, ballot.GuildID, ballot.CycleKey, ballot.VoterID, ballot.Team, toMillis(ballot.CastAt)); err != nil {
		return fmt.Errorf("put ballot: %w", err)
	}
	return nil
}

// RemoveBallot deletes one voter's ballot.
func (s *Store) RemoveBallot(ctx context.Context, guildID, cycleKey, voterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	cycleKey = strings.TrimSpace(cycleKey)
	voterID = strings.TrimSpace(voterID)
	if guildID == "" || cycleKey == "" || voterID == "" {
		return fmt.Errorf("guild id, cycle key, and voter id are required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM ballots WHERE guild_id = ? AND cycle_key = ? AND voter_id = ?
`, guildID, cycleKey, voterID)
	if err != nil {
		return fmt.Errorf("remove ballot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove ballot rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClearBallots deletes every ballot in a cycle.
func (s *Store) ClearBallots(ctx context.Context, guildID, cycleKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	cycleKey = strings.TrimSpace(cycleKey)
	if guildID == "" || cycleKey == "" {
		return fmt.Errorf("guild id and cycle key are required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM ballots WHERE guild_id = ? AND cycle_key = ?
`, guildID, cycleKey); err != nil {
		return fmt.Errorf("clear ballots: %w", err)
	}
	return nil
}

// ListBallots lists a cycle's ballots in casting order.
func (s *Store) ListBallots(ctx context.Context, guildID, cycleKey string) ([]domain.Ballot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	guildID = strings.TrimSpace(guildID)
	cycleKey = strings.TrimSpace(cycleKey)
	if guildID == "" || cycleKey == "" {
		return nil, fmt.Errorf("guild id and cycle key are required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT guild_id, cycle_key, voter_id, team_name, cast_at
FROM ballots
WHERE guild_id = ? AND cycle_key = ?
ORDER BY cast_at ASC, voter_id ASC
`, guildID, cycleKey)
	if err != nil {
		return nil, fmt.Errorf("list ballots: %w", err)
	}
	defer rows.Close()

	var ballots []domain.Ballot
	for rows.Next() {
		var ballot domain.Ballot
		var castAt int64
		if err := rows.Scan(&ballot.GuildID, &ballot.CycleKey, &ballot.VoterID, &ballot.Team, &castAt); err != nil {
			return nil, fmt.Errorf("scan ballot row: %w", err)
		}
		ballot.CastAt = fromMillis(castAt)
		ballots = append(ballots, ballot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ballot rows: %w", err)
	}
	return ballots, nil
}

// TallyBallots counts cast ballots by team.
func (s *Store) TallyBallots(ctx context.Context, guildID, cycleKey string) (domain.Tally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	guildID = strings.TrimSpace(guildID)
	cycleKey = strings.TrimSpace(cycleKey)
	if guildID == "" || cycleKey == "" {
		return nil, fmt.Errorf("guild id and cycle key are required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT team_name, COUNT(1)
FROM ballots
WHERE guild_id = ? AND cycle_key = ?
GROUP BY team_name
`, guildID, cycleKey)
	if err != nil {
		return nil, fmt.Errorf("tally ballots: %w", err)
	}
	defer rows.Close()

	tally := domain.Tally{}
	for rows.Next() {
		var team string
		var count int
		if err := rows.Scan(&team, &count); err != nil {
			return nil, fmt.Errorf("scan tally row: %w", err)
		}
		tally[team] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tally rows: %w", err)
	}
	return tally, nil
}

// GetFaceOff loads a guild's tie-break state, zero-valued when absent.
func (s *Store) GetFaceOff(ctx context.Context, guildID string) (domain.FaceOff, error) {
	if err := ctx.Err(); err != nil {
		return domain.FaceOff{}, err
	}
	if err := s.ready(); err != nil {
		return domain.FaceOff{}, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return domain.FaceOff{}, fmt.Errorf("guild id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT guild_id, cycle_key, active, teams_json, deadline, started_at, resolved_at, winner
FROM face_offs
WHERE guild_id = ?
`, guildID)

	var faceOff domain.FaceOff
	var active int
	var teamsJSON string
	var deadline, startedAt, resolvedAt sql.NullInt64
	err := row.Scan(&faceOff.GuildID, &faceOff.CycleKey, &active, &teamsJSON, &deadline, &startedAt, &resolvedAt, &faceOff.Winner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FaceOff{GuildID: guildID}, nil
		}
		return domain.FaceOff{}, fmt.Errorf("get face-off: %w", err)
	}
	faceOff.Active = active == 1
	if err := json.Unmarshal([]byte(teamsJSON), &faceOff.Teams); err != nil {
		return domain.FaceOff{}, fmt.Errorf("decode face-off teams: %w", err)
	}
	faceOff.Deadline = timeFromNull(deadline)
	faceOff.StartedAt = timeFromNull(startedAt)
	faceOff.ResolvedAt = timeFromNull(resolvedAt)
	return faceOff, nil
}

// PutFaceOff upserts a guild's tie-break state.
func (s *Store) PutFaceOff(ctx context.Context, faceOff domain.FaceOff) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	faceOff.GuildID = strings.TrimSpace(faceOff.GuildID)
	if faceOff.GuildID == "" {
		return fmt.Errorf("guild id is required")
	}
	teams := faceOff.Teams
	if teams == nil {
		teams = []string{}
	}
	teamsJSON, err := json.Marshal(teams)
	if err != nil {
		return fmt.Errorf("encode face-off teams: %w", err)
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO face_offs (guild_id, cycle_key, active, teams_json, deadline, started_at, resolved_at, winner)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(guild_id) DO UPDATE SET
	cycle_key = excluded.cycle_key,
	active = excluded.active,
	teams_json = excluded.teams_json,
	deadline = excluded.deadline,
	started_at = excluded.started_at,
	resolved_at = excluded.resolved_at,
	winner = excluded.winner
`,
		faceOff.GuildID,
		strings.TrimSpace(faceOff.CycleKey),
		boolToInt(faceOff.Active),
		string(teamsJSON),
		nullMillis(faceOff.Deadline),
		nullMillis(faceOff.StartedAt),
		nullMillis(faceOff.ResolvedAt),
		strings.TrimSpace(faceOff.Winner),
	); err != nil {
		return fmt.Errorf("put face-off: %w", err)
	}
	return nil
}

// PutFaceOffBallot upserts one voter's tie-break ballot.
func (s *Store) PutFaceOffBallot(ctx context.Context, guildID, voterID, team string, castAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	voterID = strings.TrimSpace(voterID)
	team = strings.TrimSpace(team)
	if guildID == "" || voterID == "" || team == "" {
		return fmt.Errorf("guild id, voter id, and team are required")
	}
	if castAt.IsZero() {
		return fmt.Errorf("cast_at is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO face_off_ballots (guild_id, voter_id, team_name, cast_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(guild_id, voter_id) DO UPDATE SET
	team_name = excluded.team_name,
	cast_at = excluded.cast_at
`, guildID, voterID, team, toMillis(castAt)); err != nil {
		return fmt.Errorf("put face-off ballot: %w", err)
	}
	return nil
}

// FaceOffTally counts tie-break ballots by team.
func (s *Store) FaceOffTally(ctx context.Context, guildID string) (domain.Tally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT team_name, COUNT(1)
FROM face_off_ballots
WHERE guild_id = ?
GROUP BY team_name
`, guildID)
	if err != nil {
		return nil, fmt.Errorf("tally face-off ballots: %w", err)
	}
	defer rows.Close()

	tally := domain.Tally{}
	for rows.Next() {
		var team string
		var count int
		if err := rows.Scan(&team, &count); err != nil {
			return nil, fmt.Errorf("scan face-off tally row: %w", err)
		}
		tally[team] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate face-off tally rows: %w", err)
	}
	return tally, nil
}

// ClearFaceOffBallots deletes a guild's tie-break ballots.
func (s *Store) ClearFaceOffBallots(ctx context.Context, guildID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return fmt.Errorf("guild id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM face_off_ballots WHERE guild_id = ?
`, guildID); err != nil {
		return fmt.Errorf("clear face-off ballots: %w", err)
	}
	return nil
}

// EnqueueAction appends one command to the shared queue.
func (s *Store) EnqueueAction(ctx context.Context, action domain.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	action.ID = strings.TrimSpace(action.ID)
	action.GuildID = strings.TrimSpace(action.GuildID)
	if action.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if action.GuildID == "" {
		return fmt.Errorf("guild id is required")
	}
	if strings.TrimSpace(string(action.Kind)) == "" {
		return fmt.Errorf("action kind is required")
	}
	if action.EnqueuedAt.IsZero() {
		return fmt.Errorf("enqueued_at is required")
	}
	params := strings.TrimSpace(string(action.Params))
	if params == "" {
		params = "{}"
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_actions (id, guild_id, kind, params_json, status, enqueued_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		action.ID,
		action.GuildID,
		string(action.Kind),
		params,
		string(domain.ActionStatusPending),
		toMillis(action.EnqueuedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("enqueue action: %w", err)
	}
	return nil
}

// ClaimPendingActions atomically claims up to limit queued commands for
// processing, oldest first, including stale claims left by a crashed
// pass.
func (s *Store) ClaimPendingActions(ctx context.Context, guildID string, limit int, now time.Time) ([]domain.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if now.IsZero() {
		return nil, fmt.Errorf("now is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin action claim: %w", err)
	}
	rollbackWith := func(cause error) ([]domain.Action, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, fmt.Errorf("%w: rollback action claim: %v", cause, rollbackErr)
		}
		return nil, cause
	}

	staleBefore := toMillis(now.Add(-reclaimProcessingAfter))
	rows, err := tx.QueryContext(ctx, `
SELECT id, guild_id, kind, params_json, enqueued_at
FROM pending_actions
WHERE guild_id = ?
  AND (status = ? OR (status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?))
ORDER BY enqueued_at ASC, id ASC
LIMIT ?
`, guildID, string(domain.ActionStatusPending), string(domain.ActionStatusProcessing), staleBefore, limit)
	if err != nil {
		return rollbackWith(fmt.Errorf("select pending actions: %w", err))
	}

	actions := make([]domain.Action, 0, limit)
	for rows.Next() {
		var action domain.Action
		var params string
		var enqueuedAt int64
		if err := rows.Scan(&action.ID, &action.GuildID, &action.Kind, &params, &enqueuedAt); err != nil {
			_ = rows.Close()
			return rollbackWith(fmt.Errorf("scan pending action row: %w", err))
		}
		action.Params = json.RawMessage(params)
		action.Status = domain.ActionStatusProcessing
		action.EnqueuedAt = fromMillis(enqueuedAt)
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return rollbackWith(fmt.Errorf("iterate pending action rows: %w", err))
	}
	if err := rows.Close(); err != nil {
		return rollbackWith(fmt.Errorf("close pending action rows: %w", err))
	}

	claimedAt := toMillis(now)
	for _, action := range actions {
		if _, err := tx.ExecContext(ctx, `
UPDATE pending_actions SET status = ?, claimed_at = ? WHERE id = ?
`, string(domain.ActionStatusProcessing), claimedAt, action.ID); err != nil {
			return rollbackWith(fmt.Errorf("claim action %s: %w", action.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit action claim: %w", err)
	}
	return actions, nil
}

// CompleteAction finalizes a claimed command and records its result.
// The queue row may be absent for commands pulled over HTTP; the result
// row is written either way.
func (s *Store) CompleteAction(ctx context.Context, result domain.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	result.ID = strings.TrimSpace(result.ID)
	result.GuildID = strings.TrimSpace(result.GuildID)
	if result.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if result.GuildID == "" {
		return fmt.Errorf("guild id is required")
	}
	if result.Status != domain.ResultCompleted && result.Status != domain.ResultFailed {
		return fmt.Errorf("result status %q is not terminal", result.Status)
	}
	if result.ProcessedAt.IsZero() {
		return fmt.Errorf("processed_at is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin action completion: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback action completion: %v", cause, rollbackErr)
		}
		return cause
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE pending_actions SET status = ?, claimed_at = NULL WHERE id = ?
`, string(result.Status), result.ID); err != nil {
		return rollbackWith(fmt.Errorf("finalize pending action: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO action_results (action_id, guild_id, status, error, processed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(action_id) DO UPDATE SET
	guild_id = excluded.guild_id,
	status = excluded.status,
	error = excluded.error,
	processed_at = excluded.processed_at
`,
		result.ID,
		result.GuildID,
		string(result.Status),
		strings.TrimSpace(result.Error),
		toMillis(result.ProcessedAt),
	); err != nil {
		return rollbackWith(fmt.Errorf("record action result: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit action completion: %w", err)
	}
	return nil
}

// ListResults lists a guild's command results newest first.
func (s *Store) ListResults(ctx context.Context, guildID string, limit int) ([]domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT action_id, guild_id, status, error, processed_at
FROM action_results
WHERE guild_id = ?
ORDER BY processed_at DESC, action_id DESC
LIMIT ?
`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("list action results: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Result, 0, limit)
	for rows.Next() {
		var result domain.Result
		var processedAt int64
		if err := rows.Scan(&result.ID, &result.GuildID, &result.Status, &result.Error, &processedAt); err != nil {
			return nil, fmt.Errorf("scan action result row: %w", err)
		}
		result.ProcessedAt = fromMillis(processedAt)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action result rows: %w", err)
	}
	return results, nil
}

// PutSnapshot upserts the guild's latest outward status view.
func (s *Store) PutSnapshot(ctx context.Context, guildID string, snapshot domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return fmt.Errorf("guild id is required")
	}
	if snapshot.LastUpdated.IsZero() {
		return fmt.Errorf("last_updated is required")
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (guild_id, snapshot_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(guild_id) DO UPDATE SET
	snapshot_json = excluded.snapshot_json,
	updated_at = excluded.updated_at
`, guildID, string(raw), toMillis(snapshot.LastUpdated)); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads the guild's latest outward status view.
func (s *Store) GetSnapshot(ctx context.Context, guildID string) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Snapshot{}, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return domain.Snapshot{}, fmt.Errorf("guild id is required")
	}

	var raw string
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT snapshot_json FROM snapshots WHERE guild_id = ?
`, guildID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Snapshot{}, storage.ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}

	var snapshot domain.Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// GetConfirmation loads the guild's pending confirmation.
func (s *Store) GetConfirmation(ctx context.Context, guildID string) (domain.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Confirmation{}, err
	}
	if err := s.ready(); err != nil {
		return domain.Confirmation{}, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return domain.Confirmation{}, fmt.Errorf("guild id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT guild_id, cycle_key, intent, token, requested_at, deadline, decision
FROM confirmations
WHERE guild_id = ?
`, guildID)

	var confirmation domain.Confirmation
	var requestedAt, deadline int64
	err := row.Scan(
		&confirmation.GuildID,
		&confirmation.CycleKey,
		&confirmation.Intent,
		&confirmation.Token,
		&requestedAt,
		&deadline,
		&confirmation.Decision,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Confirmation{}, storage.ErrNotFound
		}
		return domain.Confirmation{}, fmt.Errorf("get confirmation: %w", err)
	}
	confirmation.RequestedAt = fromMillis(requestedAt)
	confirmation.Deadline = fromMillis(deadline)
	return confirmation, nil
}

// PutConfirmation upserts the guild's pending confirmation.
func (s *Store) PutConfirmation(ctx context.Context, confirmation domain.Confirmation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	confirmation.GuildID = strings.TrimSpace(confirmation.GuildID)
	if confirmation.GuildID == "" {
		return fmt.Errorf("guild id is required")
	}
	if strings.TrimSpace(string(confirmation.Intent)) == "" {
		return fmt.Errorf("intent is required")
	}
	if confirmation.RequestedAt.IsZero() || confirmation.Deadline.IsZero() {
		return fmt.Errorf("requested_at and deadline are required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO confirmations (guild_id, cycle_key, intent, token, requested_at, deadline, decision)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(guild_id) DO UPDATE SET
	cycle_key = excluded.cycle_key,
	intent = excluded.intent,
	token = excluded.token,
	requested_at = excluded.requested_at,
	deadline = excluded.deadline,
	decision = excluded.decision
`,
		confirmation.GuildID,
		strings.TrimSpace(confirmation.CycleKey),
		string(confirmation.Intent),
		strings.TrimSpace(confirmation.Token),
		toMillis(confirmation.RequestedAt),
		toMillis(confirmation.Deadline),
		string(confirmation.Decision),
	); err != nil {
		return fmt.Errorf("put confirmation: %w", err)
	}
	return nil
}

// ClearConfirmation removes the guild's pending confirmation.
func (s *Store) ClearConfirmation(ctx context.Context, guildID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return fmt.Errorf("guild id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM confirmations WHERE guild_id = ?
`, guildID); err != nil {
		return fmt.Errorf("clear confirmation: %w", err)
	}
	return nil
}

// AppendAuditEvent records one state-change event.
func (s *Store) AppendAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	event.ID = strings.TrimSpace(event.ID)
	event.GuildID = strings.TrimSpace(event.GuildID)
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.GuildID == "" {
		return fmt.Errorf("guild id is required")
	}
	if strings.TrimSpace(event.Kind) == "" {
		return fmt.Errorf("event kind is required")
	}
	if event.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_events (id, guild_id, source, kind, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		event.ID,
		event.GuildID,
		string(event.Source),
		event.Kind,
		strings.TrimSpace(event.Detail),
		toMillis(event.CreatedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// PutBackupDocument stores the guild's latest encoded backup document,
// replacing any earlier one.
func (s *Store) PutBackupDocument(ctx context.Context, guildID string, document []byte, createdAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return fmt.Errorf("guild id is required")
	}
	if len(document) == 0 {
		return fmt.Errorf("backup document is required")
	}
	if createdAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO backup_documents (guild_id, document, created_at)
VALUES (?, ?, ?)
ON CONFLICT(guild_id) DO UPDATE SET
	document = excluded.document,
	created_at = excluded.created_at
`, guildID, string(document), toMillis(createdAt)); err != nil {
		return fmt.Errorf("put backup document: %w", err)
	}
	return nil
}

// GetBackupDocument loads the guild's latest encoded backup document.
func (s *Store) GetBackupDocument(ctx context.Context, guildID string) ([]byte, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	if err := s.ready(); err != nil {
		return nil, time.Time{}, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return nil, time.Time{}, fmt.Errorf("guild id is required")
	}

	var document string
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT document, created_at FROM backup_documents WHERE guild_id = ?
`, guildID).Scan(&document, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, storage.ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("get backup document: %w", err)
	}
	return []byte(document), fromMillis(createdAt), nil
}

// ListAuditEvents lists a guild's audit trail newest first.
func (s *Store) ListAuditEvents(ctx context.Context, guildID string, limit int) ([]domain.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return nil, fmt.Errorf("guild id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, guild_id, source, kind, detail, created_at
FROM audit_events
WHERE guild_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0, limit)
	for rows.Next() {
		var event domain.AuditEvent
		var createdAt int64
		if err := rows.Scan(&event.ID, &event.GuildID, &event.Source, &event.Kind, &event.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}
		event.CreatedAt = fromMillis(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit event rows: %w", err)
	}
	return events, nil
}

type scanner func(dest ...any) error

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func normalizeCycle(cycle domain.Cycle) (domain.Cycle, error) {
	cycle.GuildID = strings.TrimSpace(cycle.GuildID)
	cycle.Key = strings.TrimSpace(cycle.Key)
	cycle.Theme = strings.TrimSpace(cycle.Theme)
	cycle.WinnerTeam = strings.TrimSpace(cycle.WinnerTeam)
	cycle.LastToken = strings.TrimSpace(cycle.LastToken)
	if cycle.GuildID == "" {
		return domain.Cycle{}, fmt.Errorf("guild id is required")
	}
	if cycle.Key == "" {
		return domain.Cycle{}, fmt.Errorf("cycle key is required")
	}
	if !cycle.Phase.Valid() {
		return domain.Cycle{}, fmt.Errorf("phase %q is not valid", cycle.Phase)
	}
	if cycle.StartedAt.IsZero() {
		return domain.Cycle{}, fmt.Errorf("started_at is required")
	}
	if cycle.UpdatedAt.IsZero() {
		return domain.Cycle{}, fmt.Errorf("updated_at is required")
	}
	cycle.StartedAt = cycle.StartedAt.UTC()
	cycle.UpdatedAt = cycle.UpdatedAt.UTC()
	return cycle, nil
}

func putCycleExec(ctx context.Context, execer sqlExecer, cycle domain.Cycle) error {
	_, err := execer.ExecContext(ctx, `
INSERT INTO cycles (
	guild_id, cycle_key, theme, phase, week_cancelled, winner_announced, winner_team, last_token, archived, started_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(guild_id, cycle_key) DO UPDATE SET
	theme = excluded.theme,
	phase = excluded.phase,
	week_cancelled = excluded.week_cancelled,
	winner_announced = excluded.winner_announced,
	winner_team = excluded.winner_team,
	last_token = excluded.last_token,
	archived = 0,
	started_at = excluded.started_at,
	updated_at = excluded.updated_at
`,
		cycle.GuildID,
		cycle.Key,
		cycle.Theme,
		string(cycle.Phase),
		boolToInt(cycle.WeekCancelled),
		boolToInt(cycle.WinnerAnnounced),
		cycle.WinnerTeam,
		cycle.LastToken,
		toMillis(cycle.StartedAt),
		toMillis(cycle.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put cycle: %w", err)
	}
	return nil
}

func scanSettings(scan scanner) (domain.Settings, error) {
	var settings domain.Settings
	var biweekly, safeMode, confirmationRequired, automationEnabled int
	var timeoutSeconds int64
	var updatedAt int64
	if err := scan(
		&settings.GuildID,
		&biweekly,
		&settings.MinTeams,
		&safeMode,
		&confirmationRequired,
		&timeoutSeconds,
		&automationEnabled,
		&settings.NextTheme,
		&updatedAt,
	); err != nil {
		return domain.Settings{}, err
	}
	settings.BiweeklyMode = biweekly == 1
	settings.SafeMode = safeMode == 1
	settings.ConfirmationRequired = confirmationRequired == 1
	settings.AutomationEnabled = automationEnabled == 1
	settings.ConfirmationTimeout = time.Duration(timeoutSeconds) * time.Second
	settings.UpdatedAt = fromMillis(updatedAt)
	return settings, nil
}

func scanCycle(scan scanner) (domain.Cycle, error) {
	var cycle domain.Cycle
	var weekCancelled, winnerAnnounced int
	var startedAt, updatedAt int64
	if err := scan(
		&cycle.GuildID,
		&cycle.Key,
		&cycle.Theme,
		&cycle.Phase,
		&weekCancelled,
		&winnerAnnounced,
		&cycle.WinnerTeam,
		&cycle.LastToken,
		&startedAt,
		&updatedAt,
	); err != nil {
		return domain.Cycle{}, err
	}
	cycle.WeekCancelled = weekCancelled == 1
	cycle.WinnerAnnounced = winnerAnnounced == 1
	cycle.StartedAt = fromMillis(startedAt)
	cycle.UpdatedAt = fromMillis(updatedAt)
	return cycle, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
