package maintenance

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage"
)

// fakeStore backs the CLI's storage surface with in-memory maps.
type fakeStore struct {
	settings map[string]domain.Settings
	active   map[string]domain.Cycle
	archived []domain.Cycle
	teams    map[string][]domain.Team
	ballots  map[string][]domain.Ballot
	faceOffs map[string]domain.FaceOff
	foVotes  map[string]domain.Tally
	confirms map[string]domain.Confirmation
	audits   []domain.AuditEvent

	closeErr error
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settings: make(map[string]domain.Settings),
		active:   make(map[string]domain.Cycle),
		teams:    make(map[string][]domain.Team),
		ballots:  make(map[string][]domain.Ballot),
		faceOffs: make(map[string]domain.FaceOff),
		foVotes:  make(map[string]domain.Tally),
		confirms: make(map[string]domain.Confirmation),
	}
}

func scopeKey(guildID, cycleKey string) string { return guildID + "|" + cycleKey }

func (f *fakeStore) GetSettings(_ context.Context, guildID string) (domain.Settings, error) {
	settings, ok := f.settings[guildID]
	if !ok {
		return domain.Settings{}, storage.ErrNotFound
	}
	return settings, nil
}

func (f *fakeStore) PutSettings(_ context.Context, settings domain.Settings) error {
	f.settings[settings.GuildID] = settings
	return nil
}

func (f *fakeStore) GetActiveCycle(_ context.Context, guildID string) (domain.Cycle, error) {
	cycle, ok := f.active[guildID]
	if !ok {
		return domain.Cycle{}, storage.ErrNotFound
	}
	return cycle, nil
}

func (f *fakeStore) PutCycle(_ context.Context, cycle domain.Cycle) error {
	f.active[cycle.GuildID] = cycle
	return nil
}

func (f *fakeStore) UpdateCycleGuarded(_ context.Context, cycle domain.Cycle, expectToken string) error {
	current, ok := f.active[cycle.GuildID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Key != cycle.Key || current.LastToken != expectToken {
		return storage.ErrTokenConflict
	}
	f.active[cycle.GuildID] = cycle
	return nil
}

func (f *fakeStore) ReplaceActiveCycle(_ context.Context, cycle domain.Cycle) error {
	if current, ok := f.active[cycle.GuildID]; ok {
		f.archived = append(f.archived, current)
	}
	f.active[cycle.GuildID] = cycle
	return nil
}

func (f *fakeStore) ListArchivedCycles(_ context.Context, guildID string, limit int) ([]domain.Cycle, error) {
	var out []domain.Cycle
	for _, cycle := range f.archived {
		if cycle.GuildID == guildID && len(out) < limit {
			out = append(out, cycle)
		}
	}
	return out, nil
}

func (f *fakeStore) PutTeam(_ context.Context, team domain.Team) error {
	key := scopeKey(team.GuildID, team.CycleKey)
	f.teams[key] = append(f.teams[key], team)
	return nil
}

func (f *fakeStore) RemoveTeam(_ context.Context, guildID, cycleKey, name string) error {
	key := scopeKey(guildID, cycleKey)
	var kept []domain.Team
	for _, team := range f.teams[key] {
		if !strings.EqualFold(team.Name, name) {
			kept = append(kept, team)
		}
	}
	f.teams[key] = kept
	return nil
}

func (f *fakeStore) ClearTeams(_ context.Context, guildID, cycleKey string) error {
	delete(f.teams, scopeKey(guildID, cycleKey))
	return nil
}

func (f *fakeStore) ListTeams(_ context.Context, guildID, cycleKey string) ([]domain.Team, error) {
	return f.teams[scopeKey(guildID, cycleKey)], nil
}

func (f *fakeStore) CountTeams(_ context.Context, guildID, cycleKey string) (int, error) {
	return len(f.teams[scopeKey(guildID, cycleKey)]), nil
}

func (f *fakeStore) PutBallot(_ context.Context, ballot domain.Ballot) error {
	key := scopeKey(ballot.GuildID, ballot.CycleKey)
	kept := f.ballots[key][:0]
	for _, existing := range f.ballots[key] {
		if existing.VoterID != ballot.VoterID {
			kept = append(kept, existing)
		}
	}
	f.ballots[key] = append(kept, ballot)
	return nil
}

func (f *fakeStore) RemoveBallot(_ context.Context, guildID, cycleKey, voterID string) error {
	key := scopeKey(guildID, cycleKey)
	var kept []domain.Ballot
	for _, ballot := range f.ballots[key] {
		if ballot.VoterID != voterID {
			kept = append(kept, ballot)
		}
	}
	f.ballots[key] = kept
	return nil
}

func (f *fakeStore) ClearBallots(_ context.Context, guildID, cycleKey string) error {
	delete(f.ballots, scopeKey(guildID, cycleKey))
	return nil
}

func (f *fakeStore) ListBallots(_ context.Context, guildID, cycleKey string) ([]domain.Ballot, error) {
	return f.ballots[scopeKey(guildID, cycleKey)], nil
}

func (f *fakeStore) TallyBallots(_ context.Context, guildID, cycleKey string) (domain.Tally, error) {
	tally := make(domain.Tally)
	for _, ballot := range f.ballots[scopeKey(guildID, cycleKey)] {
		tally[ballot.Team]++
	}
	return tally, nil
}

func (f *fakeStore) GetFaceOff(_ context.Context, guildID string) (domain.FaceOff, error) {
	return f.faceOffs[guildID], nil
}

func (f *fakeStore) PutFaceOff(_ context.Context, faceOff domain.FaceOff) error {
	f.faceOffs[faceOff.GuildID] = faceOff
	return nil
}

func (f *fakeStore) PutFaceOffBallot(_ context.Context, guildID, _, team string, _ time.Time) error {
	tally := f.foVotes[guildID]
	if tally == nil {
		tally = make(domain.Tally)
		f.foVotes[guildID] = tally
	}
	tally[team]++
	return nil
}

func (f *fakeStore) FaceOffTally(_ context.Context, guildID string) (domain.Tally, error) {
	return f.foVotes[guildID], nil
}

func (f *fakeStore) ClearFaceOffBallots(_ context.Context, guildID string) error {
	delete(f.foVotes, guildID)
	return nil
}

func (f *fakeStore) GetConfirmation(_ context.Context, guildID string) (domain.Confirmation, error) {
	confirmation, ok := f.confirms[guildID]
	if !ok {
		return domain.Confirmation{}, storage.ErrNotFound
	}
	return confirmation, nil
}

func (f *fakeStore) PutConfirmation(_ context.Context, confirmation domain.Confirmation) error {
	f.confirms[confirmation.GuildID] = confirmation
	return nil
}

func (f *fakeStore) ClearConfirmation(_ context.Context, guildID string) error {
	delete(f.confirms, guildID)
	return nil
}

func (f *fakeStore) AppendAuditEvent(_ context.Context, event domain.AuditEvent) error {
	f.audits = append(f.audits, event)
	return nil
}

func (f *fakeStore) ListAuditEvents(_ context.Context, guildID string, limit int) ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	for _, event := range f.audits {
		if event.GuildID == guildID && len(out) < limit {
			out = append(out, event)
		}
	}
	return out, nil
}

func (f *fakeStore) ListGuildIDs(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for id := range f.settings {
		seen[id] = true
	}
	for id := range f.active {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return f.closeErr
}
