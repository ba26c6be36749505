// Package scheduler drives the timed competition transitions: it ticks
// on a fixed cadence, evaluates every registered guild against the
// wall clock, and applies at most one token-gated transition per guild
// per tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evanmarey/bandstand/internal/platform/id"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/tenants"
)

// DefaultTickInterval is the scheduler cadence. Transitions key off the
// hour, so ticking faster only burns reads.
const DefaultTickInterval = time.Hour

// Store is the persistence surface the scheduler evaluates and writes.
type Store interface {
	storage.SettingsStore
	storage.CycleStore
	storage.TeamStore
	storage.BallotStore
	storage.FaceOffStore
	storage.ConfirmationStore
	storage.AuditStore
}

// Directory lists the guilds a pass walks.
type Directory interface {
	Active() []tenants.Tenant
}

// Scheduler evaluates and applies timed transitions for all guilds.
type Scheduler struct {
	store    Store
	guilds   Directory
	notifier domain.Notifier
	faceOffs *domain.FaceOffController
	interval time.Duration
	clock    func() time.Time
	newID    func() (string, error)
	logf     func(format string, args ...any)
	tracer   trace.Tracer
}

// Options tunes scheduler construction. Zero values fall back to
// defaults.
type Options struct {
	// TickInterval overrides the hourly cadence, mainly for tests.
	TickInterval time.Duration
	// Clock overrides wall-clock time.
	Clock func() time.Time
	// NewID overrides audit event ID generation.
	NewID func() (string, error)
	// Logf overrides the log sink.
	Logf func(format string, args ...any)
}

// New constructs the scheduler loop.
func New(store Store, guilds Directory, notifier domain.Notifier, faceOffs *domain.FaceOffController, opts Options) *Scheduler {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = id.NewID
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Scheduler{
		store:    store,
		guilds:   guilds,
		notifier: notifier,
		faceOffs: faceOffs,
		interval: interval,
		clock:    clock,
		newID:    newID,
		logf:     logf,
		tracer:   otel.Tracer("bandstand/orchestrator/scheduler"),
	}
}

// Run ticks until the context ends. The first pass runs immediately so
// a restart does not wait out a full interval before re-checking
// persisted deadlines.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.store == nil {
		return domain.ErrStoreNotConfigured
	}
	if s.guilds == nil {
		return fmt.Errorf("guild directory is required")
	}

	s.RunPass(ctx, s.clock())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunPass(ctx, s.clock())
		}
	}
}

// RunPass evaluates every active guild once at the given instant. A
// guild's failure is logged and never aborts the rest of the pass.
func (s *Scheduler) RunPass(ctx context.Context, now time.Time) {
	now = now.UTC()
	ctx, span := s.tracer.Start(ctx, "scheduler.pass")
	defer span.End()

	active := s.guilds.Active()
	span.SetAttributes(attribute.Int("bandstand.guild_count", len(active)))

	for _, tenant := range active {
		if ctx.Err() != nil {
			return
		}
		if err := s.runGuild(ctx, tenant, now); err != nil {
			s.logf("scheduler: guild %s: %v", tenant.GuildID, err)
		}
	}
}

// runGuild evaluates one guild, shielding the pass from panics in any
// single guild's handling.
func (s *Scheduler) runGuild(ctx context.Context, tenant tenants.Tenant, now time.Time) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()

	view, err := s.loadView(ctx, tenant.GuildID, now)
	if err != nil {
		return err
	}

	held, err := s.settlePendingConfirmation(ctx, tenant, view, now)
	if err != nil || held {
		return err
	}

	transition, ok := domain.Evaluate(now, view)
	if !ok {
		return nil
	}

	if s.requiresConfirmation(view.Settings, transition) {
		return s.requestConfirmation(ctx, tenant, view, transition, now)
	}

	return s.apply(ctx, tenant, view, transition, now)
}

// loadView assembles the guild's schedule view. Missing records load as
// zero values so a fresh guild evaluates like any other.
func (s *Scheduler) loadView(ctx context.Context, guildID string, now time.Time) (domain.ScheduleView, error) {
	settings, err := s.store.GetSettings(ctx, guildID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return domain.ScheduleView{}, fmt.Errorf("load settings: %w", err)
		}
		settings = domain.DefaultSettings(guildID)
	}
	settings = settings.Normalize()

	cycle, err := s.store.GetActiveCycle(ctx, guildID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return domain.ScheduleView{}, fmt.Errorf("load active cycle: %w", err)
		}
		cycle = domain.Cycle{GuildID: guildID}
	}

	faceOff, err := s.store.GetFaceOff(ctx, guildID)
	if err != nil {
		return domain.ScheduleView{}, fmt.Errorf("load face-off: %w", err)
	}

	teamCount := 0
	if cycle.Key != "" {
		teamCount, err = s.store.CountTeams(ctx, guildID, cycle.Key)
		if err != nil {
			return domain.ScheduleView{}, fmt.Errorf("count teams: %w", err)
		}
	}

	return domain.ScheduleView{
		Settings:     settings,
		Cycle:        cycle,
		FaceOff:      faceOff,
		TeamCount:    teamCount,
		ThemePending: strings.TrimSpace(settings.NextTheme) != "",
	}, nil
}

// settlePendingConfirmation resolves the guild's held transition, if
// any. It reports held=true when scheduling must stay paused this tick:
// either the answer window is still open, or the held transition was
// settled and nothing further should fire in the same pass.
func (s *Scheduler) settlePendingConfirmation(ctx context.Context, tenant tenants.Tenant, view domain.ScheduleView, now time.Time) (held bool, err error) {
	confirmation, err := s.store.GetConfirmation(ctx, tenant.GuildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load confirmation: %w", err)
	}

	// A confirmation from an earlier cycle can no longer apply.
	if confirmation.CycleKey != view.Cycle.Key {
		return false, s.clearConfirmation(ctx, tenant.GuildID)
	}

	switch {
	case confirmation.Decision == domain.DecisionDeny:
		// Record the token so the denied transition stops re-emitting;
		// the week then rides out its remaining days untouched.
		cycle := view.Cycle
		cycle.LastToken = confirmation.Token
		cycle.UpdatedAt = now
		if err := s.store.UpdateCycleGuarded(ctx, cycle, view.Cycle.LastToken); err != nil && !errors.Is(err, storage.ErrTokenConflict) {
			return true, fmt.Errorf("record denied transition: %w", err)
		}
		s.audit(ctx, tenant.GuildID, "confirmation_denied", string(confirmation.Intent), now)
		return true, s.clearConfirmation(ctx, tenant.GuildID)

	case confirmation.Decision == domain.DecisionApprove || confirmation.Expired(now):
		transition := domain.Transition{Intent: confirmation.Intent, Token: confirmation.Token}
		if err := s.apply(ctx, tenant, view, transition, now); err != nil {
			return true, err
		}
		return true, s.clearConfirmation(ctx, tenant.GuildID)

	default:
		return true, nil
	}
}

func (s *Scheduler) clearConfirmation(ctx context.Context, guildID string) error {
	if err := s.store.ClearConfirmation(ctx, guildID); err != nil {
		return fmt.Errorf("clear confirmation: %w", err)
	}
	return nil
}

// requiresConfirmation reports whether the transition must wait for
// operator sign-off instead of applying immediately. Only the week
// cancellation is gated; every other transition is reversible enough to
// proceed.
func (s *Scheduler) requiresConfirmation(settings domain.Settings, transition domain.Transition) bool {
	return settings.ConfirmationRequired && transition.Intent == domain.IntentCancelLowParticipation
}

// requestConfirmation persists the held transition with its answer
// deadline and asks the operator. The deadline is a stored timestamp,
// so a restart re-arms the wait instead of dropping it.
func (s *Scheduler) requestConfirmation(ctx context.Context, tenant tenants.Tenant, view domain.ScheduleView, transition domain.Transition, now time.Time) error {
	confirmation := domain.Confirmation{
		GuildID:     tenant.GuildID,
		CycleKey:    view.Cycle.Key,
		Intent:      transition.Intent,
		Token:       transition.Token,
		RequestedAt: now,
		Deadline:    now.Add(view.Settings.ConfirmationTimeout),
	}
	if err := s.store.PutConfirmation(ctx, confirmation); err != nil {
		return fmt.Errorf("persist confirmation: %w", err)
	}
	s.announce(ctx, tenant.GuildID, domain.AnnouncementCancelPending,
		fmt.Sprintf("Only %d team(s) entered this week. Cancel the week? The cancellation proceeds in %s without an answer.",
			view.TeamCount, view.Settings.ConfirmationTimeout))
	s.audit(ctx, tenant.GuildID, "confirmation_requested", string(transition.Intent), now)
	return nil
}

// apply executes one transition against the store. Every cycle write is
// token-gated: losing the guard to a concurrent writer is logged and
// dropped, never retried blindly, and a dropped write announces and
// audits nothing.
func (s *Scheduler) apply(ctx context.Context, tenant tenants.Tenant, view domain.ScheduleView, transition domain.Transition, now time.Time) error {
	guildID := tenant.GuildID

	var applied bool
	var err error
	switch transition.Intent {
	case domain.IntentStartSubmission:
		applied, err = s.startSubmission(ctx, guildID, view, transition, now)
	case domain.IntentStartVoting:
		applied, err = s.updateCycle(ctx, view, transition, now, func(cycle *domain.Cycle) {
			cycle.Phase = domain.PhaseVoting
		})
		if applied {
			s.announce(ctx, guildID, domain.AnnouncementVotingOpen,
				fmt.Sprintf("Submissions are closed. Voting is open for %q until Sunday evening.", view.Cycle.Theme))
		}
	case domain.IntentCancelLowParticipation:
		applied, err = s.updateCycle(ctx, view, transition, now, func(cycle *domain.Cycle) {
			cycle.Phase = domain.PhaseCancelled
			cycle.WeekCancelled = true
		})
		if applied {
			s.announce(ctx, guildID, domain.AnnouncementWeekCancelled,
				fmt.Sprintf("This week is cancelled: %d team(s) entered, %d needed. A fresh week starts Monday.",
					view.TeamCount, view.Settings.MinTeams))
		}
	case domain.IntentReminderSubmission:
		applied, err = s.updateCycle(ctx, view, transition, now, nil)
		if applied {
			s.announce(ctx, guildID, domain.AnnouncementReminderSubmission,
				"Submissions close Friday noon. Get your entries in.")
		}
	case domain.IntentReminderVoting:
		applied, err = s.updateCycle(ctx, view, transition, now, nil)
		if applied {
			s.announce(ctx, guildID, domain.AnnouncementReminderVoting,
				"Voting closes Sunday evening. Cast your ballot.")
		}
	case domain.IntentAnnounceWinner:
		applied, err = s.announceWinner(ctx, guildID, view, transition, now)
	case domain.IntentGenerateTheme:
		applied, err = s.updateCycle(ctx, view, transition, now, nil)
		if applied {
			s.announce(ctx, guildID, domain.AnnouncementThemeRequest,
				"Next week needs a theme. Reply with suggestions or set one from the panel.")
		}
	case domain.IntentResolveFaceOff:
		applied, err = s.resolveFaceOff(ctx, guildID, view, transition, now)
	case domain.IntentForceInactive:
		applied, err = s.forceInactive(ctx, guildID, transition, now)
	default:
		return fmt.Errorf("transition %q has no handler", transition.Intent)
	}

	if err != nil {
		return fmt.Errorf("apply %s: %w", transition.Intent, err)
	}
	if applied {
		s.audit(ctx, guildID, string(transition.Intent), transition.Token, now)
	}
	return nil
}

// updateCycle writes the transition token and any extra mutation onto
// the active cycle in one guarded update. It reports whether the write
// landed; a token conflict means another writer got there first.
func (s *Scheduler) updateCycle(ctx context.Context, view domain.ScheduleView, transition domain.Transition, now time.Time, mutate func(*domain.Cycle)) (bool, error) {
	cycle := view.Cycle
	if mutate != nil {
		mutate(&cycle)
	}
	cycle.LastToken = transition.Token
	cycle.UpdatedAt = now

	err := s.store.UpdateCycleGuarded(ctx, cycle, view.Cycle.LastToken)
	if errors.Is(err, storage.ErrTokenConflict) {
		s.logf("scheduler: guild %s: %s superseded by a concurrent transition", cycle.GuildID, transition.Intent)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// startSubmission rolls the guild into a fresh cycle, consuming the
// queued theme and any face-off resolution stamp.
func (s *Scheduler) startSubmission(ctx context.Context, guildID string, view domain.ScheduleView, transition domain.Transition, now time.Time) (bool, error) {
	theme := strings.TrimSpace(view.Settings.NextTheme)
	cycle := domain.Cycle{
		GuildID:   guildID,
		Key:       domain.CycleKeyAt(now),
		Theme:     theme,
		Phase:     domain.PhaseSubmission,
		LastToken: transition.Token,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.ReplaceActiveCycle(ctx, cycle); err != nil {
		return false, err
	}

	if theme != "" {
		settings := view.Settings
		settings.NextTheme = ""
		settings.UpdatedAt = now
		if err := s.store.PutSettings(ctx, settings); err != nil {
			return true, fmt.Errorf("consume queued theme: %w", err)
		}
	}

	// Consume the resolution stamp so the day-after deferral is one-shot.
	if !view.FaceOff.ResolvedAt.IsZero() {
		if err := s.store.PutFaceOff(ctx, domain.FaceOff{GuildID: guildID}); err != nil {
			return true, fmt.Errorf("clear face-off stamp: %w", err)
		}
	}

	text := "A new week is open. Submit your entries."
	if theme != "" {
		text = fmt.Sprintf("A new week is open. This week's theme: %q. Submit your entries.", theme)
	}
	s.announce(ctx, guildID, domain.AnnouncementSubmissionOpen, text)
	return true, nil
}

// announceWinner tallies the cycle and either publishes a unique winner
// or opens a tie-break. Teams without ballots count at zero, so an
// untouched vote resolves as a tie across every entrant.
func (s *Scheduler) announceWinner(ctx context.Context, guildID string, view domain.ScheduleView, transition domain.Transition, now time.Time) (bool, error) {
	teams, err := s.store.ListTeams(ctx, guildID, view.Cycle.Key)
	if err != nil {
		return false, fmt.Errorf("list teams: %w", err)
	}
	tally, err := s.store.TallyBallots(ctx, guildID, view.Cycle.Key)
	if err != nil {
		return false, fmt.Errorf("tally ballots: %w", err)
	}
	scoped := make(domain.Tally, len(teams))
	for _, team := range teams {
		scoped[team.Name] = tally[team.Name]
	}

	winners, tie := domain.ResolveWinners(scoped)
	switch {
	case len(winners) == 0:
		applied, err := s.updateCycle(ctx, view, transition, now, func(cycle *domain.Cycle) {
			cycle.Phase = domain.PhaseCancelled
			cycle.WeekCancelled = true
		})
		if applied {
			s.announce(ctx, guildID, domain.AnnouncementWeekCancelled,
				"The week closed with no entries left to rank, so no winner is declared.")
		}
		return applied, err

	case tie:
		if s.faceOffs == nil {
			return false, fmt.Errorf("tie between %s with no face-off controller", strings.Join(winners, ", "))
		}
		if _, err := s.faceOffs.Begin(ctx, guildID, view.Cycle.Key, winners); err != nil {
			return false, fmt.Errorf("begin face-off: %w", err)
		}
		// The cycle keeps voting; only the token advances so Sunday
		// ticks stop re-announcing while the tie-break runs.
		return s.updateCycle(ctx, view, transition, now, nil)

	default:
		winner := winners[0]
		applied, err := s.updateCycle(ctx, view, transition, now, func(cycle *domain.Cycle) {
			cycle.Phase = domain.PhaseEnded
			cycle.WinnerAnnounced = true
			cycle.WinnerTeam = winner
		})
		if applied {
			s.announce(ctx, guildID, domain.AnnouncementWinner,
				fmt.Sprintf("The votes are in: %s wins the week with %d vote(s).", winner, scoped[winner]))
		}
		return applied, err
	}
}

// resolveFaceOff settles a due tie-break and publishes its winner onto
// the cycle that tied.
func (s *Scheduler) resolveFaceOff(ctx context.Context, guildID string, view domain.ScheduleView, transition domain.Transition, now time.Time) (bool, error) {
	if s.faceOffs == nil {
		return false, fmt.Errorf("no face-off controller configured")
	}
	faceOff, resolved, err := s.faceOffs.ResolveDue(ctx, guildID, now)
	if err != nil {
		return false, fmt.Errorf("resolve face-off: %w", err)
	}
	if !resolved {
		return false, nil
	}

	if view.Cycle.Key != faceOff.CycleKey {
		// The tied cycle is no longer active; the face-off record and
		// audit trail still carry the outcome.
		s.logf("scheduler: guild %s: face-off for %s resolved after cycle %s took over", guildID, faceOff.CycleKey, view.Cycle.Key)
		return true, nil
	}
	return s.updateCycle(ctx, view, transition, now, func(cycle *domain.Cycle) {
		cycle.Phase = domain.PhaseEnded
		cycle.WinnerAnnounced = true
		cycle.WinnerTeam = faceOff.Winner
	})
}

// forceInactive parks a biweekly guild for its off-week.
func (s *Scheduler) forceInactive(ctx context.Context, guildID string, transition domain.Transition, now time.Time) (bool, error) {
	cycle := domain.Cycle{
		GuildID:   guildID,
		Key:       domain.CycleKeyAt(now),
		Phase:     domain.PhaseInactive,
		LastToken: transition.Token,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.ReplaceActiveCycle(ctx, cycle); err != nil {
		return false, err
	}
	s.announce(ctx, guildID, domain.AnnouncementWeekInactive,
		"Off week. The next competition starts the following Monday.")
	return true, nil
}

// announce delivers one notification. Delivery is best-effort by
// contract; failures are logged and never block the transition.
func (s *Scheduler) announce(ctx context.Context, guildID string, kind domain.AnnouncementKind, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Announce(ctx, guildID, kind, text); err != nil {
		s.logf("scheduler: guild %s: announce %s: %v", guildID, kind, err)
	}
}

// audit appends one trail entry, best-effort.
func (s *Scheduler) audit(ctx context.Context, guildID, kind, detail string, now time.Time) {
	eventID, err := s.newID()
	if err != nil {
		s.logf("scheduler: guild %s: audit id: %v", guildID, err)
		return
	}
	event := domain.AuditEvent{
		ID:        eventID,
		GuildID:   guildID,
		Source:    domain.AuditSourceScheduler,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: now,
	}
	if err := s.store.AppendAuditEvent(ctx, event); err != nil {
		s.logf("scheduler: guild %s: audit %s: %v", guildID, kind, err)
	}
}
