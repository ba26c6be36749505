package domain

import "time"

// Intent names one scheduled competition transition.
type Intent string

const (
	// IntentStartSubmission rolls the guild into a fresh cycle.
	IntentStartSubmission Intent = "start_submission"
	// IntentStartVoting closes submissions and opens voting.
	IntentStartVoting Intent = "start_voting"
	// IntentCancelLowParticipation calls the week off for lack of teams.
	IntentCancelLowParticipation Intent = "cancel_low_participation"
	// IntentReminderSubmission nudges guilds still short on entries.
	IntentReminderSubmission Intent = "reminder_submission"
	// IntentReminderVoting nudges guilds still short on ballots.
	IntentReminderVoting Intent = "reminder_voting"
	// IntentAnnounceWinner tallies ballots and publishes the outcome.
	IntentAnnounceWinner Intent = "announce_winner"
	// IntentGenerateTheme requests the next cycle's theme.
	IntentGenerateTheme Intent = "generate_theme"
	// IntentResolveFaceOff settles a due tie-break.
	IntentResolveFaceOff Intent = "resolve_face_off"
	// IntentForceInactive parks a biweekly guild for its off-week.
	IntentForceInactive Intent = "force_inactive"
)

// TransitionToken derives the dedup token for an intent within a cycle.
// Writing the token alongside the transition is what makes replayed
// ticks no-ops.
func TransitionToken(intent Intent, cycleKey string) string {
	return string(intent) + "_" + cycleKey
}

// Transition is one scheduled intent paired with its dedup token.
type Transition struct {
	Intent Intent
	Token  string
}

// ScheduleView is the per-guild state snapshot Evaluate decides on. The
// active cycle has a zero Key when the guild has none yet.
type ScheduleView struct {
	Settings     Settings
	Cycle        Cycle
	FaceOff      FaceOff
	TeamCount    int
	ThemePending bool
}

// Evaluate inspects one instant of UTC wall-clock time against a
// guild's stored state and returns at most one transition. It holds no
// history: a missed tick can skip a reminder, but replaying any tick is
// harmless because each transition's token is checked against the
// cycle's last written token.
//
// Rule order matters. A due tie-break resolves before anything else so
// its 24-hour guarantee survives automation being switched off. An
// active tie-break suppresses everything below it, so no cycle rolls
// over before the day after resolution. Biweekly off-weeks then permit
// only the forced inactive transition.
func Evaluate(now time.Time, view ScheduleView) (Transition, bool) {
	now = now.UTC()
	settings := view.Settings.Normalize()
	weekKey := CycleKeyAt(now)

	if view.FaceOff.Due(now) {
		return transitionIfNew(IntentResolveFaceOff, view.FaceOff.CycleKey, view.Cycle.LastToken)
	}

	if !settings.AutomationEnabled {
		return Transition{}, false
	}

	if view.FaceOff.Active {
		return Transition{}, false
	}

	if settings.BiweeklyMode && EvenISOWeek(now) {
		if view.Cycle.Key == weekKey && view.Cycle.Phase == PhaseInactive {
			return Transition{}, false
		}
		return transitionIfNew(IntentForceInactive, weekKey, view.Cycle.LastToken)
	}

	if startsNewCycle(now, view, weekKey) {
		return transitionIfNew(IntentStartSubmission, weekKey, view.Cycle.LastToken)
	}

	cycle := view.Cycle
	if cycle.Key != weekKey || cycle.WeekCancelled {
		return Transition{}, false
	}
	switch cycle.Phase {
	case PhaseCancelled, PhasePaused, PhaseInactive:
		return Transition{}, false
	}

	day := now.Weekday()
	hour := now.Hour()

	if day == time.Friday && hour >= 12 && cycle.Phase == PhaseSubmission {
		if view.TeamCount < settings.MinTeams {
			return transitionIfNew(IntentCancelLowParticipation, cycle.Key, cycle.LastToken)
		}
		return transitionIfNew(IntentStartVoting, cycle.Key, cycle.LastToken)
	}

	if day == time.Thursday && hour >= 18 && cycle.Phase == PhaseSubmission {
		return transitionIfNew(IntentReminderSubmission, cycle.Key, cycle.LastToken)
	}

	if day == time.Saturday && hour >= 18 && cycle.Phase == PhaseVoting {
		return transitionIfNew(IntentReminderVoting, cycle.Key, cycle.LastToken)
	}

	if day == time.Sunday && hour >= 20 && cycle.Phase == PhaseVoting && !cycle.WinnerAnnounced {
		return transitionIfNew(IntentAnnounceWinner, cycle.Key, cycle.LastToken)
	}

	if day == time.Sunday && hour >= 21 && cycle.WinnerAnnounced && !view.ThemePending {
		return transitionIfNew(IntentGenerateTheme, cycle.Key, cycle.LastToken)
	}

	return Transition{}, false
}

// startsNewCycle reports whether this instant opens a fresh cycle:
// either it is Monday, or a tie-break resolution left a roll-over owed.
// A pending resolution stamp always defers the start to the next
// calendar day, Mondays included; applying the start consumes the
// stamp.
func startsNewCycle(now time.Time, view ScheduleView, weekKey string) bool {
	if view.Cycle.Key == weekKey {
		return false
	}
	resolvedAt := view.FaceOff.ResolvedAt
	if !resolvedAt.IsZero() {
		return laterCalendarDay(now, resolvedAt)
	}
	return now.Weekday() == time.Monday
}

func laterCalendarDay(now, then time.Time) bool {
	ny, nd := now.UTC().Year(), now.UTC().YearDay()
	ty, td := then.UTC().Year(), then.UTC().YearDay()
	if ny != ty {
		return ny > ty
	}
	return nd > td
}

func transitionIfNew(intent Intent, cycleKey, lastToken string) (Transition, bool) {
	token := TransitionToken(intent, cycleKey)
	if token == lastToken {
		return Transition{}, false
	}
	return Transition{Intent: intent, Token: token}, true
}
