// Package domain holds the competition lifecycle model: cycles, phases,
// teams, tallies, face-offs, and the scheduling rules that advance them.
package domain

import (
	"fmt"
	"time"
)

// Phase identifies where a guild's competition cycle currently stands.
type Phase string

const (
	// PhaseSubmission accepts team entries for the current theme.
	PhaseSubmission Phase = "submission"
	// PhaseVoting accepts ballots for submitted teams.
	PhaseVoting Phase = "voting"
	// PhaseCancelled marks a week called off before voting completed.
	PhaseCancelled Phase = "cancelled"
	// PhasePaused marks a cycle halted by an operator until further notice.
	PhasePaused Phase = "paused"
	// PhaseEnded marks a completed cycle with its winner published.
	PhaseEnded Phase = "ended"
	// PhaseInactive marks an off-week under biweekly cadence.
	PhaseInactive Phase = "inactive"
)

// Valid reports whether the phase is one of the known values.
func (p Phase) Valid() bool {
	switch p {
	case PhaseSubmission, PhaseVoting, PhaseCancelled, PhasePaused, PhaseEnded, PhaseInactive:
		return true
	}
	return false
}

// Scheduled reports whether the phase still advances through timed
// transitions. Cancelled, paused, ended, and inactive cycles only move
// again when a new week starts or an operator intervenes.
func (p Phase) Scheduled() bool {
	return p == PhaseSubmission || p == PhaseVoting
}

// Cycle is one guild's competition week. Exactly one cycle per guild is
// active at a time; rolled-over cycles are archived, never deleted.
type Cycle struct {
	GuildID         string
	Key             string
	Theme           string
	Phase           Phase
	WeekCancelled   bool
	WinnerAnnounced bool
	WinnerTeam      string
	LastToken       string
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// CycleKeyAt returns the ISO-8601 week key for the given instant, e.g.
// "2026-W34". All cycle identity is derived from UTC wall-clock time.
func CycleKeyAt(now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// EvenISOWeek reports whether the instant falls on an even ISO week
// number. Guilds in biweekly mode sit those weeks out.
func EvenISOWeek(now time.Time) bool {
	_, week := now.UTC().ISOWeek()
	return week%2 == 0
}
