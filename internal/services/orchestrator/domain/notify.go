package domain

import (
	"context"
	"fmt"
	"strings"
)

// AnnouncementKind classifies outbound guild announcements so the
// notification channel can route and render them.
type AnnouncementKind string

const (
	// AnnouncementSubmissionOpen says a new cycle accepts entries.
	AnnouncementSubmissionOpen AnnouncementKind = "submission_open"
	// AnnouncementVotingOpen says voting started for the cycle.
	AnnouncementVotingOpen AnnouncementKind = "voting_open"
	// AnnouncementReminderSubmission nudges late entries.
	AnnouncementReminderSubmission AnnouncementKind = "reminder_submission"
	// AnnouncementReminderVoting nudges late ballots.
	AnnouncementReminderVoting AnnouncementKind = "reminder_voting"
	// AnnouncementWinner publishes the cycle winner.
	AnnouncementWinner AnnouncementKind = "winner"
	// AnnouncementFaceOffStarted opens a tie-break vote.
	AnnouncementFaceOffStarted AnnouncementKind = "face_off_started"
	// AnnouncementFaceOffResolved publishes the tie-break outcome.
	AnnouncementFaceOffResolved AnnouncementKind = "face_off_resolved"
	// AnnouncementWeekCancelled says the week was called off.
	AnnouncementWeekCancelled AnnouncementKind = "week_cancelled"
	// AnnouncementCancelPending asks an operator to confirm a
	// low-turnout cancellation.
	AnnouncementCancelPending AnnouncementKind = "cancel_pending"
	// AnnouncementThemeRequest asks for the next cycle's theme.
	AnnouncementThemeRequest AnnouncementKind = "theme_request"
	// AnnouncementWeekInactive marks a biweekly off-week.
	AnnouncementWeekInactive AnnouncementKind = "week_inactive"
)

// Notifier delivers guild announcements through the external
// notification channel. Rendering beyond the plain text passed here is
// that channel's concern.
type Notifier interface {
	Announce(ctx context.Context, guildID string, kind AnnouncementKind, text string) error
}

func faceOffStartedText(teams []string) string {
	return fmt.Sprintf("Tie-break vote open between %s. Voting closes in 24 hours.", strings.Join(teams, " and "))
}

func faceOffResolvedText(winner string) string {
	if winner == "" {
		return "Tie-break closed with no contenders."
	}
	return fmt.Sprintf("Tie-break decided: %s wins.", winner)
}
