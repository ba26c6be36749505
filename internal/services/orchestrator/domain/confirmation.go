package domain

import "time"

// ConfirmationDecision is an operator's answer to a pending
// confirmation request, written out-of-band by the notification
// channel.
type ConfirmationDecision string

const (
	// DecisionPending means no answer has arrived yet.
	DecisionPending ConfirmationDecision = ""
	// DecisionApprove authorizes the pending transition.
	DecisionApprove ConfirmationDecision = "approve"
	// DecisionDeny refuses the pending transition.
	DecisionDeny ConfirmationDecision = "deny"
)

// Confirmation is a scheduled transition held for operator sign-off.
// The deadline is persisted so a restart never loses the pending
// timeout; once it passes without an answer the transition proceeds.
type Confirmation struct {
	GuildID     string
	CycleKey    string
	Intent      Intent
	Token       string
	RequestedAt time.Time
	Deadline    time.Time
	Decision    ConfirmationDecision
}

// Expired reports whether the confirmation's answer window has closed.
func (c Confirmation) Expired(now time.Time) bool {
	return !c.Deadline.IsZero() && !now.Before(c.Deadline)
}
