package domain

import "time"

// AuditSource identifies which loop produced an audit event.
type AuditSource string

const (
	// AuditSourceScheduler marks timed transitions.
	AuditSourceScheduler AuditSource = "scheduler"
	// AuditSourceConsumer marks operator commands.
	AuditSourceConsumer AuditSource = "consumer"
	// AuditSourceMaintenance marks offline tooling.
	AuditSourceMaintenance AuditSource = "maintenance"
)

// AuditEvent records one state change for later inspection. Events are
// append-only; operational state never reads them back.
type AuditEvent struct {
	ID        string
	GuildID   string
	Source    AuditSource
	Kind      string
	Detail    string
	CreatedAt time.Time
}
