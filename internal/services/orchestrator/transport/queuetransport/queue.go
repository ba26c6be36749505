// Package queuetransport serves operator commands from the shared store
// queue. The operator panel writes pending_actions rows and reads the
// result and snapshot rows back from the same store.
package queuetransport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/tenants"
)

// Store is the slice of the persistence surface the queue transport
// rides on.
type Store interface {
	ClaimPendingActions(ctx context.Context, guildID string, limit int, now time.Time) ([]domain.Action, error)
	CompleteAction(ctx context.Context, result domain.Result) error
	PutSnapshot(ctx context.Context, guildID string, snapshot domain.Snapshot) error
}

// Queue is the store-backed transport.
type Queue struct {
	store Store
	clock func() time.Time
}

// New creates a queue transport. A nil clock uses wall-clock time.
func New(store Store, clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{store: store, clock: clock}
}

// Kind names the strategy.
func (q *Queue) Kind() tenants.TransportKind {
	return tenants.TransportQueue
}

// Pull claims up to limit pending commands for the guild, oldest first.
func (q *Queue) Pull(ctx context.Context, guildID string, limit int) ([]domain.Action, error) {
	if q == nil || q.store == nil {
		return nil, fmt.Errorf("queue transport is not configured")
	}
	return q.store.ClaimPendingActions(ctx, guildID, limit, q.clock().UTC())
}

// Push finalizes the command's queue row and records its result where
// the panel reads it.
func (q *Queue) Push(ctx context.Context, result domain.Result) error {
	if q == nil || q.store == nil {
		return fmt.Errorf("queue transport is not configured")
	}
	return q.store.CompleteAction(ctx, result)
}

// PublishSnapshot writes the guild's status view to the shared store.
func (q *Queue) PublishSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	if q == nil || q.store == nil {
		return fmt.Errorf("queue transport is not configured")
	}
	if strings.TrimSpace(snapshot.TenantID) == "" {
		return fmt.Errorf("snapshot tenant id is required")
	}
	return q.store.PutSnapshot(ctx, snapshot.TenantID, snapshot)
}
