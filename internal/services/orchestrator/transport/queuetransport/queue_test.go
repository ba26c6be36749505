package queuetransport

import (
	"context"
	"testing"
	"time"

	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/tenants"
)

type fakeStore struct {
	claimed      []domain.Action
	claimGuild   string
	claimLimit   int
	claimNow     time.Time
	completed    []domain.Result
	snapshots    map[string]domain.Snapshot
	completeErr  error
	snapshotErrs error
}

func (f *fakeStore) ClaimPendingActions(_ context.Context, guildID string, limit int, now time.Time) ([]domain.Action, error) {
	f.claimGuild = guildID
	f.claimLimit = limit
	f.claimNow = now
	return f.claimed, nil
}

func (f *fakeStore) CompleteAction(_ context.Context, result domain.Result) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, result)
	return nil
}

func (f *fakeStore) PutSnapshot(_ context.Context, guildID string, snapshot domain.Snapshot) error {
	if f.snapshotErrs != nil {
		return f.snapshotErrs
	}
	if f.snapshots == nil {
		f.snapshots = map[string]domain.Snapshot{}
	}
	f.snapshots[guildID] = snapshot
	return nil
}

func TestQueueKind(t *testing.T) {
	t.Parallel()

	queue := New(&fakeStore{}, nil)
	if queue.Kind() != tenants.TransportQueue {
		t.Fatalf("kind = %q, want %q", queue.Kind(), tenants.TransportQueue)
	}
}

func TestQueuePullClaimsWithClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{claimed: []domain.Action{{ID: "a1", Kind: domain.ActionSetTheme, GuildID: "g1"}}}
	queue := New(store, func() time.Time { return now })

	actions, err := queue.Pull(context.Background(), "g1", 8)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(actions) != 1 || actions[0].ID != "a1" {
		t.Fatalf("actions = %+v, want the claimed command", actions)
	}
	if store.claimGuild != "g1" || store.claimLimit != 8 {
		t.Fatalf("claim call = (%q, %d), want (g1, 8)", store.claimGuild, store.claimLimit)
	}
	if !store.claimNow.Equal(now) {
		t.Fatalf("claim now = %s, want %s", store.claimNow, now)
	}
}

func TestQueuePushCompletesAction(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	queue := New(store, nil)
	result := domain.Result{ID: "a1", GuildID: "g1", Status: domain.ResultCompleted, ProcessedAt: time.Now()}

	if err := queue.Push(context.Background(), result); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(store.completed) != 1 || store.completed[0].ID != "a1" {
		t.Fatalf("completed = %+v, want the pushed result", store.completed)
	}
}

func TestQueuePublishSnapshotRequiresTenant(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	queue := New(store, nil)

	if err := queue.PublishSnapshot(context.Background(), domain.Snapshot{}); err == nil {
		t.Fatal("expected an error for a snapshot without a tenant id")
	}

	snapshot := domain.Snapshot{TenantID: "g1", Phase: domain.PhaseSubmission, LastUpdated: time.Now()}
	if err := queue.PublishSnapshot(context.Background(), snapshot); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	if store.snapshots["g1"].Phase != domain.PhaseSubmission {
		t.Fatalf("stored snapshot = %+v", store.snapshots["g1"])
	}
}
