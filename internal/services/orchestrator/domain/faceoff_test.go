package domain

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

type fakeFaceOffStore struct {
	faceOff    FaceOff
	tally      Tally
	putCalls   int
	clearCalls int
}

func (s *fakeFaceOffStore) GetFaceOff(_ context.Context, _ string) (FaceOff, error) {
	return s.faceOff, nil
}

func (s *fakeFaceOffStore) PutFaceOff(_ context.Context, faceOff FaceOff) error {
	s.faceOff = faceOff
	s.putCalls++
	return nil
}

func (s *fakeFaceOffStore) FaceOffTally(_ context.Context, _ string) (Tally, error) {
	return s.tally, nil
}

func (s *fakeFaceOffStore) ClearFaceOffBallots(_ context.Context, _ string) error {
	s.tally = Tally{}
	s.clearCalls++
	return nil
}

type recordingNotifier struct {
	kinds []AnnouncementKind
	err   error
}

func (n *recordingNotifier) Announce(_ context.Context, _ string, kind AnnouncementKind, _ string) error {
	n.kinds = append(n.kinds, kind)
	return n.err
}

func TestFaceOffBegin_OpensBoundedTieBreak(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 30, 20, 10, 0, 0, time.UTC)
	store := &fakeFaceOffStore{tally: Tally{"stale": 9}}
	notifier := &recordingNotifier{}
	controller := NewFaceOffController(store, notifier, fixedClock(now), rand.New(rand.NewSource(1)))

	faceOff, err := controller.Begin(context.Background(), "g1", "2026-W35", []string{"Bravo", "Alpha"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if !faceOff.Active {
		t.Fatal("expected an active face-off")
	}
	if !reflect.DeepEqual(faceOff.Teams, []string{"Alpha", "Bravo"}) {
		t.Fatalf("teams = %v, want sorted [Alpha Bravo]", faceOff.Teams)
	}
	if got, want := faceOff.Deadline, now.Add(FaceOffDuration); !got.Equal(want) {
		t.Fatalf("deadline = %s, want %s", got, want)
	}
	if store.clearCalls != 1 {
		t.Fatalf("expected stale tie-break ballots to be cleared, got %d clears", store.clearCalls)
	}
	if !reflect.DeepEqual(notifier.kinds, []AnnouncementKind{AnnouncementFaceOffStarted}) {
		t.Fatalf("announcements = %v", notifier.kinds)
	}
}

func TestFaceOffBegin_RequiresTwoTeams(t *testing.T) {
	t.Parallel()

	controller := NewFaceOffController(&fakeFaceOffStore{}, nil, nil, rand.New(rand.NewSource(1)))

	if _, err := controller.Begin(context.Background(), "g1", "2026-W35", []string{"Solo"}); !errors.Is(err, ErrFaceOffTeamsRequired) {
		t.Fatalf("err = %v, want ErrFaceOffTeamsRequired", err)
	}
}

func TestFaceOffBegin_WhileActiveKeepsExistingState(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC)
	store := &fakeFaceOffStore{faceOff: FaceOff{
		GuildID:  "g1",
		CycleKey: "2026-W35",
		Active:   true,
		Teams:    []string{"A", "B"},
		Deadline: deadline,
	}}
	controller := NewFaceOffController(store, nil, nil, rand.New(rand.NewSource(1)))

	faceOff, err := controller.Begin(context.Background(), "g1", "2026-W35", []string{"C", "D"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if !reflect.DeepEqual(faceOff.Teams, []string{"A", "B"}) {
		t.Fatalf("teams = %v, want the live tie-break untouched", faceOff.Teams)
	}
	if store.putCalls != 0 {
		t.Fatalf("expected no writes while a tie-break is live, got %d", store.putCalls)
	}
}

func TestFaceOffResolveDue_BeforeDeadlineIsNoOp(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC)
	store := &fakeFaceOffStore{faceOff: FaceOff{
		GuildID:  "g1",
		Active:   true,
		Teams:    []string{"A", "B"},
		Deadline: deadline,
	}}
	controller := NewFaceOffController(store, nil, nil, rand.New(rand.NewSource(1)))

	faceOff, resolved, err := controller.ResolveDue(context.Background(), "g1", deadline.Add(-time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved {
		t.Fatal("expected no resolution before the deadline")
	}
	if !faceOff.Active || store.putCalls != 0 {
		t.Fatal("expected state to be untouched before the deadline")
	}
}

func TestFaceOffResolveDue_UniqueLeaderWins(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC)
	store := &fakeFaceOffStore{
		faceOff: FaceOff{
			GuildID:  "g1",
			CycleKey: "2026-W35",
			Active:   true,
			Teams:    []string{"A", "B"},
			Deadline: deadline,
		},
		tally: Tally{"A": 5, "B": 3},
	}
	notifier := &recordingNotifier{}
	controller := NewFaceOffController(store, notifier, nil, rand.New(rand.NewSource(1)))

	faceOff, resolved, err := controller.ResolveDue(context.Background(), "g1", deadline)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved {
		t.Fatal("expected resolution at the deadline")
	}
	if faceOff.Active {
		t.Fatal("expected the face-off to deactivate")
	}
	if faceOff.Winner != "A" {
		t.Fatalf("winner = %q, want A", faceOff.Winner)
	}
	if got, want := faceOff.ResolvedAt, deadline; !got.Equal(want) {
		t.Fatalf("resolved at = %s, want %s", got, want)
	}
	if store.clearCalls != 1 {
		t.Fatalf("expected tie-break ballots cleared once, got %d", store.clearCalls)
	}
	if !reflect.DeepEqual(notifier.kinds, []AnnouncementKind{AnnouncementFaceOffResolved}) {
		t.Fatalf("announcements = %v", notifier.kinds)
	}
}

func TestFaceOffResolveDue_StillTiedPickIsSeedReproducible(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC)
	resolveWithSeed := func(seed int64) string {
		store := &fakeFaceOffStore{
			faceOff: FaceOff{
				GuildID:  "g1",
				Active:   true,
				Teams:    []string{"A", "B"},
				Deadline: deadline,
			},
			tally: Tally{"A": 3, "B": 3},
		}
		controller := NewFaceOffController(store, nil, nil, rand.New(rand.NewSource(seed)))
		faceOff, resolved, err := controller.ResolveDue(context.Background(), "g1", deadline.Add(time.Minute))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !resolved {
			t.Fatal("expected resolution past the deadline")
		}
		return faceOff.Winner
	}

	first := resolveWithSeed(7)
	if first != "A" && first != "B" {
		t.Fatalf("winner = %q, want one of the tied teams", first)
	}
	for i := 0; i < 3; i++ {
		if got := resolveWithSeed(7); got != first {
			t.Fatalf("winner with fixed seed = %q, want %q every run", got, first)
		}
	}
}

func TestFaceOffResolveDue_NotifyFailureDoesNotBlock(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC)
	store := &fakeFaceOffStore{
		faceOff: FaceOff{
			GuildID:  "g1",
			Active:   true,
			Teams:    []string{"A", "B"},
			Deadline: deadline,
		},
		tally: Tally{"A": 2, "B": 1},
	}
	notifier := &recordingNotifier{err: errors.New("channel unreachable")}
	controller := NewFaceOffController(store, notifier, nil, rand.New(rand.NewSource(1)))

	faceOff, resolved, err := controller.ResolveDue(context.Background(), "g1", deadline)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved || faceOff.Winner != "A" {
		t.Fatalf("resolved = %v winner = %q, want resolution despite notify failure", resolved, faceOff.Winner)
	}
}

func TestFaceOffResolveDue_UntouchedTallyStillTerminates(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC)
	store := &fakeFaceOffStore{
		faceOff: FaceOff{
			GuildID:  "g1",
			Active:   true,
			Teams:    []string{"A", "B", "C"},
			Deadline: deadline,
		},
	}
	controller := NewFaceOffController(store, nil, nil, rand.New(rand.NewSource(11)))

	faceOff, resolved, err := controller.ResolveDue(context.Background(), "g1", deadline)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved || faceOff.Active {
		t.Fatal("expected a no-vote tie-break to still terminate")
	}
	switch faceOff.Winner {
	case "A", "B", "C":
	default:
		t.Fatalf("winner = %q, want one of the tied teams", faceOff.Winner)
	}
}
