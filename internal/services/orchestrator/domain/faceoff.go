package domain

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/evanmarey/bandstand/internal/platform/random"
)

// FaceOffDuration is how long a tie-break vote stays open.
const FaceOffDuration = 24 * time.Hour

// FaceOff is a guild's tie-break state. While active, the scheduler
// suppresses new-cycle roll-over; resolution always terminates in
// exactly one winner once the deadline has passed.
type FaceOff struct {
	GuildID    string
	CycleKey   string
	Active     bool
	Teams      []string
	Deadline   time.Time
	StartedAt  time.Time
	ResolvedAt time.Time
	Winner     string
}

// Due reports whether the face-off is active and its deadline has
// passed.
func (f FaceOff) Due(now time.Time) bool {
	return f.Active && !f.Deadline.IsZero() && !now.Before(f.Deadline)
}

// FaceOffStore is the persistence boundary for tie-break state. GetFaceOff
// returns a zero-valued FaceOff when the guild has none.
type FaceOffStore interface {
	GetFaceOff(ctx context.Context, guildID string) (FaceOff, error)
	PutFaceOff(ctx context.Context, faceOff FaceOff) error
	FaceOffTally(ctx context.Context, guildID string) (Tally, error)
	ClearFaceOffBallots(ctx context.Context, guildID string) error
}

// FaceOffController runs the tie-break sub-process: it opens a bounded
// secondary vote between tied teams and settles it once the persisted
// deadline passes, falling back to a uniform random pick when the
// secondary vote is itself tied.
type FaceOffController struct {
	store    FaceOffStore
	notifier Notifier
	clock    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFaceOffController constructs a tie-break controller. A nil clock
// uses wall-clock time; a nil rng is seeded from crypto/rand so ties
// broken in production are unpredictable while tests can inject a
// fixed-seed source.
func NewFaceOffController(store FaceOffStore, notifier Notifier, clock func() time.Time, rng *rand.Rand) *FaceOffController {
	if clock == nil {
		clock = time.Now
	}
	if rng == nil {
		seed, err := random.NewSeed()
		if err != nil {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}
	return &FaceOffController{
		store:    store,
		notifier: notifier,
		clock:    clock,
		rng:      rng,
	}
}

// Begin opens a tie-break between the given teams with a deadline one
// FaceOffDuration from now. Beginning while a face-off is already
// active returns the existing state unchanged, so a replayed
// announcement cannot clobber a live tie-break. Notification failure
// never blocks the transition.
func (c *FaceOffController) Begin(ctx context.Context, guildID, cycleKey string, tiedTeams []string) (FaceOff, error) {
	if c == nil || c.store == nil {
		return FaceOff{}, ErrStoreNotConfigured
	}
	if guildID == "" {
		return FaceOff{}, ErrGuildIDRequired
	}
	if len(tiedTeams) < 2 {
		return FaceOff{}, ErrFaceOffTeamsRequired
	}

	existing, err := c.store.GetFaceOff(ctx, guildID)
	if err != nil {
		return FaceOff{}, err
	}
	if existing.Active {
		return existing, nil
	}

	teams := make([]string, len(tiedTeams))
	copy(teams, tiedTeams)
	sort.Strings(teams)

	now := c.nowUTC()
	faceOff := FaceOff{
		GuildID:   guildID,
		CycleKey:  cycleKey,
		Active:    true,
		Teams:     teams,
		Deadline:  now.Add(FaceOffDuration),
		StartedAt: now,
	}

	if err := c.store.ClearFaceOffBallots(ctx, guildID); err != nil {
		return FaceOff{}, err
	}
	if err := c.store.PutFaceOff(ctx, faceOff); err != nil {
		return FaceOff{}, err
	}

	if c.notifier != nil {
		_ = c.notifier.Announce(ctx, guildID, AnnouncementFaceOffStarted, faceOffStartedText(teams))
	}

	return faceOff, nil
}

// ResolveDue settles the guild's face-off if one is active and past its
// deadline. It reports whether a resolution happened. Before the
// deadline it is a strict no-op. At or after the deadline it always
// ends with Active=false and exactly one winner: a unique tie-break
// leader wins outright, and a still-tied vote is settled by a uniform
// random pick among the leaders.
func (c *FaceOffController) ResolveDue(ctx context.Context, guildID string, now time.Time) (FaceOff, bool, error) {
	if c == nil || c.store == nil {
		return FaceOff{}, false, ErrStoreNotConfigured
	}
	if guildID == "" {
		return FaceOff{}, false, ErrGuildIDRequired
	}

	faceOff, err := c.store.GetFaceOff(ctx, guildID)
	if err != nil {
		return FaceOff{}, false, err
	}
	if !faceOff.Due(now.UTC()) {
		return faceOff, false, nil
	}

	tally, err := c.store.FaceOffTally(ctx, guildID)
	if err != nil {
		return FaceOff{}, false, err
	}

	// Teams that drew no tie-break votes still count at zero, so an
	// untouched secondary vote stays a tie across every contender.
	scoped := make(Tally, len(faceOff.Teams))
	for _, team := range faceOff.Teams {
		scoped[team] = tally[team]
	}

	winners, _ := ResolveWinners(scoped)
	var winner string
	if len(winners) == 1 {
		winner = winners[0]
	} else if len(winners) > 1 {
		winner = c.pick(winners)
	}

	faceOff.Active = false
	faceOff.Winner = winner
	faceOff.ResolvedAt = now.UTC()
	faceOff.Deadline = time.Time{}

	if err := c.store.PutFaceOff(ctx, faceOff); err != nil {
		return FaceOff{}, false, err
	}
	if err := c.store.ClearFaceOffBallots(ctx, guildID); err != nil {
		return FaceOff{}, false, err
	}

	if c.notifier != nil {
		_ = c.notifier.Announce(ctx, guildID, AnnouncementFaceOffResolved, faceOffResolvedText(winner))
	}

	return faceOff, true, nil
}

func (c *FaceOffController) pick(teams []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return teams[c.rng.Intn(len(teams))]
}

func (c *FaceOffController) nowUTC() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock().UTC()
}
