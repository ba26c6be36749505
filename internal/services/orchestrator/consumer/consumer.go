// Package consumer drains operator commands for every registered guild:
// it polls each guild's transport, applies commands against the store,
// reports per-command results, and keeps the guild's status snapshot
// published.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/evanmarey/bandstand/internal/platform/errors"
	"github.com/evanmarey/bandstand/internal/platform/id"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/tenants"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/transport"
)

const (
	// DefaultPollInterval is the command poll cadence.
	DefaultPollInterval = 5 * time.Second
	// DefaultClaimLimit bounds how many commands one pass claims per guild.
	DefaultClaimLimit = 10
	// DefaultSnapshotInterval is the idle status publication cadence.
	DefaultSnapshotInterval = 30 * time.Second
	// DefaultPublishFailureLogInterval throttles repeated publication
	// failure logs per tenant.
	DefaultPublishFailureLogInterval = 120 * time.Second
)

// Store is the persistence surface commands mutate.
type Store interface {
	storage.SettingsStore
	storage.CycleStore
	storage.TeamStore
	storage.BallotStore
	storage.FaceOffStore
	storage.ConfirmationStore
	storage.AuditStore
	storage.BackupStore
}

// Directory lists the guilds a pass polls.
type Directory interface {
	Active() []tenants.Tenant
}

// Config tunes the consumer loop. Zero values fall back to defaults.
type Config struct {
	PollInterval              time.Duration
	ClaimLimit                int
	SnapshotInterval          time.Duration
	PublishFailureLogInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = DefaultClaimLimit
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.PublishFailureLogInterval <= 0 {
		c.PublishFailureLogInterval = DefaultPublishFailureLogInterval
	}
	return c
}

// Consumer polls guild transports for commands and applies them.
type Consumer struct {
	store      Store
	guilds     Directory
	transports *transport.Selector
	notifier   domain.Notifier
	faceOffs   *domain.FaceOffController
	cfg        Config
	clock      func() time.Time
	newID      func() (string, error)
	logf       func(format string, args ...any)
	tracer     trace.Tracer

	publishFailures *logThrottle
	lastSnapshot    map[string]time.Time
}

// Options overrides consumer construction defaults.
type Options struct {
	Clock func() time.Time
	NewID func() (string, error)
	Logf  func(format string, args ...any)
}

// New constructs the consumer loop.
func New(store Store, guilds Directory, transports *transport.Selector, notifier domain.Notifier, faceOffs *domain.FaceOffController, cfg Config, opts Options) *Consumer {
	cfg = cfg.withDefaults()
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
	return &Consumer{
		store:           store,
		guilds:          guilds,
		transports:      transports,
		notifier:        notifier,
		faceOffs:        faceOffs,
		cfg:             cfg,
		clock:           clock,
		newID:           newID,
		logf:            logf,
		tracer:          otel.Tracer("bandstand/orchestrator/consumer"),
		publishFailures: newLogThrottle(cfg.PublishFailureLogInterval),
		lastSnapshot:    make(map[string]time.Time),
	}
}

// Run polls until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return domain.ErrStoreNotConfigured
	}
	if c.guilds == nil {
		return fmt.Errorf("guild directory is required")
	}
	if c.transports == nil {
		return fmt.Errorf("transport selector is required")
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.RunPass(ctx, c.clock())
		}
	}
}

// RunPass polls every active guild once. A guild's transport failure is
// logged and never aborts the rest of the pass.
func (c *Consumer) RunPass(ctx context.Context, now time.Time) {
	now = now.UTC()
	ctx, span := c.tracer.Start(ctx, "consumer.pass")
	defer span.End()

	active := c.guilds.Active()
	span.SetAttributes(attribute.Int("bandstand.guild_count", len(active)))

	for _, tenant := range active {
		if ctx.Err() != nil {
			return
		}
		c.pollTenant(ctx, tenant, now)
	}
}

// pollTenant drains one guild's queue through its configured transport
// pair. Commands always flow through the transport chosen at the top of
// the pass; the alternate only carries result retries.
func (c *Consumer) pollTenant(ctx context.Context, tenant tenants.Tenant, now time.Time) {
	primary, alternate, err := c.transports.Select(tenant)
	if err != nil {
		c.logf("consumer: guild %s: %v", tenant.GuildID, err)
		return
	}

	actions, err := primary.Pull(ctx, tenant.GuildID, c.cfg.ClaimLimit)
	if err != nil {
		c.logf("consumer: guild %s: pull via %s: %v", tenant.GuildID, primary.Kind(), err)
		return
	}

	for _, action := range actions {
		result := c.process(ctx, tenant, action, c.clock().UTC())
		c.report(ctx, tenant, primary, alternate, result)
	}

	if len(actions) > 0 || c.snapshotDue(tenant.GuildID, now) {
		c.publishSnapshot(ctx, tenant, primary, now)
	}
}

// process applies one command and returns its terminal result. Unknown
// kinds and safe-mode refusals are terminal failures, and a panicking
// handler fails only its own command.
func (c *Consumer) process(ctx context.Context, tenant tenants.Tenant, action domain.Action, now time.Time) (result domain.Result) {
	result = domain.Result{
		ID:          action.ID,
		GuildID:     tenant.GuildID,
		Status:      domain.ResultCompleted,
		ProcessedAt: now,
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logf("consumer: guild %s: action %s panicked: %v", tenant.GuildID, action.ID, recovered)
			result.Status = domain.ResultFailed
			result.Error = fmt.Sprintf("internal error: %v", recovered)
		}
		c.audit(ctx, tenant.GuildID, action, result, now)
	}()

	if !action.Kind.Known() {
		result.Status = domain.ResultFailed
		result.Error = apperrors.New(apperrors.CodeActionUnknown,
			fmt.Sprintf("unsupported action %q", action.Kind)).Error()
		return result
	}

	settings, err := c.loadSettings(ctx, tenant.GuildID)
	if err != nil {
		result.Status = domain.ResultFailed
		result.Error = err.Error()
		return result
	}

	if action.Kind.Destructive() && settings.SafeMode {
		result.Status = domain.ResultFailed
		result.Error = apperrors.New(apperrors.CodeSafeModeBlocked,
			fmt.Sprintf("safe mode is enabled: refusing %s", action.Kind)).Error()
		return result
	}

	handle, ok := handlers[action.Kind]
	if !ok {
		result.Status = domain.ResultFailed
		result.Error = apperrors.New(apperrors.CodeActionUnknown,
			fmt.Sprintf("unsupported action %q", action.Kind)).Error()
		return result
	}
	if err := handle(ctx, c, tenant, action, settings, now); err != nil {
		result.Status = domain.ResultFailed
		result.Error = err.Error()
	}
	return result
}

// report pushes one result through the primary transport, retrying once
// through the alternate. When both fail, the claimed queue row is left
// to the stale-claim reclaim and the command replays.
func (c *Consumer) report(ctx context.Context, tenant tenants.Tenant, primary, alternate transport.Transport, result domain.Result) {
	primaryErr := primary.Push(ctx, result)
	if primaryErr == nil {
		return
	}
	c.logf("consumer: guild %s: push result %s via %s: %v", tenant.GuildID, result.ID, primary.Kind(), primaryErr)

	if alternate == nil {
		return
	}
	if err := alternate.Push(ctx, result); err != nil {
		c.logf("consumer: guild %s: push result %s via alternate %s: %v", tenant.GuildID, result.ID, alternate.Kind(), err)
	}
}

func (c *Consumer) snapshotDue(guildID string, now time.Time) bool {
	last, ok := c.lastSnapshot[guildID]
	if !ok {
		return true
	}
	return now.Sub(last) >= c.cfg.SnapshotInterval
}

// publishSnapshot pushes the guild's current status view. Failures are
// logged at most once per throttle window per tenant so a dead panel
// endpoint does not flood the log.
func (c *Consumer) publishSnapshot(ctx context.Context, tenant tenants.Tenant, via transport.Transport, now time.Time) {
	snapshot, err := c.buildSnapshot(ctx, tenant, now)
	if err != nil {
		if c.publishFailures.Allow("build:"+tenant.GuildID, now) {
			c.logf("consumer: guild %s: build snapshot: %v", tenant.GuildID, err)
		}
		return
	}
	if err := via.PublishSnapshot(ctx, snapshot); err != nil {
		if c.publishFailures.Allow("publish:"+tenant.GuildID, now) {
			c.logf("consumer: guild %s: publish snapshot via %s: %v", tenant.GuildID, via.Kind(), err)
		}
		return
	}
	c.lastSnapshot[tenant.GuildID] = now
}

func (c *Consumer) buildSnapshot(ctx context.Context, tenant tenants.Tenant, now time.Time) (domain.Snapshot, error) {
	settings, err := c.loadSettings(ctx, tenant.GuildID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	cycle, err := c.loadActiveCycle(ctx, tenant.GuildID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return domain.Snapshot{}, err
	}
	teamCount := 0
	if cycle.Key != "" {
		teamCount, err = c.store.CountTeams(ctx, tenant.GuildID, cycle.Key)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("count teams: %w", err)
		}
	}
	return domain.BuildSnapshot(tenant.GuildID, tenant.Name, settings, cycle, teamCount, now), nil
}

func (c *Consumer) loadSettings(ctx context.Context, guildID string) (domain.Settings, error) {
	settings, err := c.store.GetSettings(ctx, guildID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return domain.Settings{}, fmt.Errorf("load settings: %w", err)
		}
		settings = domain.DefaultSettings(guildID)
	}
	return settings.Normalize(), nil
}

func (c *Consumer) loadActiveCycle(ctx context.Context, guildID string) (domain.Cycle, error) {
	cycle, err := c.store.GetActiveCycle(ctx, guildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Cycle{GuildID: guildID}, err
		}
		return domain.Cycle{}, fmt.Errorf("load active cycle: %w", err)
	}
	return cycle, nil
}

// announce delivers one notification, best-effort.
func (c *Consumer) announce(ctx context.Context, guildID string, kind domain.AnnouncementKind, text string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Announce(ctx, guildID, kind, text); err != nil {
		c.logf("consumer: guild %s: announce %s: %v", guildID, kind, err)
	}
}

// audit appends one trail entry per processed command, best-effort.
func (c *Consumer) audit(ctx context.Context, guildID string, action domain.Action, result domain.Result, now time.Time) {
	eventID, err := c.newID()
	if err != nil {
		c.logf("consumer: guild %s: audit id: %v", guildID, err)
		return
	}
	detail := string(result.Status)
	if result.Error != "" {
		detail = detail + ": " + result.Error
	}
	event := domain.AuditEvent{
		ID:        eventID,
		GuildID:   guildID,
		Source:    domain.AuditSourceConsumer,
		Kind:      string(action.Kind),
		Detail:    detail,
		CreatedAt: now,
	}
	if err := c.store.AppendAuditEvent(ctx, event); err != nil {
		c.logf("consumer: guild %s: audit %s: %v", guildID, action.Kind, err)
	}
}
