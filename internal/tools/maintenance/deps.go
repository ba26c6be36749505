package maintenance

import (
	"context"

	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage"
)

// guildLister enumerates guilds that have persisted competition state.
type guildLister interface {
	ListGuildIDs(ctx context.Context) ([]string, error)
}

// closableStore is the storage surface the CLI works against, extended
// with a Close method for resource cleanup.
type closableStore interface {
	storage.SettingsStore
	storage.CycleStore
	storage.TeamStore
	storage.BallotStore
	storage.FaceOffStore
	storage.ConfirmationStore
	storage.AuditStore
	guildLister
	Close() error
}

// servingProbe reports whether the orchestrator currently answers its
// health endpoint with SERVING.
type servingProbe func(ctx context.Context) bool
