// Package orchestrator parses orchestrator command flags and launches
// the orchestrator runtime.
package orchestrator

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/evanmarey/bandstand/internal/platform/cmd"
	orchestratorserver "github.com/evanmarey/bandstand/internal/services/orchestrator/app"
)

// Config holds orchestrator command configuration.
type Config struct {
	Port             int           `env:"BANDSTAND_ORCHESTRATOR_PORT" envDefault:"8094"`
	DBPath           string        `env:"BANDSTAND_ORCHESTRATOR_DB_PATH" envDefault:"data/orchestrator.db"`
	RegistryPath     string        `env:"BANDSTAND_ORCHESTRATOR_REGISTRY_PATH" envDefault:"data/tenants.yaml"`
	TickInterval     time.Duration `env:"BANDSTAND_ORCHESTRATOR_TICK_INTERVAL" envDefault:"1h"`
	PollInterval     time.Duration `env:"BANDSTAND_ORCHESTRATOR_POLL_INTERVAL" envDefault:"5s"`
	ClaimLimit       int           `env:"BANDSTAND_ORCHESTRATOR_CLAIM_LIMIT" envDefault:"10"`
	SnapshotInterval time.Duration `env:"BANDSTAND_ORCHESTRATOR_SNAPSHOT_INTERVAL" envDefault:"30s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The orchestrator health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The orchestrator SQLite database path")
	fs.StringVar(&cfg.RegistryPath, "registry-path", cfg.RegistryPath, "The tenant registry YAML path")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "Scheduled transition tick interval")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Action queue poll interval")
	fs.IntVar(&cfg.ClaimLimit, "claim-limit", cfg.ClaimLimit, "Maximum actions claimed per guild per poll")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "Idle status snapshot publication interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the orchestrator runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOrchestrator, func(context.Context) error {
		return orchestratorserver.Run(ctx, orchestratorserver.RuntimeConfig{
			Port:             cfg.Port,
			DBPath:           cfg.DBPath,
			RegistryPath:     cfg.RegistryPath,
			TickInterval:     cfg.TickInterval,
			PollInterval:     cfg.PollInterval,
			ClaimLimit:       cfg.ClaimLimit,
			SnapshotInterval: cfg.SnapshotInterval,
		})
	})
}
