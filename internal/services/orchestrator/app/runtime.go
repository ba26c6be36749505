// Package app assembles and runs the orchestrator service: the sqlite
// store, the tenant registry and its watcher, the per-guild transports,
// the scheduler and consumer loops, and the gRPC health surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/evanmarey/bandstand/internal/platform/timeouts"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/consumer"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/notify"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/scheduler"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/storage/sqlite"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/tenants"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/transport"
)

// RuntimeConfig controls orchestrator startup, dependencies, and loop
// behavior.
type RuntimeConfig struct {
	Port             int
	DBPath           string
	RegistryPath     string
	TickInterval     time.Duration
	PollInterval     time.Duration
	ClaimLimit       int
	SnapshotInterval time.Duration
}

const (
	defaultOrchestratorPort = 8094
	defaultOrchestratorDB   = "data/orchestrator.db"
)

// Health service names reported per loop.
const (
	healthScheduler = "orchestrator.scheduler"
	healthConsumer  = "orchestrator.consumer"
)

// Run starts orchestrator runtime dependencies and both background
// loops. It returns when the context ends or a loop fails.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.RegistryPath) == "" {
		return fmt.Errorf("tenant registry path is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultOrchestratorPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultOrchestratorDB
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create orchestrator storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open orchestrator sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close orchestrator sqlite store: %v", closeErr)
		}
	}()

	registry, err := tenants.Load(cfg.RegistryPath, log.Printf)
	if err != nil {
		return fmt.Errorf("load tenant registry: %w", err)
	}

	notifier := notify.NewWebhook(func(guildID string) (string, bool) {
		tenant, ok := registry.Lookup(guildID)
		if !ok {
			return "", false
		}
		return tenant.NotifyURL, tenant.NotifyURL != ""
	}, nil)

	faceOffs := domain.NewFaceOffController(store, notifier, nil, nil)
	selector := transport.NewSelector(store, nil, nil)

	schedulerLoop := scheduler.New(store, registry, notifier, faceOffs, scheduler.Options{
		TickInterval: cfg.TickInterval,
	})
	consumerLoop := consumer.New(store, registry, selector, notifier, faceOffs, consumer.Config{
		PollInterval:     cfg.PollInterval,
		ClaimLimit:       cfg.ClaimLimit,
		SnapshotInterval: cfg.SnapshotInterval,
	}, consumer.Options{})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on orchestrator port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthScheduler, grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthConsumer, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		// GracefulStop waits for in-flight RPCs; cap the wait so a
		// wedged health stream cannot stall shutdown.
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(timeouts.Shutdown):
			grpcServer.Stop()
			<-stopped
		}
		<-serveErr
	}()

	log.Printf("orchestrator server listening at %v", listener.Addr())

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	failures := make(chan error, 3)

	runLoop := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := run(loopCtx)
			healthServer.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			if err != nil && !errors.Is(err, context.Canceled) {
				failures <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runLoop(healthScheduler, schedulerLoop.Run)
	runLoop(healthConsumer, consumerLoop.Run)

	// The watcher is best-effort: losing it degrades to restart-to-reload
	// but never brings the service down.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := registry.Watch(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("tenant registry watch stopped: %v", err)
		}
	}()

	select {
	case err := <-failures:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return ctx.Err()
	}
}
