// Package transport moves operator commands, results, and status
// snapshots between the orchestrator and each guild's operator surface.
// One transport strategy is selected per guild at configuration time;
// strategies are never mixed within a single polling pass.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/evanmarey/bandstand/internal/services/orchestrator/domain"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/tenants"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/transport/httptransport"
	"github.com/evanmarey/bandstand/internal/services/orchestrator/transport/queuetransport"
)

// Transport is one guild's command channel. Pull claims queued commands
// oldest first, Push reports one command's terminal result, and
// PublishSnapshot pushes the guild's outward status view.
type Transport interface {
	Kind() tenants.TransportKind
	Pull(ctx context.Context, guildID string, limit int) ([]domain.Action, error)
	Push(ctx context.Context, result domain.Result) error
	PublishSnapshot(ctx context.Context, snapshot domain.Snapshot) error
}

// Selector builds the transport pair for each tenant: the primary
// channel named by the tenant's registry entry, and the alternate
// channel used for one retry when a result write fails. The queue
// transport always exists because the store is local; the HTTP
// alternate exists only for tenants that configured an endpoint.
type Selector struct {
	queue  *queuetransport.Queue
	client *http.Client
	clock  func() time.Time
}

// NewSelector creates a transport selector over the shared store queue.
// A nil client gets the default HTTP polling client; a nil clock uses
// wall-clock time.
func NewSelector(store queuetransport.Store, client *http.Client, clock func() time.Time) *Selector {
	if clock == nil {
		clock = time.Now
	}
	return &Selector{
		queue:  queuetransport.New(store, clock),
		client: client,
		clock:  clock,
	}
}

// Select returns the tenant's primary transport and its alternate. The
// alternate is nil when the tenant has no second channel configured.
func (s *Selector) Select(tenant tenants.Tenant) (primary, alternate Transport, err error) {
	if s == nil {
		return nil, nil, fmt.Errorf("transport selector is not configured")
	}

	var remote Transport
	if tenant.Endpoint != "" {
		remote, err = httptransport.New(httptransport.Config{
			Endpoint:     tenant.Endpoint,
			SharedSecret: tenant.SharedSecret,
		}, s.client, s.clock)
		if err != nil {
			return nil, nil, fmt.Errorf("tenant %s: %w", tenant.GuildID, err)
		}
	}

	switch tenant.Transport {
	case tenants.TransportQueue:
		return s.queue, remote, nil
	case tenants.TransportHTTP:
		if remote == nil {
			return nil, nil, fmt.Errorf("tenant %s: http transport requires an endpoint", tenant.GuildID)
		}
		return remote, s.queue, nil
	default:
		return nil, nil, fmt.Errorf("tenant %s: transport %q is not supported", tenant.GuildID, tenant.Transport)
	}
}
