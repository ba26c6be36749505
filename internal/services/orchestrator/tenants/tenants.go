// Package tenants loads and serves the registry mapping each guild to
// its command transport and notification endpoint.
package tenants

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	yamlv3 "gopkg.in/yaml.v3"
)

// TransportKind selects how a guild's commands and results move.
type TransportKind string

const (
	// TransportQueue serves commands from the shared store queue.
	TransportQueue TransportKind = "queue"
	// TransportHTTP polls the guild's remote action endpoint.
	TransportHTTP TransportKind = "http"
)

// Valid reports whether the transport kind is one the consumer runs.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportQueue, TransportHTTP:
		return true
	}
	return false
}

// Tenant is one registered guild.
type Tenant struct {
	GuildID      string        `yaml:"guild_id"`
	Name         string        `yaml:"name"`
	Transport    TransportKind `yaml:"transport"`
	Endpoint     string        `yaml:"endpoint,omitempty"`
	SharedSecret string        `yaml:"shared_secret,omitempty"`
	NotifyURL    string        `yaml:"notify_url,omitempty"`
	Disabled     bool          `yaml:"disabled,omitempty"`
}

// Validate checks the tenant entry is complete enough to drive.
func (t Tenant) Validate() error {
	if strings.TrimSpace(t.GuildID) == "" {
		return fmt.Errorf("tenant guild_id is required")
	}
	if !t.Transport.Valid() {
		return fmt.Errorf("tenant %s: transport %q is not supported", t.GuildID, t.Transport)
	}
	if t.Transport == TransportHTTP {
		if strings.TrimSpace(t.Endpoint) == "" {
			return fmt.Errorf("tenant %s: http transport requires an endpoint", t.GuildID)
		}
		if strings.TrimSpace(t.SharedSecret) == "" {
			return fmt.Errorf("tenant %s: http transport requires a shared secret", t.GuildID)
		}
	}
	return nil
}

type registryFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

// Registry is the in-memory tenant directory backed by one YAML file.
// Reload swaps the directory wholesale; a file that fails to parse or
// validate leaves the previous directory serving.
type Registry struct {
	path string
	logf func(format string, args ...any)

	mu      sync.RWMutex
	byGuild map[string]Tenant
	order   []string
}

// Load reads the registry file at path. The file must exist and parse;
// an empty tenant list is allowed.
func Load(path string, logf func(format string, args ...any)) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	registry := &Registry{
		path:    filepath.Clean(path),
		logf:    logf,
		byGuild: map[string]Tenant{},
	}
	if err := registry.Reload(); err != nil {
		return nil, err
	}
	return registry, nil
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Reload re-reads the registry file. On any error the directory is left
// unchanged.
func (r *Registry) Reload() error {
	if r == nil {
		return fmt.Errorf("registry is not configured")
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tenant registry: %w", err)
	}
	var file registryFile
	if err := yamlv3.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse tenant registry: %w", err)
	}

	byGuild := make(map[string]Tenant, len(file.Tenants))
	order := make([]string, 0, len(file.Tenants))
	for _, tenant := range file.Tenants {
		tenant.GuildID = strings.TrimSpace(tenant.GuildID)
		tenant.Name = strings.TrimSpace(tenant.Name)
		if err := tenant.Validate(); err != nil {
			return fmt.Errorf("validate tenant registry: %w", err)
		}
		if _, exists := byGuild[tenant.GuildID]; exists {
			return fmt.Errorf("validate tenant registry: duplicate guild_id %s", tenant.GuildID)
		}
		byGuild[tenant.GuildID] = tenant
		order = append(order, tenant.GuildID)
	}

	r.mu.Lock()
	r.byGuild = byGuild
	r.order = order
	r.mu.Unlock()
	return nil
}

// Lookup returns one tenant by guild id.
func (r *Registry) Lookup(guildID string) (Tenant, bool) {
	if r == nil {
		return Tenant{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenant, ok := r.byGuild[strings.TrimSpace(guildID)]
	return tenant, ok
}

// Active lists enabled tenants in file order.
func (r *Registry) Active() []Tenant {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := make([]Tenant, 0, len(r.order))
	for _, guildID := range r.order {
		tenant := r.byGuild[guildID]
		if tenant.Disabled {
			continue
		}
		active = append(active, tenant)
	}
	return active
}

// Write serializes tenants to path atomically: the content lands in a
// temp file first, is re-read and validated, and only then renamed over
// the target.
func Write(path string, entries []Tenant) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("registry path is required")
	}
	for _, tenant := range entries {
		if err := tenant.Validate(); err != nil {
			return err
		}
	}
	content, err := yamlv3.Marshal(registryFile{Tenants: entries})
	if err != nil {
		return fmt.Errorf("encode tenant registry: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tenants-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("reread temp registry: %w", err)
	}
	var check registryFile
	if err := yamlv3.Unmarshal(written, &check); err != nil {
		return fmt.Errorf("validate temp registry: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("install tenant registry: %w", err)
	}
	return nil
}
