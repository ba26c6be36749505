// Package config reads service configuration from the environment and
// provides the shared fatal-exit helper for CLI entry points. Every
// bandstand config struct declares `env:"BANDSTAND_…"` tags; flags
// layered on top in the internal/cmd packages override what the
// environment set.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target's env-tagged fields from the process
// environment.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
