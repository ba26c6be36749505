package domain

import "time"

// DefaultMinTeams is substituted when a guild's minimum team count is
// absent or invalid.
const DefaultMinTeams = 2

// DefaultConfirmationTimeout bounds how long a cancellation waits for an
// operator decision before proceeding on its own.
const DefaultConfirmationTimeout = time.Hour

// Settings is one guild's competition configuration. Zero values are
// normalized on read so a missing record behaves like a fresh guild.
type Settings struct {
	GuildID              string
	BiweeklyMode         bool
	MinTeams             int
	SafeMode             bool
	ConfirmationRequired bool
	ConfirmationTimeout  time.Duration
	AutomationEnabled    bool
	NextTheme            string
	UpdatedAt            time.Time
}

// DefaultSettings returns the configuration a guild starts with before
// any operator has touched it.
func DefaultSettings(guildID string) Settings {
	return Settings{
		GuildID:             guildID,
		MinTeams:            DefaultMinTeams,
		ConfirmationTimeout: DefaultConfirmationTimeout,
		AutomationEnabled:   true,
	}
}

// Normalize replaces invalid fields with their documented defaults. A
// malformed guild configuration degrades to defaults instead of halting
// the guild's scheduling.
func (s Settings) Normalize() Settings {
	if s.MinTeams < 1 {
		s.MinTeams = DefaultMinTeams
	}
	if s.ConfirmationTimeout <= 0 {
		s.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	return s
}
