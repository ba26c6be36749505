package domain

import "time"

// Ballot is one member's vote in a cycle. A voter holds at most one
// ballot per cycle; casting again replaces the earlier one.
type Ballot struct {
	GuildID  string
	CycleKey string
	VoterID  string
	Team     string
	CastAt   time.Time
}
