package domain

import "time"

// Snapshot is the compact status view pushed to the operator surface
// after each command and on a fixed idle cadence.
type Snapshot struct {
	Phase             Phase     `json:"phase"`
	Theme             string    `json:"theme"`
	AutomationEnabled bool      `json:"automation_enabled"`
	WeekCancelled     bool      `json:"week_cancelled"`
	TeamCount         int       `json:"team_count"`
	TenantID          string    `json:"tenant_id"`
	TenantName        string    `json:"tenant_name"`
	LastUpdated       time.Time `json:"last_updated"`
}

// BuildSnapshot folds the guild's current state into its outward
// status view.
func BuildSnapshot(guildID, guildName string, settings Settings, cycle Cycle, teamCount int, now time.Time) Snapshot {
	return Snapshot{
		Phase:             cycle.Phase,
		Theme:             cycle.Theme,
		AutomationEnabled: settings.AutomationEnabled,
		WeekCancelled:     cycle.WeekCancelled,
		TeamCount:         teamCount,
		TenantID:          guildID,
		TenantName:        guildName,
		LastUpdated:       now.UTC(),
	}
}
