package domain

import (
	"sort"
	"strings"
	"time"
)

// Team is one submitted entry in a cycle. Teams are unique per cycle by
// their identity key, which folds together the name and the member set.
type Team struct {
	GuildID   string
	CycleKey  string
	Name      string
	Members   []string
	CreatedAt time.Time
}

// IdentityKey returns the uniqueness key for a team within a cycle. Two
// submissions with the same case-folded name and the same member set
// collide regardless of member ordering.
func (t Team) IdentityKey() string {
	members := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		members = append(members, m)
	}
	sort.Strings(members)
	return strings.ToLower(strings.TrimSpace(t.Name)) + "|" + strings.Join(members, ",")
}

// NormalizeTeam trims the name and member identifiers and drops empty
// members, preserving submission order.
func NormalizeTeam(team Team) Team {
	team.Name = strings.TrimSpace(team.Name)
	members := make([]string, 0, len(team.Members))
	for _, m := range team.Members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		members = append(members, m)
	}
	team.Members = members
	return team
}
