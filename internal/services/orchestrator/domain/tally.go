package domain

import "sort"

// Tally maps team name to its non-negative vote count, scoped either to
// a cycle or to a face-off.
type Tally map[string]int

// ResolveWinners returns the teams holding the maximum vote count, in
// lexical order, and whether the result is a tie. An empty tally yields
// no winners. A tally where every team sits at zero resolves as a tie
// across all of them; absent votes and zero votes are indistinguishable
// here, and downstream tie-break handling relies on that.
func ResolveWinners(tally Tally) (winners []string, isTie bool) {
	if len(tally) == 0 {
		return nil, false
	}

	max := -1
	for _, count := range tally {
		if count > max {
			max = count
		}
	}

	for team, count := range tally {
		if count == max {
			winners = append(winners, team)
		}
	}
	sort.Strings(winners)

	return winners, len(winners) > 1
}
