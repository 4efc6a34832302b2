package rules

import "golang.org/x/exp/slices"

// computeInitiativeOrder sorts unit ids by descending initiative, with
// ties broken by ascending unit id (§3, glossary "Initiative").
func computeInitiativeOrder(units map[string]*Unit) []string {
	order := make([]string, 0, len(units))
	for id := range units {
		order = append(order, id)
	}

	slices.SortFunc(order, func(a, b string) int {
		ua, ub := units[a], units[b]
		if ua.Stats.Initiative != ub.Stats.Initiative {
			return ub.Stats.Initiative - ua.Stats.Initiative
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})

	return order
}
