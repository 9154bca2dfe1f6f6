package plugin

import (
	"fmt"
	"sort"
	"strings"
)

// sortByDependencies orders discovered plugins so every dependency loads
// before its dependents, with identity order breaking ties. Dependencies
// pointing outside the set are ignored here; the load pipeline reports
// them as missing. A cycle is an error naming its members.
func sortByDependencies(ds []*Discovered) ([]*Discovered, error) {
	byID := make(map[string]*Discovered, len(ds))
	for _, d := range ds {
		byID[d.ID] = d
	}

	indegree := make(map[string]int, len(ds))
	waiters := make(map[string][]string)
	for _, d := range ds {
		indegree[d.ID] = 0
	}
	for _, d := range ds {
		if d.Manifest == nil {
			continue
		}
		for _, dep := range d.Manifest.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			indegree[d.ID]++
			waiters[dep] = append(waiters[dep], d.ID)
		}
	}

	queue := make([]string, 0, len(ds))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	out := make([]*Discovered, 0, len(ds))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, byID[id])

		var freed []string
		for _, w := range waiters[id] {
			indegree[w]--
			if indegree[w] == 0 {
				freed = append(freed, w)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
	}

	if len(out) != len(ds) {
		var cycle []string
		for id, n := range indegree {
			if n > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, ", "))
	}

	return out, nil
}
