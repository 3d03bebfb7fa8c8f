// Package graph provides small generic graph algorithms
// shared by the stack engine.
package graph

import "github.com/stacklane/stk/internal/must"

// Toposort orders nodes so that each node's parent (if any)
// comes before the node itself.
//
// parent reports the parent of a node, or false if it has none.
// Every value returned by parent must also appear in nodes,
// and the relation must not contain a cycle.
func Toposort[N comparable](nodes []N, parent func(N) (N, bool)) []N {
	ordered := make([]N, 0, len(nodes))
	visited := make(map[N]struct{}, len(nodes))

	var visit func(N)
	visit = func(n N) {
		if _, ok := visited[n]; ok {
			return
		}
		visited[n] = struct{}{}

		if p, ok := parent(n); ok {
			visit(p)
		}

		ordered = append(ordered, n)
	}

	for _, n := range nodes {
		visit(n)
	}

	must.BeEqualf(len(nodes), len(ordered),
		"toposort dropped or duplicated nodes: want %d, got %d", len(nodes), len(ordered))

	return ordered
}
