package graph

import "fmt"

// ErrCycle is returned by TopologicalSort when the graph contains a cycle
// across the ordering relations; callers should inspect DetectCycles for
// the offending component.
var ErrCycle = fmt.Errorf("graph: cycle detected")

// TopologicalSort returns logical IDs ordered leaves-first: for every edge
// (a -> b) with an ordering relation, b appears before a. Ties are broken
// by stable insertion order so startup is deterministic (Kahn's
// algorithm).
func (g *ApplicationGraph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.order))
	adjacency := make(map[string][]string, len(g.order)) // target -> sources depending on it
	for _, id := range g.order {
		inDegree[id] = 0
	}
	for _, e := range g.edges {
		if !OrderingRelations[e.Relation] {
			continue
		}
		// "source depends on target": target must be emitted first, so
		// source's in-degree counts its unresolved dependencies.
		inDegree[e.Source]++
		adjacency[e.Target] = append(adjacency[e.Target], e.Source)
	}

	// Seed the ready queue with zero-in-degree nodes in insertion order.
	ready := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		// Re-scan dependents in original insertion order so that when
		// multiple become ready at once they're appended deterministically.
		for _, dependentID := range stableSubset(g.order, adjacency[id]) {
			inDegree[dependentID]--
			if inDegree[dependentID] == 0 {
				ready = append(ready, dependentID)
			}
		}
	}

	if len(order) != len(g.order) {
		return nil, ErrCycle
	}
	return order, nil
}

// stableSubset returns the elements of subset in the relative order they
// appear in all, so fan-out from a single node doesn't scramble determinism.
func stableSubset(all, subset []string) []string {
	if len(subset) <= 1 {
		return subset
	}
	want := make(map[string]bool, len(subset))
	for _, s := range subset {
		want[s] = true
	}
	out := make([]string, 0, len(subset))
	for _, id := range all {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

// Cycle is one strongly connected component of size > 1, or a self-loop.
type Cycle struct {
	Members []string
}

// DetectCycles returns every strongly connected component (over the
// ordering-relation edges) with more than one member, plus any self-loop,
// using Tarjan's algorithm. An empty result means the graph is a DAG and
// the orchestrator may proceed to start it.
func (g *ApplicationGraph) DetectCycles() []Cycle {
	adjacency := make(map[string][]string, len(g.order))
	for _, e := range g.edges {
		if !OrderingRelations[e.Relation] {
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		if e.Source == e.Target {
			// self-loop, always its own single-member cycle
		}
	}

	t := &tarjan{
		adjacency: adjacency,
		index:     make(map[string]int),
		lowlink:   make(map[string]int),
		onStack:   make(map[string]bool),
	}
	for _, id := range g.order {
		if _, visited := t.index[id]; !visited {
			t.strongConnect(id)
		}
	}

	var cycles []Cycle
	for _, comp := range t.components {
		if len(comp) > 1 {
			cycles = append(cycles, Cycle{Members: comp})
			continue
		}
		// size-1 component: only a cycle if it's a self-loop
		id := comp[0]
		for _, target := range adjacency[id] {
			if target == id {
				cycles = append(cycles, Cycle{Members: comp})
				break
			}
		}
	}
	return cycles
}

type tarjan struct {
	adjacency  map[string][]string
	index      map[string]int
	lowlink    map[string]int
	onStack    map[string]bool
	stack      []string
	counter    int
	components [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.adjacency[v] {
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var comp []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		t.components = append(t.components, comp)
	}
}
