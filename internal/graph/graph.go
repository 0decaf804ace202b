// Package graph orders sub-tasks by their declared dependencies.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// ErrCycleDetected indicates a circular dependency between sub-tasks.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph is the dependency graph of one master task's sub-tasks. Edges point
// from a sub-task to the sub-tasks it depends on.
type Graph struct {
	nodes map[string]*models.SubTask
	edges map[string][]string
	order []string
}

// Build constructs the graph. It fails if a sub-task depends on an unknown
// sub-task, on itself, or on a chain that leads back to itself.
func Build(subs []*models.SubTask) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*models.SubTask, len(subs)),
		edges: make(map[string][]string, len(subs)),
	}
	for _, st := range subs {
		if _, dup := g.nodes[st.ID]; dup {
			return nil, fmt.Errorf("duplicate sub-task id %s", st.ID)
		}
		g.nodes[st.ID] = st
		g.order = append(g.order, st.ID)
	}
	for _, st := range subs {
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return nil, fmt.Errorf("sub-task %s depends on itself: %w", st.ID, ErrCycleDetected)
			}
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("sub-task %s depends on unknown sub-task %s", st.ID, dep)
			}
			g.edges[st.ID] = append(g.edges[st.ID], dep)
		}
	}
	if g.hasCycle() {
		return nil, ErrCycleDetected
	}
	return g, nil
}

// hasCycle runs a depth-first search with coloring to find a back edge.
func (g *Graph) hasCycle() bool {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for _, id := range g.order {
		if colors[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// Order returns the sub-tasks so that every dependency comes before its
// dependents. Among sub-tasks that are ready at the same time the original
// order is kept.
func (g *Graph) Order() []*models.SubTask {
	pos := make(map[string]int, len(g.order))
	for i, id := range g.order {
		pos[id] = i
	}
	remaining := make(map[string]int, len(g.order))
	for _, id := range g.order {
		remaining[id] = len(g.edges[id])
	}

	var ready []string
	for _, id := range g.order {
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	out := make([]*models.SubTask, 0, len(g.order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, g.nodes[id])

		var unblocked []string
		for _, dependent := range g.Dependents(id) {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				unblocked = append(unblocked, dependent)
			}
		}
		ready = append(ready, unblocked...)
		sort.SliceStable(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
	}
	return out
}

// Independent reports whether no sub-task declares a dependency, i.e. every
// sub-task may run in parallel.
func (g *Graph) Independent() bool {
	for _, deps := range g.edges {
		if len(deps) > 0 {
			return false
		}
	}
	return true
}

// Size returns the number of sub-tasks in the graph.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the IDs the given sub-task depends on.
func (g *Graph) Dependencies(id string) []string {
	return g.edges[id]
}

// Dependents returns the IDs of sub-tasks that depend on the given one, in
// original order.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, other := range g.order {
		for _, dep := range g.edges[other] {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	return out
}
