package jobs

import (
	"sort"
	"sync"
)

// Edge is one allowed trigger from a running task to a downstream task.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the pipeline topology. Handlers may only trigger tasks along its
// edges, which keeps the fan-out inspectable.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]map[string]struct{}
}

func NewGraph() *Graph {
	return &Graph{edges: make(map[string]map[string]struct{})}
}

// Connect adds edges from -> each of to. It returns g for chaining.
func (g *Graph) Connect(from string, to ...string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	next, ok := g.edges[from]
	if !ok {
		next = make(map[string]struct{}, len(to))
		g.edges[from] = next
	}
	for _, name := range to {
		next[name] = struct{}{}
	}
	return g
}

func (g *Graph) Allows(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[from][to]
	return ok
}

func (g *Graph) Downstream(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.edges[name]))
	for to := range g.edges[name] {
		out = append(out, to)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for from, next := range g.edges {
		for to := range next {
			out = append(out, Edge{From: from, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Nodes returns every task named by an edge.
func (g *Graph) Nodes() []string {
	seen := make(map[string]struct{})
	for _, e := range g.Edges() {
		seen[e.From] = struct{}{}
		seen[e.To] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
