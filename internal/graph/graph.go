// Package graph is a thin façade over the store exposed in graph
// vocabulary (node, neighbors, edges_of_type, by_label, by_property) so
// higher components never embed SQL, plus the bounded spreading-
// activation walk used by recall.
package graph

import (
	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/store"
)

// Graph wraps a Store with graph-shaped accessors.
type Graph struct {
	store *store.Store
}

// New wraps a store.
func New(s *store.Store) *Graph {
	return &Graph{store: s}
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*store.Node, error) {
	return g.store.GetNode(id)
}

// Neighbors returns the one-hop neighbors of id in the given direction,
// optionally restricted to a set of edge types.
func (g *Graph) Neighbors(id string, direction store.EdgeDirection, types []string) ([]store.Neighbor, error) {
	return g.store.Neighbors(id, direction, types)
}

// EdgesOfType returns every edge of the given type.
func (g *Graph) EdgesOfType(edgeType string) ([]store.Edge, error) {
	return g.store.EdgesOfType(edgeType)
}

// ByLabel returns every node carrying the given label.
func (g *Graph) ByLabel(label string) ([]*store.Node, error) {
	return g.store.FindByLabel(label)
}

// ByProperty returns every node whose properties carry key=value.
func (g *Graph) ByProperty(key string, value interface{}) ([]*store.Node, error) {
	return g.store.FindByProperty(key, value)
}

// SpreadOptions configures a spreading-activation walk.
type SpreadOptions struct {
	MaxHops  int
	Decay    float64
	MaxNodes int
}

// DefaultSpreadOptions matches the defaults named in §4.5.
func DefaultSpreadOptions() SpreadOptions {
	return SpreadOptions{MaxHops: 3, Decay: 0.5, MaxNodes: 200}
}

// Spread performs a breadth-first spread from the seed nodes,
// propagating activation = parent_activation * edge_weight * decay,
// accumulating across multiple incoming paths, and halting at MaxHops
// or MaxNodes. Seeds start at activation 1.0; activation is never
// negative.
func (g *Graph) Spread(seeds []string, opts SpreadOptions) map[string]float64 {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 3
	}
	if opts.Decay <= 0 {
		opts.Decay = 0.5
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = 200
	}

	activation := make(map[string]float64, len(seeds))
	for _, seed := range seeds {
		activation[seed] = 1.0
	}

	type frontierEntry struct {
		id    string
		level float64
	}

	frontier := make([]frontierEntry, 0, len(seeds))
	for _, seed := range seeds {
		frontier = append(frontier, frontierEntry{id: seed, level: 1.0})
	}

	for hop := 0; hop < opts.MaxHops && len(frontier) > 0; hop++ {
		if len(activation) >= opts.MaxNodes {
			break
		}

		next := make([]frontierEntry, 0)
		for _, entry := range frontier {
			neighbors, err := g.store.Neighbors(entry.id, store.DirOut, nil)
			if err != nil {
				logging.RecallDebug("spread: neighbors lookup failed for %s: %v", entry.id, err)
				continue
			}

			for _, nb := range neighbors {
				propagated := entry.level * nb.Weight * opts.Decay
				if propagated < 0 {
					propagated = 0
				}
				if propagated == 0 {
					continue
				}

				if len(activation) >= opts.MaxNodes {
					if _, seen := activation[nb.NodeID]; !seen {
						continue
					}
				}

				activation[nb.NodeID] += propagated
				next = append(next, frontierEntry{id: nb.NodeID, level: propagated})
			}
		}
		frontier = next
	}

	return activation
}
