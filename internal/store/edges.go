package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nilcroak/memoryd/internal/logging"
)

// Edge is a typed, weighted relationship between two nodes.
type Edge struct {
	FromID       string
	ToID         string
	Type         string
	Weight       float64
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Neighbor is a node reached from some origin, annotated with the edge
// that reached it.
type Neighbor struct {
	NodeID string
	Type   string
	Weight float64
}

// AddEdge upserts an edge, merging concurrent writes by keeping the
// larger weight rather than overwriting it, since repeated observation
// of the same relationship (e.g. two co-occurrences) should strengthen
// it, never weaken it.
func (s *Store) AddEdge(tx *sql.Tx, fromID, toID, edgeType string, weight float64) error {
	if weight <= 0 {
		weight = 1.0
	}
	now := time.Now().UTC().Format(timeLayout)

	_, err := tx.Exec(`
		INSERT INTO edges (from_id, to_id, type, weight, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, type) DO UPDATE SET
			weight = MAX(edges.weight, excluded.weight),
			last_accessed = excluded.last_accessed
	`, fromID, toID, edgeType, weight, now, now)
	if err != nil {
		return fmt.Errorf("failed to add edge %s-[%s]->%s: %w", fromID, edgeType, toID, err)
	}
	return nil
}

// SetEdgeWeight forcibly overwrites an edge's weight, used by recall's
// CO_ACCESSED reinforcement and sleep's CALIBRATE phase, which need
// exact values rather than a max-merge.
func (s *Store) SetEdgeWeight(tx *sql.Tx, fromID, toID, edgeType string, weight float64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := tx.Exec(`
		INSERT INTO edges (from_id, to_id, type, weight, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, type) DO UPDATE SET
			weight = excluded.weight,
			last_accessed = excluded.last_accessed
	`, fromID, toID, edgeType, weight, now, now)
	if err != nil {
		return fmt.Errorf("failed to set edge weight %s-[%s]->%s: %w", fromID, edgeType, toID, err)
	}
	return nil
}

// EdgeDirection selects which side of an edge to traverse from a node.
type EdgeDirection int

const (
	DirOut EdgeDirection = iota
	DirIn
	DirBoth
)

// Neighbors returns the nodes reachable from id in one hop, optionally
// filtered to a set of edge types. direction selects outgoing, incoming,
// or both.
func (s *Store) Neighbors(id string, direction EdgeDirection, types []string) ([]Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.neighborsLocked(id, direction, types)
}

func (s *Store) neighborsLocked(id string, direction EdgeDirection, types []string) ([]Neighbor, error) {
	var query string
	switch direction {
	case DirOut:
		query = `SELECT to_id, type, weight FROM edges WHERE from_id = ?`
	case DirIn:
		query = `SELECT from_id, type, weight FROM edges WHERE to_id = ?`
	default:
		query = `SELECT to_id, type, weight FROM edges WHERE from_id = ?
		         UNION ALL
		         SELECT from_id, type, weight FROM edges WHERE to_id = ?`
	}

	var rows *sql.Rows
	var err error
	if direction == DirBoth {
		rows, err = s.db.Query(query, id, id)
	} else {
		rows, err = s.db.Query(query, id)
	}
	if err != nil {
		return nil, fmt.Errorf("neighbors query failed for %s: %w", id, err)
	}
	defer rows.Close()

	typeFilter := make(map[string]bool, len(types))
	for _, t := range types {
		typeFilter[t] = true
	}

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.NodeID, &n.Type, &n.Weight); err != nil {
			continue
		}
		if len(typeFilter) > 0 && !typeFilter[n.Type] {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// EdgesOfType returns every edge of a given type in the store. Exposed
// to callers through graph.Graph.EdgesOfType.
func (s *Store) EdgesOfType(edgeType string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT from_id, to_id, type, weight, created_at, last_accessed FROM edges WHERE type = ?`, edgeType)
	if err != nil {
		return nil, fmt.Errorf("edges_of_type query failed: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var createdAt, lastAccessed string
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Type, &e.Weight, &createdAt, &lastAccessed); err != nil {
			continue
		}
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		e.LastAccessed, _ = time.Parse(timeLayout, lastAccessed)
		edges = append(edges, e)
	}
	return edges, nil
}

// AllEdges returns every edge in the store, used by sleep phases and
// the health report's connectivity calculation.
func (s *Store) AllEdges() ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT from_id, to_id, type, weight, created_at, last_accessed FROM edges`)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var createdAt, lastAccessed string
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Type, &e.Weight, &createdAt, &lastAccessed); err != nil {
			continue
		}
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		e.LastAccessed, _ = time.Parse(timeLayout, lastAccessed)
		edges = append(edges, e)
	}
	return edges, nil
}

// RewireEdges moves every edge touching oldID onto newID, used by
// sleep's DEDUP phase when merging a younger duplicate node into an
// older one.
func (s *Store) RewireEdges(tx *sql.Tx, oldID, newID string) error {
	if _, err := tx.Exec(`UPDATE OR IGNORE edges SET from_id = ? WHERE from_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to rewire outgoing edges from %s: %w", oldID, err)
	}
	if _, err := tx.Exec(`UPDATE OR IGNORE edges SET to_id = ? WHERE to_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to rewire incoming edges to %s: %w", oldID, err)
	}
	if _, err := tx.Exec(`DELETE FROM edges WHERE from_id = ? OR to_id = ?`, oldID, oldID); err != nil {
		logging.StoreDebug("cleanup of dangling edges for %s failed: %v", oldID, err)
	}
	return nil
}
