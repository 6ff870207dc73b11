package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nilcroak/memoryd/internal/logging"
)

// Node is a stored unit of memory: an id, labels, content, properties,
// and the bookkeeping fields reinforcement and decay operate on.
type Node struct {
	ID           string
	Title        string
	Content      string
	Labels       []string
	Properties   map[string]interface{}
	Strength     float64
	AccessCount  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastAccessed time.Time
}

const timeLayout = time.RFC3339Nano

// UpsertNode creates or replaces a node's content and properties. Labels
// are unioned with any existing labels (never removed) unless replace
// is true, matching the store's never-delete label discipline.
func (s *Store) UpsertNode(tx *sql.Tx, id, title, content string, labels []string, properties map[string]interface{}, replaceLabels bool) error {
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to marshal node properties: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)

	var existingCreated string
	err = tx.QueryRow(`SELECT created_at FROM nodes WHERE id = ?`, id).Scan(&existingCreated)
	isNew := err == sql.ErrNoRows
	if err != nil && !isNew {
		return fmt.Errorf("failed to check existing node %s: %w", id, err)
	}
	createdAt := now
	if !isNew {
		createdAt = existingCreated
	}

	_, err = tx.Exec(`
		INSERT INTO nodes (id, title, content, properties_json, strength, access_count, created_at, updated_at, last_accessed)
		VALUES (?, ?, ?, ?, 1.0, 0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			properties_json = excluded.properties_json,
			updated_at = excluded.updated_at
	`, id, title, content, string(propsJSON), createdAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", id, err)
	}

	if replaceLabels {
		if _, err := tx.Exec(`DELETE FROM node_labels WHERE node_id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear labels for %s: %w", id, err)
		}
	}
	for _, label := range labels {
		if label == "" {
			continue
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO node_labels(node_id, label) VALUES (?, ?)`, id, label); err != nil {
			return fmt.Errorf("failed to add label %s to %s: %w", label, id, err)
		}
	}

	if s.ftsEnabled {
		if _, err := tx.Exec(`DELETE FROM nodes_fts WHERE id = ?`, id); err != nil {
			logging.StoreDebug("fts delete failed for %s: %v", id, err)
		}
		if _, err := tx.Exec(`INSERT INTO nodes_fts(id, title, content) VALUES (?, ?, ?)`, id, title, content); err != nil {
			logging.StoreDebug("fts insert failed for %s: %v", id, err)
		}
	}

	logging.StoreDebug("upserted node %s (%s), labels=%v, new=%v", id, title, labels, isNew)
	return nil
}

// UpdateNodeContent replaces a node's content and merges properties at
// the top level (existing keys not present in the patch are preserved).
func (s *Store) UpdateNodeContent(tx *sql.Tx, id, content string, propertiesPatch map[string]interface{}) error {
	var existingJSON string
	if err := tx.QueryRow(`SELECT properties_json FROM nodes WHERE id = ?`, id).Scan(&existingJSON); err != nil {
		return fmt.Errorf("node %s not found: %w", id, err)
	}

	existing := map[string]interface{}{}
	if existingJSON != "" {
		if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
			return fmt.Errorf("corrupt properties for node %s: %w", id, err)
		}
	}
	for k, v := range propertiesPatch {
		existing[k] = v
	}

	merged, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("failed to marshal merged properties: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.Exec(
		`UPDATE nodes SET content = ?, properties_json = ?, updated_at = ? WHERE id = ?`,
		content, string(merged), now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", id, err)
	}

	if s.ftsEnabled {
		var title string
		_ = tx.QueryRow(`SELECT title FROM nodes WHERE id = ?`, id).Scan(&title)
		if _, err := tx.Exec(`DELETE FROM nodes_fts WHERE id = ?`, id); err != nil {
			logging.StoreDebug("fts delete failed for %s: %v", id, err)
		}
		if _, err := tx.Exec(`INSERT INTO nodes_fts(id, title, content) VALUES (?, ?, ?)`, id, title, content); err != nil {
			logging.StoreDebug("fts insert failed for %s: %v", id, err)
		}
	}

	return nil
}

// GetNode fetches a node by id, including its labels.
func (s *Store) GetNode(id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNodeLocked(id)
}

func (s *Store) getNodeLocked(id string) (*Node, error) {
	row := s.db.QueryRow(`
		SELECT id, title, content, properties_json, strength, access_count, created_at, updated_at, last_accessed
		FROM nodes WHERE id = ?`, id)

	node, err := scanNode(row)
	if err != nil {
		return nil, err
	}

	labels, err := s.labelsForNodeLocked(id)
	if err != nil {
		return nil, err
	}
	node.Labels = labels
	return node, nil
}

func (s *Store) labelsForNodeLocked(id string) ([]string, error) {
	rows, err := s.db.Query(`SELECT label FROM node_labels WHERE node_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load labels for %s: %w", id, err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			continue
		}
		labels = append(labels, l)
	}
	return labels, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var propsJSON, createdAt, updatedAt, lastAccessed string

	if err := row.Scan(&n.ID, &n.Title, &n.Content, &propsJSON, &n.Strength, &n.AccessCount, &createdAt, &updatedAt, &lastAccessed); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	n.Properties = map[string]interface{}{}
	if propsJSON != "" {
		if err := json.Unmarshal([]byte(propsJSON), &n.Properties); err != nil {
			return nil, fmt.Errorf("corrupt properties for node %s: %w", n.ID, err)
		}
	}

	n.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	n.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	n.LastAccessed, _ = time.Parse(timeLayout, lastAccessed)

	return &n, nil
}

// FindByTitleLabels looks up a node by exact title and label-set
// membership (all given labels must be present).
func (s *Store) FindByTitleLabels(title string, labels []string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id FROM nodes WHERE title = ?`, title)
	if err != nil {
		return nil, fmt.Errorf("find_by_title_labels query failed: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			candidates = append(candidates, id)
		}
	}

	for _, id := range candidates {
		nodeLabels, err := s.labelsForNodeLocked(id)
		if err != nil {
			continue
		}
		if hasAllLabels(nodeLabels, labels) {
			return s.getNodeLocked(id)
		}
	}
	return nil, sql.ErrNoRows
}

func hasAllLabels(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[l] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// FindByLabel returns every node carrying the given label.
func (s *Store) FindByLabel(label string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT node_id FROM node_labels WHERE label = ?`, label)
	if err != nil {
		return nil, fmt.Errorf("find_by_label query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.getNodeLocked(id)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// FindByProperty scans nodes for a top-level properties_json key/value
// match. There is no secondary index on properties: this is a full
// table scan, acceptable at the expected scale (<=1e5 nodes, §4.1).
func (s *Store) FindByProperty(key string, value interface{}) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, properties_json FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("find_by_property query failed: %w", err)
	}
	defer rows.Close()

	var matches []*Node
	for rows.Next() {
		var id, propsJSON string
		if err := rows.Scan(&id, &propsJSON); err != nil {
			continue
		}
		props := map[string]interface{}{}
		if propsJSON != "" {
			if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
				continue
			}
		}
		v, ok := props[key]
		if !ok || !propertyEquals(v, value) {
			continue
		}
		n, err := s.getNodeLocked(id)
		if err != nil {
			continue
		}
		matches = append(matches, n)
	}
	return matches, nil
}

func propertyEquals(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// TouchNode reinforces a node on access: strength *= factor (saturating
// at 1.0), access_count++, last_accessed updated. Used by recall (C7).
func (s *Store) TouchNode(tx *sql.Tx, id string, reinforceFactor float64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := tx.Exec(`
		UPDATE nodes
		SET strength = MIN(1.0, strength * ?),
		    access_count = access_count + 1,
		    last_accessed = ?
		WHERE id = ?
	`, reinforceFactor, now, id)
	if err != nil {
		return fmt.Errorf("failed to reinforce node %s: %w", id, err)
	}
	return nil
}

// SetStrength overwrites a node's strength directly, used by cognitive
// decay (C9) which computes the decayed value itself.
func (s *Store) SetStrength(tx *sql.Tx, id string, strength float64) error {
	_, err := tx.Exec(`UPDATE nodes SET strength = ? WHERE id = ?`, strength, id)
	if err != nil {
		return fmt.Errorf("failed to set strength for %s: %w", id, err)
	}
	return nil
}

// AddLabel adds a single label to a node, idempotently.
func (s *Store) AddLabel(tx *sql.Tx, id, label string) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO node_labels(node_id, label) VALUES (?, ?)`, id, label)
	if err != nil {
		return fmt.Errorf("failed to add label %s to %s: %w", label, id, err)
	}
	return nil
}

// AllNodes returns every node in the store. Used by sleep phases that
// must scan the full corpus (DEDUP, RELATE, CALIBRATE).
func (s *Store) AllNodes() ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.getNodeLocked(id)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// DeleteNode physically removes a node and its labels (edges cascade).
// Reserved for sleep's DEDUP phase, which merges a younger duplicate's
// properties and edges onto the older survivor before deleting it; every
// other path in the engine follows the never-delete discipline and uses
// Archived/WeakMemory labels instead.
func (s *Store) DeleteNode(tx *sql.Tx, id string) error {
	if _, err := tx.Exec(`DELETE FROM node_labels WHERE node_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete labels for %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	if s.ftsEnabled {
		if _, err := tx.Exec(`DELETE FROM nodes_fts WHERE id = ?`, id); err != nil {
			logging.StoreDebug("fts delete failed for %s: %v", id, err)
		}
	}
	return nil
}
