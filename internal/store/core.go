// Package store is the single durable home for nodes, labels, properties,
// edges, and operational logs. It wraps an embedded SQLite database and
// exposes the store's physical schema through typed operations so callers
// never embed SQL.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/memerr"
)

// schemaVersion is the current schema generation. Opening a store at a
// lower version triggers an in-place, additive-only migration.
const schemaVersion = 2

// Store is the durable graph store: nodes, labels, edges, full-text
// index, and the vector index side-channel (see vector_index.go).
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	dbPath     string
	ftsEnabled bool
	vec        *VectorIndex
}

// Open opens (creating if necessary) the SQLite-backed store rooted at
// dir/brain.db. dir is always resolved relative to the caller-supplied
// path, never defaulted against the process working directory — callers
// own path resolution (see cmd/memoryd).
func Open(dir string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.StoreError("failed to create store directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create store directory: %w: %w", memerr.ErrStoreUnavailable, err)
	}

	dbPath := filepath.Join(dir, "brain.db")
	logging.Store("opening store at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		logging.StoreError("failed to open database at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w: %w", memerr.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma failed (%s): %v", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", memerr.ErrStoreUnavailable, err)
	}

	vec, err := OpenVectorIndex(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open vector index: %w: %w", memerr.ErrStoreUnavailable, err)
	}
	s.vec = vec

	logging.Store("store ready at %s (schema v%d, fts=%v, vec_backend=%s)",
		dbPath, schemaVersion, s.ftsEnabled, vec.BackendName())
	return s, nil
}

func (s *Store) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		properties_json TEXT NOT NULL DEFAULT '{}',
		strength REAL NOT NULL DEFAULT 1.0,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_accessed TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS node_labels (
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		PRIMARY KEY (node_id, label)
	);
	CREATE INDEX IF NOT EXISTS idx_node_labels_label ON node_labels(label);

	CREATE TABLE IF NOT EXISTS edges (
		from_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		to_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		created_at TEXT NOT NULL,
		last_accessed TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, type)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
	CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type);

	CREATE TABLE IF NOT EXISTS sleep_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phase TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		detail_json TEXT NOT NULL DEFAULT '{}'
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.ftsEnabled = s.tryCreateFTS()

	return nil
}

// tryCreateFTS attempts to create the FTS5 virtual table mirroring
// nodes.title/content. If FTS5 is unavailable in the build, keyword_search
// transparently falls back to a LIKE-pattern scan (see fts.go).
func (s *Store) tryCreateFTS() bool {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
			id UNINDEXED, title, content, tokenize='porter unicode61'
		);
	`)
	if err != nil {
		logging.StoreWarn("FTS5 unavailable, falling back to LIKE search: %v", err)
		return false
	}
	return true
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	logging.Store("closing store")
	return s.db.Close()
}

// DB exposes the underlying connection for components (sleep, cognitive)
// that need to run bespoke aggregate queries the node/edge façade doesn't
// cover. Writes through it bypass Store's mutex; WithTx is the locked
// write path.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error (including a panic recovered and re-raised).
// Every batch ingest adapter and the memory façade use this to guarantee
// a failed batch leaves the store unchanged.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.StoreError("rollback failed after error %v: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// VectorQuery runs an ANN query against the vector index, restricted to
// filter if non-empty. Thin passthrough so callers (recall) never hold
// a reference to the vector index directly.
func (s *Store) VectorQuery(vector []float32, k int, filter map[string]bool) ([]VectorResult, error) {
	return s.vec.Query(vector, k, filter)
}

// VectorUpsert stores or replaces a node's embedding.
func (s *Store) VectorUpsert(id string, vector []float32, metadata map[string]interface{}) error {
	return s.vec.Upsert(id, vector, metadata)
}

// VectorBackendName reports which ANN backend is active ("vec0" or
// "brute_force"), used by the health report.
func (s *Store) VectorBackendName() string {
	return s.vec.BackendName()
}

// AllVectors returns every embedded node's vector, keyed by node id.
func (s *Store) AllVectors() (map[string][]float32, error) {
	return s.vec.All()
}

// WriteSleepLog records one consolidation phase's outcome as a row in
// sleep_log, giving each sleep run a JSONL-equivalent audit trail
// queryable from the store itself.
func (s *Store) WriteSleepLog(phase string, startedAt, finishedAt time.Time, detail map[string]interface{}) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal sleep log detail: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO sleep_log (phase, started_at, finished_at, detail_json)
		VALUES (?, ?, ?, ?)
	`, phase, startedAt.UTC().Format(timeLayout), finishedAt.UTC().Format(timeLayout), string(detailJSON))
	if err != nil {
		return fmt.Errorf("failed to write sleep log for phase %s: %w", phase, err)
	}
	return nil
}

// GetStats reports row counts for the top-level tables, used by the
// health report (C9).
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"nodes", "edges", "node_labels"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("stats query for %s failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
