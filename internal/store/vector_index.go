package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/nilcroak/memoryd/internal/logging"
)

// ErrDimensionMismatch is returned by Upsert when a vector's
// dimensionality does not match the index's fixed dimension. The memory
// façade logs it and leaves the node without an embedding; nothing in
// this module calls Rebuild in response.
var ErrDimensionMismatch = errors.New("vector dimension mismatch: index rebuild required")

// VectorResult is one ANN match: a node id and its cosine distance.
// Lower distance means higher similarity; results are always returned
// in ascending-distance order.
type VectorResult struct {
	ID       string
	Distance float64
}

// VectorIndex is the dense-vector ANN side-channel keyed by node id.
// Its primary backend is the vec0 virtual table (sqlite-vec when built
// with cgo, or the pure-Go compatibility shim in vec_compat.go
// otherwise); if even that virtual table can't be created, it falls
// back to an in-memory brute-force scan so recall keeps functioning.
type VectorIndex struct {
	db  *sql.DB
	mu  sync.RWMutex
	dim int

	backend string // "vec0" or "brute_force"

	// brute is populated only when backend == "brute_force".
	brute map[string][]float32
}

// OpenVectorIndex opens (or creates) the vector index table against db
// and recovers the previously-recorded dimensionality, if any.
func OpenVectorIndex(db *sql.DB) (*VectorIndex, error) {
	vi := &VectorIndex{db: db, brute: make(map[string][]float32)}

	if _, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS node_vectors USING vec0(embedding, node_id, metadata)`); err == nil {
		vi.backend = "vec0"
	} else {
		logging.StoreWarn("vec0 virtual table unavailable, falling back to brute-force vector scan: %v", err)
		vi.backend = "brute_force"
		if err := vi.loadBruteForceFromDisk(); err != nil {
			return nil, err
		}
	}

	if dim, ok, err := vi.readStoredDim(); err != nil {
		return nil, err
	} else if ok {
		vi.dim = dim
	}

	return vi, nil
}

// node_vector_meta persists dimension and node->rowid bookkeeping the
// vec0 virtual table itself doesn't track across process restarts.
func (vi *VectorIndex) ensureMetaTable() error {
	_, err := vi.db.Exec(`
		CREATE TABLE IF NOT EXISTS node_vector_meta (
			node_id TEXT PRIMARY KEY,
			rowid_ref INTEGER NOT NULL,
			dim INTEGER NOT NULL
		);
	`)
	return err
}

func (vi *VectorIndex) readStoredDim() (int, bool, error) {
	if err := vi.ensureMetaTable(); err != nil {
		return 0, false, err
	}
	var dim int
	err := vi.db.QueryRow(`SELECT dim FROM node_vector_meta LIMIT 1`).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read vector index dimension: %w", err)
	}
	return dim, true, nil
}

// loadBruteForceFromDisk rehydrates the in-memory matrix from
// node_vector_meta-tracked rows persisted in node_vectors_blob, the
// plain-table fallback used when vec0 itself can't be created.
func (vi *VectorIndex) loadBruteForceFromDisk() error {
	if _, err := vi.db.Exec(`
		CREATE TABLE IF NOT EXISTS node_vectors_blob (
			node_id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			metadata TEXT
		);
	`); err != nil {
		return fmt.Errorf("failed to create brute-force vector table: %w", err)
	}

	rows, err := vi.db.Query(`SELECT node_id, embedding FROM node_vectors_blob`)
	if err != nil {
		return fmt.Errorf("failed to load brute-force vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			continue
		}
		vi.brute[id] = vec
		if vi.dim == 0 {
			vi.dim = len(vec)
		}
	}
	return nil
}

// BackendName reports which ANN backend is serving queries, surfaced
// in the health report.
func (vi *VectorIndex) BackendName() string {
	return vi.backend
}

// Dimensions reports the index's fixed dimensionality, 0 if no vector
// has been upserted yet.
func (vi *VectorIndex) Dimensions() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return vi.dim
}

// Upsert inserts or replaces a node's embedding. The first call fixes
// the index's dimensionality; subsequent calls with a different length
// return ErrDimensionMismatch without mutating the index.
func (vi *VectorIndex) Upsert(id string, vector []float32, metadata map[string]interface{}) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	if vi.dim == 0 {
		vi.dim = len(vector)
	} else if len(vector) != vi.dim {
		return ErrDimensionMismatch
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal vector metadata: %w", err)
	}
	blob := encodeVector(vector)

	if vi.backend == "vec0" {
		return vi.upsertVec0(id, blob, string(metaJSON))
	}
	return vi.upsertBrute(id, vector, blob, string(metaJSON))
}

func (vi *VectorIndex) upsertVec0(id string, blob []byte, metaJSON string) error {
	if err := vi.ensureMetaTable(); err != nil {
		return err
	}

	var rowID int64
	err := vi.db.QueryRow(`SELECT rowid_ref FROM node_vector_meta WHERE node_id = ?`, id).Scan(&rowID)
	if err == sql.ErrNoRows {
		res, err := vi.db.Exec(`INSERT INTO node_vectors(embedding, node_id, metadata) VALUES (?, ?, ?)`, blob, id, metaJSON)
		if err != nil {
			return fmt.Errorf("failed to insert vector for %s: %w", id, err)
		}
		rowID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read vector rowid for %s: %w", id, err)
		}
		if _, err := vi.db.Exec(`INSERT INTO node_vector_meta(node_id, rowid_ref, dim) VALUES (?, ?, ?)`, id, rowID, vi.dim); err != nil {
			return fmt.Errorf("failed to record vector metadata for %s: %w", id, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up vector rowid for %s: %w", id, err)
	}

	if _, err := vi.db.Exec(`UPDATE node_vectors SET embedding = ?, node_id = ?, metadata = ? WHERE rowid = ?`, blob, id, metaJSON, rowID); err != nil {
		return fmt.Errorf("failed to update vector for %s: %w", id, err)
	}
	return nil
}

func (vi *VectorIndex) upsertBrute(id string, vector []float32, blob []byte, metaJSON string) error {
	if _, err := vi.db.Exec(`
		INSERT INTO node_vectors_blob(node_id, embedding, metadata) VALUES (?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET embedding = excluded.embedding, metadata = excluded.metadata
	`, id, blob, metaJSON); err != nil {
		return fmt.Errorf("failed to persist brute-force vector for %s: %w", id, err)
	}
	vi.brute[id] = vector
	return nil
}

// Delete removes a node's embedding from the index.
func (vi *VectorIndex) Delete(id string) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	if vi.backend == "vec0" {
		var rowID int64
		err := vi.db.QueryRow(`SELECT rowid_ref FROM node_vector_meta WHERE node_id = ?`, id).Scan(&rowID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up vector rowid for delete of %s: %w", id, err)
		}
		if _, err := vi.db.Exec(`DELETE FROM node_vectors WHERE rowid = ?`, rowID); err != nil {
			return fmt.Errorf("failed to delete vector for %s: %w", id, err)
		}
		if _, err := vi.db.Exec(`DELETE FROM node_vector_meta WHERE node_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete vector metadata for %s: %w", id, err)
		}
		return nil
	}

	delete(vi.brute, id)
	if _, err := vi.db.Exec(`DELETE FROM node_vectors_blob WHERE node_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete brute-force vector for %s: %w", id, err)
	}
	return nil
}

// Query returns the k nearest neighbors of vector by cosine distance,
// ascending. filter, if non-empty, restricts candidates to that set of
// node ids.
func (vi *VectorIndex) Query(vector []float32, k int, filter map[string]bool) ([]VectorResult, error) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	if k <= 0 {
		k = 10
	}

	if vi.backend == "vec0" {
		return vi.queryVec0(vector, k, filter)
	}
	return vi.queryBrute(vector, k, filter), nil
}

func (vi *VectorIndex) queryVec0(vector []float32, k int, filter map[string]bool) ([]VectorResult, error) {
	blob := encodeVector(vector)

	rows, err := vi.db.Query(`
		SELECT node_id, vector_distance_cos(embedding, ?) AS dist
		FROM node_vectors
		ORDER BY dist ASC
	`, blob)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer rows.Close()

	var results []VectorResult
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		if len(filter) > 0 && !filter[id] {
			continue
		}
		results = append(results, VectorResult{ID: id, Distance: dist})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

func (vi *VectorIndex) queryBrute(vector []float32, k int, filter map[string]bool) []VectorResult {
	results := make([]VectorResult, 0, len(vi.brute))
	for id, vec := range vi.brute {
		if len(filter) > 0 && !filter[id] {
			continue
		}
		results = append(results, VectorResult{ID: id, Distance: cosineDistance(vector, vec)})
	}

	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Distance < results[j-1].Distance; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// All returns every embedded node id mapped to its vector, used by
// sleep's RELATE phase and the health report's embedding-coverage
// calculation. Callers must not mutate the returned vectors.
func (vi *VectorIndex) All() (map[string][]float32, error) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	if vi.backend != "vec0" {
		out := make(map[string][]float32, len(vi.brute))
		for id, vec := range vi.brute {
			out[id] = vec
		}
		return out, nil
	}

	rows, err := vi.db.Query(`SELECT node_id, embedding FROM node_vectors`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vectors: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			continue
		}
		out[id] = vec
	}
	return out, nil
}

// Rebuild drops the index's contents (but not its schema) and resets
// its dimension so every node's embedding can be re-upserted under a
// new one. It re-embeds nothing itself, and no caller in this module
// invokes it.
func (vi *VectorIndex) Rebuild() error {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	vi.dim = 0
	if vi.backend == "vec0" {
		if _, err := vi.db.Exec(`DELETE FROM node_vectors`); err != nil {
			return fmt.Errorf("failed to clear vector index: %w", err)
		}
		if _, err := vi.db.Exec(`DELETE FROM node_vector_meta`); err != nil {
			return fmt.Errorf("failed to clear vector index metadata: %w", err)
		}
		return nil
	}

	vi.brute = make(map[string][]float32)
	if _, err := vi.db.Exec(`DELETE FROM node_vectors_blob`); err != nil {
		return fmt.Errorf("failed to clear brute-force vector table: %w", err)
	}
	return nil
}

// ImportLegacyFlatFile upserts every entry of an already-parsed legacy
// vector map (node id to vector) into the index. It does not read or
// parse a file itself, and nothing in this module calls it at startup.
func (vi *VectorIndex) ImportLegacyFlatFile(entries map[string][]float32) error {
	for id, vec := range entries {
		if err := vi.Upsert(id, vec, nil); err != nil {
			return fmt.Errorf("legacy import failed for %s: %w", id, err)
		}
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
