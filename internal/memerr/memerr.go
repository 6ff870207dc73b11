// Package memerr defines the sentinel errors every component wraps
// around with fmt.Errorf("%w") so callers can distinguish environment
// problems from programmer bugs via errors.Is/As.
package memerr

import "errors"

var (
	// ErrStoreUnavailable means the database file could not be opened
	// or read. Fatal for the caller.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSchemaMismatch means the store's schema version is newer than
	// this binary supports, or otherwise unmigratable.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrVectorBackendMissing means the ANN library isn't available.
	// Recovered locally by falling back to a brute-force scan; this
	// error is only surfaced through the health report, never to a
	// caller of recall/populate.
	ErrVectorBackendMissing = errors.New("vector backend missing")

	// ErrEmbedderMissing means the neural embedding model is
	// unavailable. Recovered locally by switching to TF-IDF.
	ErrEmbedderMissing = errors.New("embedder missing")

	// ErrIngestParse means a single input record was malformed. The
	// adapter that returns this skips the record and counts it; it
	// never aborts the whole run.
	ErrIngestParse = errors.New("ingest parse error")

	// ErrEdgeResolutionMiss means a wikilink or reference token
	// resolved to no node. Counted in the cross-reference report, not
	// treated as an error by callers.
	ErrEdgeResolutionMiss = errors.New("edge resolution miss")

	// ErrCancelled means the caller aborted a long-running phase.
	// Partial state up to the last committed step is retained.
	ErrCancelled = errors.New("cancelled")

	// ErrInvariantViolation means a write attempted to violate
	// identity, label, or bounds invariants. Aborts the current
	// transaction; indicates a programmer error, not a data problem.
	ErrInvariantViolation = errors.New("invariant violation")
)
