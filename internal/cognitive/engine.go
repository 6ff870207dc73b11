// Package cognitive implements Ebbinghaus-style decay, archival
// proposals, and the health report (C9).
package cognitive

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/store"
)

// decayRates maps a node's primary label to its per-day decay rate, per
// §4.9/§3. Nodes carrying more than one of these labels use the fastest
// (largest) matching rate, since a node that is e.g. both an Episode and
// a Commit should decay at least as fast as either alone.
var decayRates = map[string]float64{
	"Person":     1e-4,
	"Decision":   1e-3,
	"ADR":        1e-3,
	"Pattern":    5e-3,
	"Episode":    1e-2,
	"Commit":     1e-2,
	"Experience": 1e-2,
	"BugFix":     1e-2,
	"Concept":    3e-3,
	"Module":     1e-3,
	"Class":      1e-3,
	"Function":   1e-3,
	"Interface":  1e-3,
}

const defaultDecayRate = 3e-3

// weakThreshold and archiveThreshold are the strength cutoffs named in
// §4.9: below weakThreshold a node is tagged WeakMemory; below
// archiveThreshold for archiveAfterDays it becomes an archival
// candidate.
const (
	weakThreshold    = 0.3
	archiveThreshold = 0.1
)

// DecayReport summarizes one decay pass.
type DecayReport struct {
	Scanned            int
	MarkedWeak         int
	ArchivalCandidates []string
}

// HealthReport is the structured output of Health, matching §4.9's
// reported sections.
type HealthReport struct {
	Score                float64          `json:"score"`
	WeakRatio            float64          `json:"weak_ratio"`
	SemanticConnectivity float64          `json:"semantic_connectivity"`
	EmbeddingCoverage    float64          `json:"embedding_coverage"`
	CodeCoverage         map[string]int64 `json:"code_coverage"`
	DiffEnrichment       float64          `json:"diff_enrichment"`
	VectorBackend        string           `json:"vector_backend"`
	Recommendations      []string         `json:"recommendations"`
}

// semanticEdgeTypes is the exact set named in §4.9's connectivity
// calculation.
var semanticEdgeTypes = map[string]bool{
	"REFERENCES": true, "RELATED_TO": true, "INFORMED_BY": true,
	"APPLIES": true, "SAME_SCOPE": true, "MODIFIES_SAME": true,
	"BELONGS_TO_THEME": true,
}

// Engine runs decay and health computations against a store.
type Engine struct {
	store            *store.Store
	archiveAfterDays int
}

// New builds a cognitive maintenance engine. archiveAfterDays is the
// "N days" window in §3/§4.9 a node must stay below archiveThreshold
// before it's proposed for archival; a value <= 0 defaults to 14.
func New(s *store.Store, archiveAfterDays int) *Engine {
	if archiveAfterDays <= 0 {
		archiveAfterDays = 14
	}
	return &Engine{store: s, archiveAfterDays: archiveAfterDays}
}

// Decay applies exponential decay to every node's strength based on
// days since last access, tags WeakMemory below weakThreshold, and
// collects archival candidates (nodes below archiveThreshold for at
// least archiveAfterDays, detected here via last_accessed age since the
// store does not separately track "time spent below threshold").
func (e *Engine) Decay(ctx context.Context) (DecayReport, error) {
	nodes, err := e.store.AllNodes()
	if err != nil {
		return DecayReport{}, fmt.Errorf("failed to list nodes for decay: %w", err)
	}

	report := DecayReport{Scanned: len(nodes)}
	now := time.Now().UTC()

	err = e.store.WithTx(func(tx *sql.Tx) error {
		for _, n := range nodes {
			rate := decayRateFor(n.Labels)
			deltaDays := now.Sub(n.LastAccessed).Hours() / 24
			if deltaDays < 0 {
				deltaDays = 0
			}
			strength := n.Strength * math.Exp(-rate*deltaDays)

			if err := e.store.SetStrength(tx, n.ID, strength); err != nil {
				return err
			}

			if strength < weakThreshold {
				if err := e.store.AddLabel(tx, n.ID, "WeakMemory"); err != nil {
					return err
				}
				report.MarkedWeak++
			}

			if strength < archiveThreshold && deltaDays >= float64(e.archiveAfterDays) {
				report.ArchivalCandidates = append(report.ArchivalCandidates, n.ID)
			}
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("decay pass failed: %w", err)
	}

	logging.Cognitive("decay pass: scanned=%d weak=%d archival_candidates=%d",
		report.Scanned, report.MarkedWeak, len(report.ArchivalCandidates))
	return report, nil
}

// Archive tags a node Archived, excluding it from default recall
// candidates, without deleting it.
func (e *Engine) Archive(ids []string) error {
	return e.store.WithTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := e.store.AddLabel(tx, id, "Archived"); err != nil {
				return err
			}
		}
		return nil
	})
}

// decayRateFor picks the fastest-decaying rate among a node's labels,
// defaulting to defaultDecayRate for labels outside the named set (e.g.
// Theme, PatternCluster).
func decayRateFor(labels []string) float64 {
	rate := 0.0
	found := false
	for _, l := range labels {
		if r, ok := decayRates[l]; ok {
			if !found || r > rate {
				rate = r
				found = true
			}
		}
	}
	if !found {
		return defaultDecayRate
	}
	return rate
}

// Health computes the weighted health score and its reported sections,
// per §4.9.
func (e *Engine) Health(ctx context.Context) (HealthReport, error) {
	nodes, err := e.store.AllNodes()
	if err != nil {
		return HealthReport{}, fmt.Errorf("failed to list nodes for health: %w", err)
	}
	if len(nodes) == 0 {
		return HealthReport{VectorBackend: e.store.VectorBackendName(), CodeCoverage: map[string]int64{}}, nil
	}

	weak := 0
	for _, n := range nodes {
		if hasLabel(n.Labels, "WeakMemory") {
			weak++
		}
	}
	weakRatio := float64(weak) / float64(len(nodes))

	edges, err := e.store.AllEdges()
	if err != nil {
		return HealthReport{}, fmt.Errorf("failed to list edges for health: %w", err)
	}
	connected := make(map[string]bool)
	for _, edge := range edges {
		if !semanticEdgeTypes[edge.Type] {
			continue
		}
		connected[edge.FromID] = true
		connected[edge.ToID] = true
	}
	semanticConnectivity := float64(len(connected)) / float64(len(nodes))

	vectors, err := e.store.AllVectors()
	if err != nil {
		return HealthReport{}, fmt.Errorf("failed to list vectors for health: %w", err)
	}
	embeddingCoverage := float64(len(vectors)) / float64(len(nodes))

	score := 0.3*(1-weakRatio) + 0.4*semanticConnectivity + 0.3*embeddingCoverage

	codeCoverage := map[string]int64{}
	for _, label := range []string{"Module", "Class", "Function", "Interface"} {
		n, err := e.store.FindByLabel(label)
		if err != nil {
			continue
		}
		codeCoverage[label] = int64(len(n))
	}

	commits, err := e.store.FindByLabel("Commit")
	if err != nil {
		return HealthReport{}, fmt.Errorf("failed to list commits for health: %w", err)
	}
	diffEnrichment := 0.0
	if len(commits) > 0 {
		enriched := 0
		for _, c := range commits {
			if _, ok := c.Properties["diff_enriched_at"]; ok {
				enriched++
			}
		}
		diffEnrichment = float64(enriched) / float64(len(commits))
	}

	report := HealthReport{
		Score:                score,
		WeakRatio:            weakRatio,
		SemanticConnectivity: semanticConnectivity,
		EmbeddingCoverage:    embeddingCoverage,
		CodeCoverage:         codeCoverage,
		DiffEnrichment:       diffEnrichment,
		VectorBackend:        e.store.VectorBackendName(),
	}
	report.Recommendations = recommendations(report, codeCoverage)

	return report, nil
}

func recommendations(r HealthReport, codeCoverage map[string]int64) []string {
	var recs []string
	if r.WeakRatio > 0.3 {
		recs = append(recs, "run sleep")
	}
	if r.VectorBackend == "brute_force" {
		recs = append(recs, "install the ANN backend")
	}
	if r.EmbeddingCoverage < 0.9 {
		recs = append(recs, "regenerate embeddings")
	}
	if r.DiffEnrichment < 0.5 {
		recs = append(recs, "enrich diffs")
	}
	total := int64(0)
	for _, c := range codeCoverage {
		total += c
	}
	if total == 0 {
		recs = append(recs, "populate AST")
	}
	return recs
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
