package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nilcroak/memoryd/internal/diff"
	"github.com/nilcroak/memoryd/internal/embedding"
	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/store"
)

// changeShapes is the closed set named in §6.2.
var changeShapes = map[string]bool{
	"tiny_fix": true, "small_fix": true, "feature_add": true,
	"feature_modify": true, "refactor": true, "large_refactor": true,
	"config_change": true, "documentation": true, "test": true,
}

// DiffEnrichment is the record produced by an external diff parser
// (out of scope per §1) and consumed by this adapter. When ChangeShape
// is left blank, ClassifyShape derives one from the raw unified diffs
// in FileDiffs.
type DiffEnrichment struct {
	CommitHash      string
	SymbolsAdded    []string
	SymbolsModified []string
	SymbolsDeleted  []string
	ChangeShape     string
	FileDiffs       []*diff.FileDiff // optional, used only to derive ChangeShape/DiffSummary when absent
}

// DiffEnrichAdapter enriches already-ingested Commit nodes with
// change-shape classification and symbol-level summaries. Unlike the
// other adapters it mutates an existing node directly rather than
// going through the memory façade, since §4.10's add_memory contract
// doesn't cover merging a patch into an existing node's content.
type DiffEnrichAdapter struct {
	store    *store.Store
	embedder embedding.EmbeddingEngine
}

// NewDiffEnrichAdapter builds an adapter operating directly on store
// and, if embedder is non-nil, regenerating embeddings after content
// changes.
func NewDiffEnrichAdapter(s *store.Store, embedder embedding.EmbeddingEngine) *DiffEnrichAdapter {
	return &DiffEnrichAdapter{store: s, embedder: embedder}
}

// Run enriches every commit in enrichments. unenrichedOnly, when true,
// skips commits whose node already carries diff_enriched_at, per §4.6.
// Commits with no matching Commit node are silently skipped.
func (a *DiffEnrichAdapter) Run(ctx context.Context, enrichments []DiffEnrichment, unenrichedOnly bool) (Report, error) {
	report := Report{Parsed: len(enrichments)}

	for _, enr := range enrichments {
		written, err := a.enrichOne(ctx, enr, unenrichedOnly)
		if err != nil {
			logging.IngestWarn("diff enrichment: failed for commit %s: %v", enr.CommitHash, err)
			report.Skipped++
			continue
		}
		if written {
			report.Written++
		} else {
			report.Skipped++
		}
	}

	return report, nil
}

func (a *DiffEnrichAdapter) enrichOne(ctx context.Context, enr DiffEnrichment, unenrichedOnly bool) (bool, error) {
	nodeID := commitNodeID(enr.CommitHash)
	node, err := a.store.GetNode(nodeID)
	if err != nil {
		return false, fmt.Errorf("failed to look up commit node %s: %w", nodeID, err)
	}
	if node == nil {
		logging.IngestDebug("diff enrichment: no commit node for hash %s, skipping", enr.CommitHash)
		return false, nil
	}
	if unenrichedOnly {
		if _, already := node.Properties["diff_enriched_at"]; already {
			return false, nil
		}
	}

	shape := enr.ChangeShape
	if shape == "" {
		shape = ClassifyShape(enr.FileDiffs)
	}
	if !changeShapes[shape] {
		shape = "refactor"
	}

	summary := DiffSummary(enr, shape)
	enrichedAt := time.Now().UTC().Format(time.RFC3339)

	patch := map[string]interface{}{
		"change_shape":     shape,
		"diff_enriched_at": enrichedAt,
	}
	if len(enr.SymbolsAdded) > 0 {
		patch["symbols_added"] = enr.SymbolsAdded
	}
	if len(enr.SymbolsModified) > 0 {
		patch["symbols_modified"] = enr.SymbolsModified
	}
	if len(enr.SymbolsDeleted) > 0 {
		patch["symbols_deleted"] = enr.SymbolsDeleted
	}

	newContent := node.Content + "\n\n" + summary

	err = a.store.WithTx(func(tx *sql.Tx) error {
		return a.store.UpdateNodeContent(tx, nodeID, newContent, patch)
	})
	if err != nil {
		return false, fmt.Errorf("failed to update commit node %s: %w", nodeID, err)
	}

	if a.embedder != nil {
		vec, err := a.embedder.Embed(ctx, node.Title+"\n"+newContent)
		if err != nil {
			logging.IngestWarn("diff enrichment: failed to regenerate embedding for %s: %v", nodeID, err)
		} else if err := a.store.VectorUpsert(nodeID, vec, nil); err != nil {
			logging.IngestWarn("diff enrichment: failed to upsert embedding for %s: %v", nodeID, err)
		}
	}

	return true, nil
}

// DiffSummary renders a compact human-readable line recording a
// commit's classified change shape and touched symbols, appended to
// the commit node's content.
func DiffSummary(enr DiffEnrichment, shape string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff_summary: %s", shape)
	if len(enr.SymbolsAdded) > 0 {
		fmt.Fprintf(&b, "; added=%s", strings.Join(enr.SymbolsAdded, ","))
	}
	if len(enr.SymbolsModified) > 0 {
		fmt.Fprintf(&b, "; modified=%s", strings.Join(enr.SymbolsModified, ","))
	}
	if len(enr.SymbolsDeleted) > 0 {
		fmt.Fprintf(&b, "; deleted=%s", strings.Join(enr.SymbolsDeleted, ","))
	}
	return b.String()
}

// ClassifyShape heuristically derives a change shape from raw file
// diffs when the caller didn't already classify one, using the
// internal diff engine's hunk line counts and touched file extensions.
func ClassifyShape(diffs []*diff.FileDiff) string {
	if len(diffs) == 0 {
		return "small_fix"
	}

	var added, removed int
	onlyDocs := true
	onlyConfig := true
	onlyTests := true

	for _, fd := range diffs {
		ext := strings.ToLower(filepath.Ext(fd.NewPath))
		if ext != ".md" && ext != ".rst" && ext != ".txt" {
			onlyDocs = false
		}
		if !isConfigPath(fd.NewPath) {
			onlyConfig = false
		}
		if !isTestPath(fd.NewPath) {
			onlyTests = false
		}
		for _, h := range fd.Hunks {
			for _, l := range h.Lines {
				switch l.Type {
				case diff.LineAdded:
					added++
				case diff.LineRemoved:
					removed++
				}
			}
		}
	}

	total := added + removed
	switch {
	case onlyDocs:
		return "documentation"
	case onlyTests:
		return "test"
	case onlyConfig:
		return "config_change"
	case total <= 3:
		return "tiny_fix"
	case total <= 20:
		return "small_fix"
	case len(diffs) > 5 || total > 400:
		return "large_refactor"
	default:
		return "refactor"
	}
}

func isConfigPath(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	ext := filepath.Ext(base)
	switch ext {
	case ".yaml", ".yml", ".toml", ".ini", ".json":
		return true
	}
	return base == "dockerfile" || base == "makefile"
}

func isTestPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "_test.") || strings.Contains(lower, "/test/") || strings.Contains(lower, "/tests/")
}
