package recall

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/nilcroak/memoryd/internal/config"
	"github.com/nilcroak/memoryd/internal/graph"
	"github.com/nilcroak/memoryd/internal/store"
)

func mustOpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func upsert(t *testing.T, s *store.Store, id, title, content string, labels []string) {
	t.Helper()
	err := s.WithTx(func(tx *sql.Tx) error {
		return s.UpsertNode(tx, id, title, content, labels, nil, false)
	})
	if err != nil {
		t.Fatalf("failed to upsert %s: %v", id, err)
	}
}

// TestRecall_ADRIngestAndRecall covers the literal end-to-end scenario:
// after ingesting an ADR, recall("embedded store", --type adr --top 1)
// returns a single result with both ADR labels, a title starting
// "ADR-007:", and a score above 0.3. Rerunning ingest must not grow the
// node count.
func TestRecall_ADRIngestAndRecall(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "adr-007", "ADR-007: Use an embedded store",
		"Context: we need local-first persistence.\nDecision: chosen backend is an embedded store.",
		[]string{"ADR", "Decision"})
	upsert(t, s, "commit-1", "fix: unrelated typo", "typo fix in README", []string{"Commit"})

	nodesBefore, err := s.AllNodes()
	if err != nil {
		t.Fatalf("AllNodes failed: %v", err)
	}
	countBefore := len(nodesBefore)

	// Rerun ingest of the same node (same id) — idempotent upsert.
	upsert(t, s, "adr-007", "ADR-007: Use an embedded store",
		"Context: we need local-first persistence.\nDecision: chosen backend is an embedded store.",
		[]string{"ADR", "Decision"})

	nodesAfter, err := s.AllNodes()
	if err != nil {
		t.Fatalf("AllNodes failed: %v", err)
	}
	if len(nodesAfter) != countBefore {
		t.Fatalf("rerunning ingest changed node count: before=%d after=%d", countBefore, len(nodesAfter))
	}

	g := graph.New(s)
	e := New(s, g, nil, config.DefaultConfig().Recall)

	resp, err := e.Recall(context.Background(), "embedded store", Filters{Type: "adr"}, Options{Top: 1})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected exactly 1 result, got %d", len(resp.Results))
	}

	r := resp.Results[0]
	if !strings.HasPrefix(r.Title, "ADR-007:") {
		t.Errorf("title = %q, want prefix ADR-007:", r.Title)
	}
	if !hasLabel(r.Labels, "ADR") || !hasLabel(r.Labels, "Decision") {
		t.Errorf("labels = %v, want ADR and Decision", r.Labels)
	}
	if r.Score <= 0.3 {
		t.Errorf("score = %v, want > 0.3", r.Score)
	}
}

func TestRecall_EmptyQueryIsFilterOnly(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "n1", "note one", "body one", []string{"Concept"})
	upsert(t, s, "n2", "note two", "body two", []string{"Concept"})

	g := graph.New(s)
	e := New(s, g, nil, config.DefaultConfig().Recall)

	resp, err := e.Recall(context.Background(), "", Filters{}, Options{Top: 10})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
	if len(resp.Results) != 2 {
		t.Errorf("results = %d, want 2", len(resp.Results))
	}
}

func TestRecall_CompactDropsContentAndConnections(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "adr-007", "ADR-007: Use an embedded store", "embedded store decision text", []string{"ADR", "Decision"})

	g := graph.New(s)
	e := New(s, g, nil, config.DefaultConfig().Recall)

	resp, err := e.Recall(context.Background(), "embedded store", Filters{}, Options{Top: 5, Compact: true})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected at least one result")
	}
	for _, r := range resp.Results {
		if r.Content != "" {
			t.Errorf("compact result %s retained content", r.ID)
		}
		if r.Connections != nil {
			t.Errorf("compact result %s retained connections", r.ID)
		}
		if r.Title == "" || len(r.Labels) == 0 {
			t.Errorf("compact result %s missing title/labels", r.ID)
		}
	}
}

func TestRecall_ExpandOverridesCompact(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "adr-007", "ADR-007: Use an embedded store", "embedded store decision text", []string{"ADR", "Decision"})

	g := graph.New(s)
	e := New(s, g, nil, config.DefaultConfig().Recall)

	resp, err := e.Recall(context.Background(), "embedded store", Filters{}, Options{
		Top: 5, Compact: true, Expand: map[string]bool{"adr-007": true},
	})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected at least one result")
	}
	if resp.Results[0].Content == "" {
		t.Error("expanded result should retain content despite compact mode")
	}
}

func TestRecall_ReinforcesAccessCount(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "adr-007", "ADR-007: Use an embedded store", "embedded store decision text", []string{"ADR", "Decision"})

	before, err := s.GetNode("adr-007")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}

	g := graph.New(s)
	e := New(s, g, nil, config.DefaultConfig().Recall)
	if _, err := e.Recall(context.Background(), "embedded store", Filters{}, Options{Top: 5}); err != nil {
		t.Fatalf("Recall failed: %v", err)
	}

	after, err := s.GetNode("adr-007")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if after.AccessCount <= before.AccessCount {
		t.Errorf("access_count did not increase: before=%d after=%d", before.AccessCount, after.AccessCount)
	}
}
