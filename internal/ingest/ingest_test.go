package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/nilcroak/memoryd/internal/diff"
	"github.com/nilcroak/memoryd/internal/memory"
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

const adrLog = "## ADR-007: Use an embedded store\n\nContext: we need local-first persistence.\nDecision: chosen backend.\n"

func TestADRAdapter_IngestAndRerunIdempotent(t *testing.T) {
	s := mustOpenStore(t)
	f := memory.New(s, nil)
	a := NewADRAdapter(f)

	report, err := a.Run(context.Background(), adrLog)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Written != 1 {
		t.Fatalf("expected 1 written, got %+v", report)
	}

	nodesBefore, _ := s.AllNodes()

	if _, err := a.Run(context.Background(), adrLog); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	nodesAfter, _ := s.AllNodes()
	if len(nodesAfter) != len(nodesBefore) {
		t.Errorf("rerun changed node count: before=%d after=%d", len(nodesBefore), len(nodesAfter))
	}

	adrs, err := s.FindByLabel("ADR")
	if err != nil {
		t.Fatalf("FindByLabel failed: %v", err)
	}
	if len(adrs) != 1 {
		t.Fatalf("expected 1 ADR node, got %d", len(adrs))
	}
	if !strings.HasPrefix(adrs[0].Title, "ADR-007:") {
		t.Errorf("title = %q, want prefix ADR-007:", adrs[0].Title)
	}
	if !containsLabel(adrs[0].Labels, "Decision") {
		t.Errorf("labels = %v, want Decision", adrs[0].Labels)
	}
}

func TestCrossReference_WikilinkResolvesToEdge(t *testing.T) {
	s := mustOpenStore(t)
	f := memory.New(s, nil)

	if _, err := NewADRAdapter(f).Run(context.Background(), adrLog); err != nil {
		t.Fatalf("adr ingest failed: %v", err)
	}

	patternLog := "### PAT-001: Layered storage\n\nSee [[ADR-007: Use an embedded store]] for context.\n"
	if _, err := NewPatternAdapter(f).Run(context.Background(), patternLog); err != nil {
		t.Fatalf("pattern ingest failed: %v", err)
	}

	report, err := RunCrossReference(s)
	if err != nil {
		t.Fatalf("RunCrossReference failed: %v", err)
	}
	if report.Resolved != 1 {
		t.Fatalf("expected 1 resolved reference, got %+v", report)
	}

	patterns, err := s.FindByLabel("Pattern")
	if err != nil {
		t.Fatalf("FindByLabel failed: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("expected 1 pattern node, got %d", len(patterns))
	}

	neighbors, err := s.Neighbors(patterns[0].ID, store.DirOut, []string{"REFERENCES"})
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("expected 1 REFERENCES edge, got %d", len(neighbors))
	}

	adrs, _ := s.FindByLabel("ADR")
	if neighbors[0].NodeID != adrs[0].ID {
		t.Errorf("reference resolved to %s, want %s", neighbors[0].NodeID, adrs[0].ID)
	}
}

func TestCrossReference_FullTitleWikilinkWithoutIDToken(t *testing.T) {
	s := mustOpenStore(t)
	f := memory.New(s, nil)

	domainLog := "## Glossary\n\n### Cache: LRU eviction policy\n\nEntries are evicted oldest-first.\n"
	if _, err := NewDomainAdapter(f).Run(context.Background(), domainLog); err != nil {
		t.Fatalf("domain ingest failed: %v", err)
	}

	patternLog := "### PAT-002: Bound the working set\n\nRelies on [[Cache: LRU eviction policy]] to stay bounded.\n"
	if _, err := NewPatternAdapter(f).Run(context.Background(), patternLog); err != nil {
		t.Fatalf("pattern ingest failed: %v", err)
	}

	report, err := RunCrossReference(s)
	if err != nil {
		t.Fatalf("RunCrossReference failed: %v", err)
	}
	if report.Resolved != 1 || report.Unresolved != 0 {
		t.Fatalf("expected 1 resolved, 0 unresolved, got %+v", report)
	}

	patterns, err := s.FindByLabel("Pattern")
	if err != nil {
		t.Fatalf("FindByLabel failed: %v", err)
	}
	neighbors, err := s.Neighbors(patterns[0].ID, store.DirOut, []string{"REFERENCES"})
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("expected 1 REFERENCES edge, got %d", len(neighbors))
	}
}

func TestCommitAndDiffEnrichment(t *testing.T) {
	s := mustOpenStore(t)
	f := memory.New(s, nil)
	commits := NewCommitAdapter(f)

	raw := []RawCommit{{
		Hash:        "abc123",
		AuthorEmail: "dev@example.com",
		Date:        "2026-01-01T00:00:00Z",
		Subject:     "feat(cache): add LRU eviction",
		Files:       []string{"src/cache.rs"},
	}}
	if _, err := commits.Run(context.Background(), raw); err != nil {
		t.Fatalf("commit ingest failed: %v", err)
	}

	enrich := NewDiffEnrichAdapter(s, nil)
	enrichments := []DiffEnrichment{{
		CommitHash:   "abc123",
		SymbolsAdded: []string{"function:evict"},
		ChangeShape:  "feature_add",
	}}
	report, err := enrich.Run(context.Background(), enrichments, false)
	if err != nil {
		t.Fatalf("enrich Run failed: %v", err)
	}
	if report.Written != 1 {
		t.Fatalf("expected 1 written, got %+v", report)
	}

	node, err := s.GetNode(commitNodeID("abc123"))
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node == nil {
		t.Fatal("commit node not found")
	}
	if !strings.Contains(node.Content, "feature_add") {
		t.Errorf("content missing feature_add: %q", node.Content)
	}
	if !strings.Contains(node.Content, "function:evict") {
		t.Errorf("content missing function:evict: %q", node.Content)
	}
	if _, ok := node.Properties["diff_enriched_at"]; !ok {
		t.Error("diff_enriched_at not set")
	}

	// Re-run with unenriched_only=true should skip the already-enriched commit.
	report2, err := enrich.Run(context.Background(), enrichments, true)
	if err != nil {
		t.Fatalf("second enrich Run failed: %v", err)
	}
	if report2.Written != 0 {
		t.Errorf("expected rerun with unenriched_only to skip, got %+v", report2)
	}
}

func TestCodeAdapter_IncrementalByBodyHash(t *testing.T) {
	s := mustOpenStore(t)
	f := memory.New(s, nil)
	a := NewCodeAdapter(f, s)

	mod := ModuleInput{
		FilePath: "m.py",
		Body:     "def foo():\n    pass\n",
		Symbols: []Symbol{
			{Name: "foo", QualifiedName: "m.foo", Kind: "Function", LineStart: 1, LineEnd: 2},
		},
	}

	report, err := a.Run(context.Background(), []ModuleInput{mod})
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if report.Written != 1 {
		t.Fatalf("expected 1 written, got %+v", report)
	}

	functionsBefore, _ := s.FindByLabel("Function")

	// Re-ingest identical bytes: expect zero new Function nodes.
	report2, err := a.Run(context.Background(), []ModuleInput{mod})
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if report2.Written != 0 {
		t.Errorf("expected identical re-ingest to be skipped, got %+v", report2)
	}
	functionsAfter, _ := s.FindByLabel("Function")
	if len(functionsAfter) != len(functionsBefore) {
		t.Errorf("unchanged file produced new Function nodes: before=%d after=%d", len(functionsBefore), len(functionsAfter))
	}

	// Modify the body by one character: expect it to re-ingest.
	mod.Body = "def foo():\n    pass \n"
	report3, err := a.Run(context.Background(), []ModuleInput{mod})
	if err != nil {
		t.Fatalf("third Run failed: %v", err)
	}
	if report3.Written != 1 {
		t.Errorf("expected modified file to re-ingest, got %+v", report3)
	}
}

func TestClassifyShape_DocsOnly(t *testing.T) {
	fd := &diff.FileDiff{NewPath: "README.md", Hunks: []diff.Hunk{{
		Lines: []diff.Line{{Type: diff.LineAdded, Content: "docs"}},
	}}}
	if shape := ClassifyShape([]*diff.FileDiff{fd}); shape != "documentation" {
		t.Errorf("shape = %q, want documentation", shape)
	}
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
