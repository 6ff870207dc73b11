package memory

import (
	"context"
	"testing"

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

func TestAddMemory_ComputesDeterministicID(t *testing.T) {
	s := mustOpenStore(t)
	f := New(s, nil)

	id, err := f.AddMemory(context.Background(), Input{
		Title:   "ADR-007: Use an embedded store",
		Content: "Decision: chosen backend.",
		Labels:  []string{"ADR", "Decision"},
	})
	if err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	if len(id) != 16 {
		t.Errorf("id = %q, want 16 hex chars", id)
	}

	node, err := s.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Title != "ADR-007: Use an embedded store" {
		t.Errorf("title = %q", node.Title)
	}
}

func TestAddMemory_AuthorCreatesPersonAndEdge(t *testing.T) {
	s := mustOpenStore(t)
	f := New(s, nil)

	id, err := f.AddMemory(context.Background(), Input{
		Title:  "fix: typo",
		Labels: []string{"Episode", "Commit"},
		Author: "jane@example.com",
	})
	if err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}

	neighbors, err := s.Neighbors(id, store.DirOut, []string{"AUTHORED_BY"})
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("expected 1 AUTHORED_BY edge, got %d", len(neighbors))
	}

	person, err := s.GetNode(neighbors[0].NodeID)
	if err != nil {
		t.Fatalf("GetNode(person) failed: %v", err)
	}
	if !containsLabel(person.Labels, "Person") {
		t.Errorf("expected Person label, got %v", person.Labels)
	}
}

func TestAddMemory_ReferencesResolveToEdges(t *testing.T) {
	s := mustOpenStore(t)
	f := New(s, nil)

	_, err := f.AddMemory(context.Background(), Input{
		Title:  "ADR-001: baseline",
		Labels: []string{"ADR", "Decision"},
	})
	if err != nil {
		t.Fatalf("AddMemory(adr) failed: %v", err)
	}

	patID, err := f.AddMemory(context.Background(), Input{
		Title:      "PAT-001: layering",
		Labels:     []string{"Pattern", "ApprovedPattern"},
		References: []string{"ADR-001: baseline"},
	})
	if err != nil {
		t.Fatalf("AddMemory(pattern) failed: %v", err)
	}

	neighbors, err := s.Neighbors(patID, store.DirOut, []string{"REFERENCES"})
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("expected 1 REFERENCES edge, got %d", len(neighbors))
	}
}

func TestAddMemory_IdempotentOnRerun(t *testing.T) {
	s := mustOpenStore(t)
	f := New(s, nil)

	in := Input{Title: "ADR-009: retry policy", Content: "body", Labels: []string{"ADR", "Decision"}}
	id1, err := f.AddMemory(context.Background(), in)
	if err != nil {
		t.Fatalf("first AddMemory failed: %v", err)
	}

	nodesBefore, _ := s.AllNodes()

	id2, err := f.AddMemory(context.Background(), in)
	if err != nil {
		t.Fatalf("second AddMemory failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ across reruns: %s vs %s", id1, id2)
	}

	nodesAfter, _ := s.AllNodes()
	if len(nodesAfter) != len(nodesBefore) {
		t.Errorf("rerun changed node count: before=%d after=%d", len(nodesBefore), len(nodesAfter))
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
