package graph

import (
	"database/sql"
	"math"
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

func putNode(t *testing.T, s *store.Store, id, title string, labels []string) {
	t.Helper()
	err := s.WithTx(func(tx *sql.Tx) error {
		return s.UpsertNode(tx, id, title, title, labels, nil, false)
	})
	if err != nil {
		t.Fatalf("failed to upsert node %s: %v", id, err)
	}
}

func putEdge(t *testing.T, s *store.Store, from, to, edgeType string, weight float64) {
	t.Helper()
	err := s.WithTx(func(tx *sql.Tx) error {
		return s.AddEdge(tx, from, to, edgeType, weight)
	})
	if err != nil {
		t.Fatalf("failed to add edge %s-[%s]->%s: %v", from, edgeType, to, err)
	}
}

func TestSpread_ExactActivationChain(t *testing.T) {
	s := mustOpenStore(t)
	putNode(t, s, "A", "A", []string{"Concept"})
	putNode(t, s, "B", "B", []string{"Concept"})
	putNode(t, s, "C", "C", []string{"Concept"})

	putEdge(t, s, "A", "B", "REFERENCES", 0.8)
	putEdge(t, s, "B", "C", "RELATED_TO", 0.7)

	g := New(s)
	activation := g.Spread([]string{"A"}, SpreadOptions{MaxHops: 2, Decay: 0.5, MaxNodes: 200})

	const epsilon = 1e-9
	if math.Abs(activation["B"]-0.40) > epsilon {
		t.Errorf("a(B) = %v, want 0.40", activation["B"])
	}
	if math.Abs(activation["C"]-0.14) > epsilon {
		t.Errorf("a(C) = %v, want 0.14", activation["C"])
	}
	if activation["A"] != 1.0 {
		t.Errorf("a(A) = %v, want 1.0 (seed)", activation["A"])
	}
}

func TestSpread_HaltsAtMaxHops(t *testing.T) {
	s := mustOpenStore(t)
	putNode(t, s, "A", "A", []string{"Concept"})
	putNode(t, s, "B", "B", []string{"Concept"})
	putNode(t, s, "C", "C", []string{"Concept"})
	putEdge(t, s, "A", "B", "RELATED_TO", 1.0)
	putEdge(t, s, "B", "C", "RELATED_TO", 1.0)

	g := New(s)
	activation := g.Spread([]string{"A"}, SpreadOptions{MaxHops: 1, Decay: 0.5, MaxNodes: 200})

	if _, reached := activation["C"]; reached {
		t.Error("C should not be reached within 1 hop")
	}
	if activation["B"] == 0 {
		t.Error("B should be reached within 1 hop")
	}
}

func TestNeighbors_DirectionFiltering(t *testing.T) {
	s := mustOpenStore(t)
	putNode(t, s, "A", "A", []string{"Concept"})
	putNode(t, s, "B", "B", []string{"Concept"})
	putEdge(t, s, "A", "B", "RELATED_TO", 1.0)

	g := New(s)

	out, err := g.Neighbors("A", store.DirOut, nil)
	if err != nil {
		t.Fatalf("Neighbors(out) failed: %v", err)
	}
	if len(out) != 1 || out[0].NodeID != "B" {
		t.Errorf("expected A -> B outgoing, got %+v", out)
	}

	in, err := g.Neighbors("B", store.DirIn, nil)
	if err != nil {
		t.Fatalf("Neighbors(in) failed: %v", err)
	}
	if len(in) != 1 || in[0].NodeID != "A" {
		t.Errorf("expected B incoming from A, got %+v", in)
	}
}

func TestByLabel(t *testing.T) {
	s := mustOpenStore(t)
	putNode(t, s, "adr1", "ADR-001", []string{"Decision", "ADR"})
	putNode(t, s, "pat1", "PAT-001", []string{"Pattern", "ApprovedPattern"})

	g := New(s)
	adrs, err := g.ByLabel("ADR")
	if err != nil {
		t.Fatalf("ByLabel failed: %v", err)
	}
	if len(adrs) != 1 || adrs[0].ID != "adr1" {
		t.Errorf("expected exactly adr1, got %+v", adrs)
	}
}
