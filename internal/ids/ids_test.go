package ids

import "testing"

func TestNodeID_Deterministic(t *testing.T) {
	id1 := NodeID("ADR-007: Use an embedded store", []string{"Decision", "ADR"})
	id2 := NodeID("ADR-007: Use an embedded store", []string{"ADR", "Decision"})

	if id1 != id2 {
		t.Fatalf("NodeID should be insensitive to label order: %q != %q", id1, id2)
	}
	if len(id1) != idLength {
		t.Fatalf("expected id of length %d, got %d (%q)", idLength, len(id1), id1)
	}
}

func TestNodeID_DistinctForDifferentTitles(t *testing.T) {
	a := NodeID("ADR-007: Use an embedded store", []string{"Decision", "ADR"})
	b := NodeID("ADR-008: Use an embedded store", []string{"Decision", "ADR"})

	if a == b {
		t.Fatal("distinct titles must not collide")
	}
}

func TestNodeID_DistinctForDifferentLabelSets(t *testing.T) {
	a := NodeID("Parser", []string{"Function"})
	b := NodeID("Parser", []string{"Class"})

	if a == b {
		t.Fatal("distinct label sets for same title must not collide")
	}
}

func TestCodeSymbolID_Deterministic(t *testing.T) {
	a := CodeSymbolID("internal/recall/engine.go", "Engine.Recall", "Function")
	b := CodeSymbolID("internal/recall/engine.go", "Engine.Recall", "Function")

	if a != b {
		t.Fatalf("CodeSymbolID must be stable across calls: %q != %q", a, b)
	}
	if len(a) != idLength {
		t.Fatalf("expected id of length %d, got %d", idLength, len(a))
	}
}

func TestCodeSymbolID_DistinctPerFile(t *testing.T) {
	a := CodeSymbolID("internal/recall/engine.go", "Parse", "Function")
	b := CodeSymbolID("internal/ingest/adr.go", "Parse", "Function")

	if a == b {
		t.Fatal("same qualified name in different files must not collide")
	}
}
