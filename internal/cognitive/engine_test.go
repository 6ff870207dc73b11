package cognitive

import (
	"context"
	"database/sql"
	"testing"
	"time"

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

func upsert(t *testing.T, s *store.Store, id, title string, labels []string) {
	t.Helper()
	if err := s.WithTx(func(tx *sql.Tx) error {
		return s.UpsertNode(tx, id, title, "content", labels, nil, false)
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}

// backdateLastAccessed pokes last_accessed directly since TouchNode
// only ever moves it forward.
func backdateLastAccessed(t *testing.T, s *store.Store, id string, days int) {
	t.Helper()
	past := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)
	if _, err := s.DB().Exec(`UPDATE nodes SET last_accessed = ? WHERE id = ?`, past, id); err != nil {
		t.Fatalf("failed to backdate last_accessed: %v", err)
	}
}

func TestDecay_FastDecayingEpisodeBecomesWeak(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "episode1", "an old episode", []string{"Episode", "Experience"})
	backdateLastAccessed(t, s, "episode1", 365)

	e := New(s, 14)
	report, err := e.Decay(context.Background())
	if err != nil {
		t.Fatalf("Decay failed: %v", err)
	}
	if report.Scanned != 1 {
		t.Fatalf("expected 1 scanned, got %d", report.Scanned)
	}
	if report.MarkedWeak != 1 {
		t.Fatalf("expected episode to be marked weak after a year untouched, got %+v", report)
	}

	node, err := s.GetNode("episode1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if !hasLabel(node.Labels, "WeakMemory") {
		t.Errorf("expected WeakMemory label, got %v", node.Labels)
	}
	if node.Strength >= 0.3 {
		t.Errorf("expected decayed strength < 0.3, got %f", node.Strength)
	}
}

func TestDecay_SlowDecayingPersonStaysStrong(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "person1", "jane doe", []string{"Person"})
	backdateLastAccessed(t, s, "person1", 365)

	e := New(s, 14)
	report, err := e.Decay(context.Background())
	if err != nil {
		t.Fatalf("Decay failed: %v", err)
	}
	if report.MarkedWeak != 0 {
		t.Errorf("expected person's slow decay rate to keep it above threshold for a year, got %+v", report)
	}
}

func TestHealth_EmptyStoreReportsZeroScore(t *testing.T) {
	s := mustOpenStore(t)
	e := New(s, 14)

	report, err := e.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if report.Score != 0 {
		t.Errorf("expected score 0 for empty store, got %f", report.Score)
	}
}

func TestHealth_RecommendsInstallingANNWhenBruteForce(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "n1", "a node", []string{"Concept"})
	e := New(s, 14)

	report, err := e.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if report.VectorBackend == "brute_force" && !containsString(report.Recommendations, "install the ANN backend") {
		t.Errorf("expected an ANN recommendation with brute_force backend, got %+v", report.Recommendations)
	}
}

func containsString(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
