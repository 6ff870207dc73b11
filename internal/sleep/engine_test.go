package sleep

import (
	"context"
	"database/sql"
	"testing"

	"github.com/nilcroak/memoryd/internal/cognitive"
	"github.com/nilcroak/memoryd/internal/config"
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

func upsert(t *testing.T, s *store.Store, id, title string, labels []string, props map[string]interface{}) {
	t.Helper()
	if err := s.WithTx(func(tx *sql.Tx) error {
		return s.UpsertNode(tx, id, title, "content for "+title, labels, props, false)
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}

func TestDedup_MergesDuplicateTitlesKeepingOlder(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "older", "Use an embedded store", []string{"Decision", "ADR"}, map[string]interface{}{"adr_id": "ADR-007"})
	upsert(t, s, "younger", "Use an embedded store", []string{"Decision", "ADR"}, map[string]interface{}{"extra": "field"})

	e := New(s, config.SleepConfig{}, nil)
	detail, err := e.dedup(context.Background())
	if err != nil {
		t.Fatalf("dedup failed: %v", err)
	}
	if detail["nodes_merged"].(int) != 1 {
		t.Fatalf("expected 1 node merged, got %+v", detail)
	}

	if n, _ := s.GetNode("younger"); n != nil {
		t.Error("younger duplicate should have been deleted")
	}
	survivor, err := s.GetNode("older")
	if err != nil || survivor == nil {
		t.Fatalf("expected survivor node to remain, err=%v", err)
	}
	if survivor.Properties["extra"] != "field" {
		t.Errorf("expected younger's properties merged onto survivor, got %+v", survivor.Properties)
	}
}

func TestThemes_GroupsCommitsByScopeAboveMinimum(t *testing.T) {
	s := mustOpenStore(t)
	for i, id := range []string{"c1", "c2", "c3"} {
		upsert(t, s, id, "commit subject "+id, []string{"Episode", "Commit"}, map[string]interface{}{"scope": "cache"})
		_ = i
	}

	e := New(s, config.SleepConfig{ThemeMinCommits: 3}, nil)
	detail, err := e.themes(context.Background())
	if err != nil {
		t.Fatalf("themes failed: %v", err)
	}
	if detail["themes"].(int) != 1 {
		t.Fatalf("expected 1 theme created, got %+v", detail)
	}

	themeNodes, err := s.FindByLabel("Theme")
	if err != nil {
		t.Fatalf("FindByLabel failed: %v", err)
	}
	if len(themeNodes) != 1 {
		t.Fatalf("expected 1 Theme node, got %d", len(themeNodes))
	}

	neighbors, err := s.Neighbors("c1", store.DirOut, []string{"BELONGS_TO_THEME"})
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("expected c1 to belong to 1 theme, got %d", len(neighbors))
	}
}

func TestThemes_BelowMinimumCreatesNoTheme(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "c1", "commit subject", []string{"Episode", "Commit"}, map[string]interface{}{"scope": "cache"})

	e := New(s, config.SleepConfig{ThemeMinCommits: 3}, nil)
	detail, err := e.themes(context.Background())
	if err != nil {
		t.Fatalf("themes failed: %v", err)
	}
	if detail["themes"].(int) != 0 {
		t.Errorf("expected no theme below minimum, got %+v", detail)
	}
}

func TestRun_AllPhasesCompleteAndLogToSleepLog(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "adr1", "ADR-007: Use an embedded store", []string{"Decision", "ADR"}, map[string]interface{}{"adr_id": "ADR-007"})
	upsert(t, s, "pat1", "PAT-001: Layered storage", []string{"Pattern"}, nil)

	decayEngine := cognitive.New(s, 14)
	e := New(s, config.SleepConfig{}, decayEngine)

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantPhases := []string{"DEDUP", "CONNECT", "RELATE", "THEMES", "CLUSTERS", "CALIBRATE", "DECAY"}
	if len(report.Phases) != len(wantPhases) {
		t.Fatalf("expected %d phases, got %d: %+v", len(wantPhases), len(report.Phases), report.Phases)
	}
	for i, want := range wantPhases {
		if report.Phases[i].Phase != want {
			t.Errorf("phase %d = %s, want %s", i, report.Phases[i].Phase, want)
		}
	}

	var logCount int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM sleep_log`).Scan(&logCount); err != nil {
		t.Fatalf("failed to query sleep_log: %v", err)
	}
	if logCount != len(wantPhases) {
		t.Errorf("expected %d sleep_log rows, got %d", len(wantPhases), logCount)
	}
}

func TestRun_IsIdempotentOnRerun(t *testing.T) {
	s := mustOpenStore(t)
	upsert(t, s, "adr1", "ADR-007: Use an embedded store", []string{"Decision", "ADR"}, nil)

	e := New(s, config.SleepConfig{}, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	nodesAfterFirst, _ := s.AllNodes()

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	nodesAfterSecond, _ := s.AllNodes()

	if len(nodesAfterSecond) != len(nodesAfterFirst) {
		t.Errorf("rerun changed node count: first=%d second=%d", len(nodesAfterFirst), len(nodesAfterSecond))
	}
}
