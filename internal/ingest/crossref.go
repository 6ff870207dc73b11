package ingest

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/store"
)

var idTokenRe = regexp.MustCompile(`\b(ADR|PAT|RN|EXP)-(\d+)\b`)

// CrossRefReport summarizes one cross-reference pass.
type CrossRefReport struct {
	NodesScanned int
	Resolved     int
	Unresolved   int
}

// index resolves a reference token to a node id, by exact prop id
// first, then a full-title match, falling back to a title-prefix match
// for wikilinks that only name the id portion of a "ADR-007: foo"
// style title.
type refIndex struct {
	byPropID      map[string]string // e.g. "ADR-007" -> node id
	byTitle       map[string]string // full title, e.g. "ADR-007: foo" or "Cache: LRU eviction policy" -> node id
	byTitlePrefix map[string]string // e.g. "ADR-007: foo" title's id, keyed by the prefix before ":"
}

func buildRefIndex(nodes []*store.Node) *refIndex {
	idx := &refIndex{
		byPropID:      make(map[string]string),
		byTitle:       make(map[string]string),
		byTitlePrefix: make(map[string]string),
	}
	for _, n := range nodes {
		for _, key := range []string{"adr_id", "pat_id", "exp_id", "rule_id"} {
			if v, ok := n.Properties[key]; ok {
				idx.byPropID[fmt.Sprintf("%v", v)] = n.ID
			}
		}
		idx.byTitle[strings.TrimSpace(n.Title)] = n.ID
		if colon := strings.Index(n.Title, ":"); colon > 0 {
			prefix := strings.TrimSpace(n.Title[:colon])
			idx.byTitlePrefix[prefix] = n.ID
		}
	}
	return idx
}

func (idx *refIndex) resolve(target string) (string, bool) {
	target = strings.TrimSpace(target)
	if id, ok := idx.byPropID[target]; ok {
		return id, true
	}
	if id, ok := idx.byTitle[target]; ok {
		return id, true
	}
	if id, ok := idx.byTitlePrefix[target]; ok {
		return id, true
	}
	return "", false
}

// RunCrossReference scans every node's content for wikilinks and
// ADR-/PAT-/RN-/EXP- tokens and creates REFERENCES edges to their
// resolved targets, per §4.6's cross-reference pass. It runs over the
// whole graph, not just the nodes written by the most recent adapter
// call, so it should be invoked once after a batch of adapters.
func RunCrossReference(s *store.Store) (CrossRefReport, error) {
	nodes, err := s.AllNodes()
	if err != nil {
		return CrossRefReport{}, fmt.Errorf("failed to list nodes for cross-reference pass: %w", err)
	}

	idx := buildRefIndex(nodes)
	report := CrossRefReport{NodesScanned: len(nodes)}

	err = s.WithTx(func(tx *sql.Tx) error {
		for _, n := range nodes {
			targets := collectReferenceTargets(n.Content)
			for _, target := range targets {
				targetID, ok := idx.resolve(target)
				if !ok {
					report.Unresolved++
					logging.IngestDebug("cross-reference: %s -> %q did not resolve", n.ID, target)
					continue
				}
				if targetID == n.ID {
					continue
				}
				if err := s.AddEdge(tx, n.ID, targetID, "REFERENCES", 0.8); err != nil {
					return err
				}
				report.Resolved++
			}
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("cross-reference pass failed: %w", err)
	}

	return report, nil
}

// collectReferenceTargets extracts every wikilink target and bare
// ADR-/PAT-/RN-/EXP- token from text, deduplicated, in order of first
// appearance. Bare tokens are only scanned for outside of wikilinks, so
// a token named by a wikilink (e.g. "[[ADR-007: Use an embedded
// store]]") is counted once, not once as the wikilink target and again
// as a bare "ADR-007" match against the same span of text.
func collectReferenceTargets(text string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(target string) {
		target = strings.TrimSpace(target)
		if target == "" || seen[target] {
			return
		}
		seen[target] = true
		out = append(out, target)
	}

	for _, link := range wikilinks(text) {
		add(link)
	}
	for _, m := range idTokenRe.FindAllStringSubmatch(wikilinkRe.ReplaceAllString(text, ""), -1) {
		add(fmt.Sprintf("%s-%s", m[1], m[2]))
	}

	return out
}
