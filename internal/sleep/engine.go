// Package sleep runs the graph through the ordered consolidation
// phases invoked at the end of a session or on a schedule: dedup,
// connect, relate, themes, clusters, calibrate, and (last) the
// cognitive decay pass.
package sleep

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/nilcroak/memoryd/internal/cognitive"
	"github.com/nilcroak/memoryd/internal/config"
	"github.com/nilcroak/memoryd/internal/ids"
	"github.com/nilcroak/memoryd/internal/ingest"
	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/store"
)

// sampleSeed is fixed so RELATE's stratified sampling is deterministic
// across restarts of the same graph state, matching §4.8's "seed the
// sampler deterministically" requirement.
const sampleSeed = 1469598103

// PhaseResult records one phase's outcome for the caller and the
// sleep_log audit trail.
type PhaseResult struct {
	Phase    string                 `json:"phase"`
	Started  time.Time              `json:"started_at"`
	Finished time.Time              `json:"finished_at"`
	Detail   map[string]interface{} `json:"detail"`
}

// Report is the full outcome of one Run.
type Report struct {
	Phases []PhaseResult
}

// Engine runs the consolidation pipeline over a store.
type Engine struct {
	store   *store.Store
	cfg     config.SleepConfig
	decay   *cognitive.Engine
	runRand *rand.Rand // deterministic stratified sampler, seeded once per Engine
}

// New builds a sleep engine. decay is the cognitive maintenance engine
// invoked as the final DECAY phase; passing nil skips that phase.
func New(s *store.Store, cfg config.SleepConfig, decay *cognitive.Engine) *Engine {
	return &Engine{store: s, cfg: cfg, decay: decay, runRand: rand.New(rand.NewSource(sampleSeed))}
}

// Run executes every phase in order, logging each to sleep_log and
// aggregating the per-phase detail into the returned Report. A failure
// in one phase aborts the remainder; completed phases remain committed
// since each phase is its own transaction (or several), matching the
// "idempotent and restartable" contract in §4.8.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	var report Report

	phases := []struct {
		name string
		fn   func(context.Context) (map[string]interface{}, error)
	}{
		{"DEDUP", e.dedup},
		{"CONNECT", e.connect},
		{"RELATE", e.relate},
		{"THEMES", e.themes},
		{"CLUSTERS", e.clusters},
		{"CALIBRATE", e.calibrate},
	}

	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		started := time.Now().UTC()
		detail, err := p.fn(ctx)
		finished := time.Now().UTC()
		if err != nil {
			logging.SleepError("phase %s failed: %v", p.name, err)
			return report, fmt.Errorf("sleep phase %s failed: %w", p.name, err)
		}
		if logErr := e.store.WriteSleepLog(p.name, started, finished, detail); logErr != nil {
			logging.SleepWarn("failed to write sleep log for phase %s: %v", p.name, logErr)
		}
		logging.Sleep("phase %s complete: %v", p.name, detail)
		report.Phases = append(report.Phases, PhaseResult{Phase: p.name, Started: started, Finished: finished, Detail: detail})
	}

	if e.decay != nil {
		started := time.Now().UTC()
		decayReport, err := e.decay.Decay(ctx)
		finished := time.Now().UTC()
		if err != nil {
			return report, fmt.Errorf("sleep phase DECAY failed: %w", err)
		}
		detail := map[string]interface{}{
			"scanned":             decayReport.Scanned,
			"marked_weak":         decayReport.MarkedWeak,
			"archival_candidates": decayReport.ArchivalCandidates,
		}
		if logErr := e.store.WriteSleepLog("DECAY", started, finished, detail); logErr != nil {
			logging.SleepWarn("failed to write sleep log for phase DECAY: %v", logErr)
		}
		report.Phases = append(report.Phases, PhaseResult{Phase: "DECAY", Started: started, Finished: finished, Detail: detail})
	}

	return report, nil
}

// dedup merges nodes sharing a primary label and a normalized-title (or
// content-hash) equality, keeping the older id. Bounded to O(n) via a
// hash table keyed by (label, normalized title).
func (e *Engine) dedup(ctx context.Context) (map[string]interface{}, error) {
	nodes, err := e.store.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes for dedup: %w", err)
	}

	type bucketKey struct {
		label string
		key   string
	}
	survivors := make(map[bucketKey]*store.Node)
	merged := 0

	// Deterministic order: oldest created_at first, so "the older id"
	// is well-defined regardless of AllNodes' row order.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].CreatedAt.Before(nodes[j].CreatedAt) })

	for _, n := range nodes {
		for _, label := range primaryLabels(n.Labels) {
			k := bucketKey{label: label, key: normalizedTitle(n.Title)}
			existing, ok := survivors[k]
			if !ok {
				survivors[k] = n
				continue
			}
			if existing.ID == n.ID {
				continue
			}
			if err := e.mergeInto(existing.ID, n); err != nil {
				return nil, err
			}
			merged++
			break // n is deleted; its remaining labels have nothing left to merge
		}
	}

	return map[string]interface{}{"nodes_scanned": len(nodes), "nodes_merged": merged}, nil
}

// mergeInto rewires younger's edges onto survivorID, unions its
// properties into the survivor, and deletes younger.
func (e *Engine) mergeInto(survivorID string, younger *store.Node) error {
	return e.store.WithTx(func(tx *sql.Tx) error {
		patch := make(map[string]interface{}, len(younger.Properties))
		for k, v := range younger.Properties {
			patch[k] = v
		}
		if len(patch) > 0 {
			survivor, err := e.store.GetNode(survivorID)
			if err != nil {
				return err
			}
			if err := e.store.UpdateNodeContent(tx, survivorID, survivor.Content, patch); err != nil {
				return err
			}
		}
		if err := e.store.RewireEdges(tx, younger.ID, survivorID); err != nil {
			return err
		}
		return e.store.DeleteNode(tx, younger.ID)
	})
}

// primaryLabels returns the labels that participate in dedup grouping:
// every label except the generic "Code" umbrella, which every code
// subtype (Class/Function/Interface/Module) also carries.
func primaryLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "Code" {
			continue
		}
		out = append(out, l)
	}
	return out
}

func normalizedTitle(title string) string {
	return lowerTrim(title)
}

// connect runs the cross-reference pass over the whole graph, plus
// SAME_SCOPE, MODIFIES_SAME and commit-to-code edges.
func (e *Engine) connect(ctx context.Context) (map[string]interface{}, error) {
	crossRef, err := ingest.RunCrossReference(e.store)
	if err != nil {
		return nil, fmt.Errorf("cross-reference pass failed: %w", err)
	}

	sameScope, err := e.sameScope()
	if err != nil {
		return nil, err
	}
	modifiesSame, err := e.modifiesSame()
	if err != nil {
		return nil, err
	}
	commitModifies, err := e.commitModifiesCode()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"references_resolved":   crossRef.Resolved,
		"references_unresolved": crossRef.Unresolved,
		"same_scope_edges":      sameScope,
		"modifies_same_edges":   modifiesSame,
		"commit_modifies_edges": commitModifies,
	}, nil
}

func (e *Engine) sameScope() (int, error) {
	commits, err := e.store.FindByLabel("Commit")
	if err != nil {
		return 0, fmt.Errorf("failed to list commits for same_scope: %w", err)
	}

	byScope := make(map[string][]*store.Node)
	for _, c := range commits {
		scope, ok := c.Properties["scope"]
		if !ok {
			continue
		}
		s := fmt.Sprintf("%v", scope)
		if s == "" {
			continue
		}
		byScope[s] = append(byScope[s], c)
	}

	added := 0
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for _, members := range byScope {
			for i := 0; i < len(members); i++ {
				for j := i + 1; j < len(members); j++ {
					if err := e.store.AddEdge(tx, members[i].ID, members[j].ID, "SAME_SCOPE", 0.6); err != nil {
						return err
					}
					if err := e.store.AddEdge(tx, members[j].ID, members[i].ID, "SAME_SCOPE", 0.6); err != nil {
						return err
					}
					added += 2
				}
			}
		}
		return nil
	})
	return added, err
}

const modifiesSamePerBucketDefault = 20

// modifiesSame wires MODIFIES_SAME between any two nodes (Commits or
// otherwise) sharing an element of their files property, and
// Commit->Module MODIFIES_SAME when a commit's files match a module's
// file_path, capped per bucket per §4.8 step 2.
func (e *Engine) modifiesSame() (int, error) {
	bucketCap := e.cfg.ModifiesSamePerBucket
	if bucketCap <= 0 {
		bucketCap = modifiesSamePerBucketDefault
	}

	nodes, err := e.store.AllNodes()
	if err != nil {
		return 0, fmt.Errorf("failed to list nodes for modifies_same: %w", err)
	}

	byFile := make(map[string][]*store.Node)
	for _, n := range nodes {
		files := stringArrayProp(n.Properties, "files")
		for _, f := range files {
			byFile[f] = append(byFile[f], n)
		}
	}

	modules, err := e.store.FindByLabel("Module")
	if err != nil {
		return 0, fmt.Errorf("failed to list modules for modifies_same: %w", err)
	}
	byPath := make(map[string]*store.Node, len(modules))
	for _, m := range modules {
		if fp, ok := m.Properties["file_path"]; ok {
			byPath[fmt.Sprintf("%v", fp)] = m
		}
	}

	added := 0
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for file, members := range byFile {
			pairs := 0
			for i := 0; i < len(members) && pairs < bucketCap; i++ {
				for j := i + 1; j < len(members) && pairs < bucketCap; j++ {
					if err := e.store.AddEdge(tx, members[i].ID, members[j].ID, "MODIFIES_SAME", 0.5); err != nil {
						return err
					}
					if err := e.store.AddEdge(tx, members[j].ID, members[i].ID, "MODIFIES_SAME", 0.5); err != nil {
						return err
					}
					added += 2
					pairs++
				}
			}
			if mod, ok := byPath[file]; ok {
				for _, member := range members {
					if member.ID == mod.ID {
						continue
					}
					if err := e.store.AddEdge(tx, member.ID, mod.ID, "MODIFIES_SAME", 0.5); err != nil {
						return err
					}
					added++
				}
			}
		}
		return nil
	})
	return added, err
}

// commitModifiesCode wires Commit->Function/Class MODIFIES when a
// commit's symbols_added/modified/deleted match a code node's name.
func (e *Engine) commitModifiesCode() (int, error) {
	commits, err := e.store.FindByLabel("Commit")
	if err != nil {
		return 0, fmt.Errorf("failed to list commits for commit_modifies: %w", err)
	}

	byName := make(map[string][]*store.Node)
	for _, label := range []string{"Function", "Class", "Interface"} {
		codeNodes, err := e.store.FindByLabel(label)
		if err != nil {
			return 0, fmt.Errorf("failed to list %s nodes: %w", label, err)
		}
		for _, n := range codeNodes {
			byName[n.Title] = append(byName[n.Title], n)
			if qn, ok := n.Properties["qualified_name"]; ok {
				byName[fmt.Sprintf("%v", qn)] = append(byName[fmt.Sprintf("%v", qn)], n)
			}
		}
	}

	added := 0
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for _, c := range commits {
			var symbols []string
			for _, key := range []string{"symbols_added", "symbols_modified", "symbols_deleted"} {
				symbols = append(symbols, stringArrayProp(c.Properties, key)...)
			}
			for _, sym := range symbols {
				name := symbolSimpleName(sym)
				targets := byName[name]
				if targets == nil {
					targets = byName[sym]
				}
				for _, target := range targets {
					if err := e.store.AddEdge(tx, c.ID, target.ID, "MODIFIES", 0.7); err != nil {
						return err
					}
					added++
				}
			}
		}
		return nil
	})
	return added, err
}

// symbolSimpleName strips a "kind:name" prefix (as produced by the diff
// enrichment adapter's symbols_added/modified/deleted arrays) down to
// the bare name for matching against code node titles.
func symbolSimpleName(sym string) string {
	for i := 0; i < len(sym); i++ {
		if sym[i] == ':' {
			return sym[i+1:]
		}
	}
	return sym
}

// relate computes cosine similarity between embedded node pairs,
// bounded by stratified sampling, and adds RELATED_TO edges above
// threshold.
func (e *Engine) relate(ctx context.Context) (map[string]interface{}, error) {
	threshold := e.cfg.RelateThreshold
	if threshold <= 0 {
		threshold = 0.75
	}
	perStratum := e.cfg.RelateStratumSample
	if perStratum <= 0 {
		perStratum = 500
	}
	maxComparisons := e.cfg.RelateMaxComparisons
	if maxComparisons <= 0 {
		maxComparisons = 50000
	}

	vectors, err := e.store.AllVectors()
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors for relate: %w", err)
	}
	if len(vectors) < 2 {
		return map[string]interface{}{"compared": 0, "edges_added": 0}, nil
	}

	nodes, err := e.store.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes for relate: %w", err)
	}

	strata := make(map[string][]*store.Node)
	for _, n := range nodes {
		if _, embedded := vectors[n.ID]; !embedded {
			continue
		}
		for _, label := range primaryLabels(n.Labels) {
			strata[label] = append(strata[label], n)
			break // bucket by the first primary label only
		}
	}

	var sample []*store.Node
	for _, members := range strata {
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		k := perStratum
		if k > len(members) {
			k = len(members)
		}
		sample = append(sample, e.deterministicSample(members, k)...)
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i].ID < sample[j].ID })

	compared := 0
	edgesAdded := 0
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for i := 0; i < len(sample) && compared < maxComparisons; i++ {
			for j := i + 1; j < len(sample) && compared < maxComparisons; j++ {
				a, b := sample[i], sample[j]
				va, vb := vectors[a.ID], vectors[b.ID]
				sim := cosineSimilarity(va, vb)
				compared++
				if sim < threshold {
					continue
				}
				if err := e.store.AddEdge(tx, a.ID, b.ID, "RELATED_TO", sim); err != nil {
					return err
				}
				if err := e.store.AddEdge(tx, b.ID, a.ID, "RELATED_TO", sim); err != nil {
					return err
				}
				edgesAdded += 2
			}
		}
		return nil
	})
	return map[string]interface{}{"compared": compared, "edges_added": edgesAdded}, err
}

// deterministicSample picks up to k elements from members using the
// engine's seeded PRNG, so repeated runs over an unchanged graph
// produce the same sample (restartable, per §4.8).
func (e *Engine) deterministicSample(members []*store.Node, k int) []*store.Node {
	if k >= len(members) {
		out := make([]*store.Node, len(members))
		copy(out, members)
		return out
	}
	indices := make([]int, len(members))
	for i := range indices {
		indices[i] = i
	}
	for i := len(indices) - 1; i > 0; i-- {
		j := e.runRand.Intn(i + 1)
		indices[i], indices[j] = indices[j], indices[i]
	}
	out := make([]*store.Node, 0, k)
	for _, idx := range indices[:k] {
		out = append(out, members[idx])
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

const themeMinCommitsDefault = 3

// themes groups Commit nodes by scope into Theme nodes for every scope
// with at least ThemeMinCommits members.
func (e *Engine) themes(ctx context.Context) (map[string]interface{}, error) {
	min := e.cfg.ThemeMinCommits
	if min <= 0 {
		min = themeMinCommitsDefault
	}

	commits, err := e.store.FindByLabel("Commit")
	if err != nil {
		return nil, fmt.Errorf("failed to list commits for themes: %w", err)
	}

	byScope := make(map[string][]*store.Node)
	for _, c := range commits {
		scope, ok := c.Properties["scope"]
		if !ok {
			continue
		}
		s := fmt.Sprintf("%v", scope)
		if s == "" {
			continue
		}
		byScope[s] = append(byScope[s], c)
	}

	themesCreated := 0
	edgesAdded := 0
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for scope, members := range byScope {
			if len(members) < min {
				continue
			}
			themeID := themeNodeID(scope)
			if err := e.store.UpsertNode(tx, themeID, "theme:"+scope, "", []string{"Theme"},
				map[string]interface{}{"scope": scope, "commit_count": len(members)}, false); err != nil {
				return err
			}
			themesCreated++
			for _, c := range members {
				if err := e.store.AddEdge(tx, c.ID, themeID, "BELONGS_TO_THEME", 0.6); err != nil {
					return err
				}
				edgesAdded++
			}
		}
		return nil
	})
	return map[string]interface{}{"themes": themesCreated, "edges_added": edgesAdded}, err
}

// clusters groups Patterns by their cluster property into
// PatternCluster nodes.
func (e *Engine) clusters(ctx context.Context) (map[string]interface{}, error) {
	patterns, err := e.store.FindByLabel("Pattern")
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns for clusters: %w", err)
	}

	byCluster := make(map[string][]*store.Node)
	for _, p := range patterns {
		cluster, ok := p.Properties["cluster"]
		if !ok {
			continue
		}
		c := fmt.Sprintf("%v", cluster)
		if c == "" {
			continue
		}
		byCluster[c] = append(byCluster[c], p)
	}

	clustersCreated := 0
	edgesAdded := 0
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for cluster, members := range byCluster {
			clusterID := clusterNodeID(cluster)
			if err := e.store.UpsertNode(tx, clusterID, "cluster:"+cluster, "", []string{"PatternCluster"},
				map[string]interface{}{"cluster": cluster, "pattern_count": len(members)}, false); err != nil {
				return err
			}
			clustersCreated++
			for _, p := range members {
				if err := e.store.AddEdge(tx, p.ID, clusterID, "CLUSTERED_IN", 0.6); err != nil {
					return err
				}
				edgesAdded++
			}
		}
		return nil
	})
	return map[string]interface{}{"clusters": clustersCreated, "edges_added": edgesAdded}, err
}

const edgeStaleDaysDefault = 90

// calibrate recalibrates every edge's weight against the access counts
// of its endpoints and decays edges whose endpoints have gone stale.
func (e *Engine) calibrate(ctx context.Context) (map[string]interface{}, error) {
	staleDays := e.cfg.EdgeStaleDays
	if staleDays <= 0 {
		staleDays = edgeStaleDaysDefault
	}

	edges, err := e.store.AllEdges()
	if err != nil {
		return nil, fmt.Errorf("failed to list edges for calibrate: %w", err)
	}

	nodes, err := e.store.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes for calibrate: %w", err)
	}
	byID := make(map[string]*store.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	now := time.Now().UTC()
	updated := 0
	decayed := 0
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for _, edge := range edges {
			from, fromOK := byID[edge.FromID]
			to, toOK := byID[edge.ToID]
			if !fromOK || !toOK {
				continue
			}

			weight := edge.Weight + 0.01*math.Log(1+float64(from.AccessCount)+float64(to.AccessCount))
			if weight > 1 {
				weight = 1
			}

			stale := now.Sub(from.LastAccessed).Hours()/24 > float64(staleDays) &&
				now.Sub(to.LastAccessed).Hours()/24 > float64(staleDays)
			if stale {
				weight *= 0.9
				decayed++
			}

			if err := e.store.SetEdgeWeight(tx, edge.FromID, edge.ToID, edge.Type, weight); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return map[string]interface{}{"edges_recalibrated": updated, "edges_decayed": decayed}, err
}

func themeNodeID(scope string) string { return ids.NodeID("theme:"+scope, []string{"Theme"}) }
func clusterNodeID(cluster string) string {
	return ids.NodeID("cluster:"+cluster, []string{"PatternCluster"})
}

func stringArrayProp(props map[string]interface{}, key string) []string {
	v, ok := props[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}

func lowerTrim(s string) string {
	b := []byte(s)
	out := make([]byte, 0, len(b))
	start := 0
	end := len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	for i := start; i < end; i++ {
		c := b[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
