// Package recall implements the hybrid semantic+lexical+spreading-
// activation retrieval pipeline: filter, score, spread, boost, rank,
// reinforce, shape connections, compact.
package recall

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nilcroak/memoryd/internal/config"
	"github.com/nilcroak/memoryd/internal/embedding"
	"github.com/nilcroak/memoryd/internal/graph"
	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/store"
)

// connectionPriority orders edge types from most to least relevant for
// the "connections" pivot list attached to each result, per §4.7 step 7.
var connectionPriority = []string{
	"REFERENCES", "INFORMED_BY", "APPLIES", "SAME_SCOPE", "MODIFIES_SAME",
	"RELATED_TO", "BELONGS_TO_THEME", "CLUSTERED_IN", "CO_ACCESSED",
}

var connectionRank = func() map[string]int {
	m := make(map[string]int, len(connectionPriority))
	for i, t := range connectionPriority {
		m[t] = i
	}
	return m
}()

// typeLabels maps a canonical --type filter value to the label set it
// resolves to, per §4.7.
var typeLabels = map[string][]string{
	"adr":      {"ADR", "Decision"},
	"pattern":  {"Pattern"},
	"function": {"Function"},
	"class":    {"Class"},
	"module":   {"Module"},
	"code":     {"Code"},
	"commit":   {"Commit"},
	"episode":  {"Episode", "Experience"},
	"concept":  {"Concept"},
	"theme":    {"Theme"},
}

// Filters narrows the candidate set before scoring.
type Filters struct {
	Type    string // canonical type key, resolved via typeLabels
	RecentD int    // --recent Nd: candidates touched within N days
	Since   string // --since ISO-date
	Author  string
}

// Options tunes the scoring and output shape of a recall call.
type Options struct {
	Top     int
	Depth   int
	Sort    string // "relevance" (default) or "date"
	Compact bool
	Expand  map[string]bool // ids to force full content for even in compact mode
}

// Connection is a summarized neighbor attached to a result so the
// caller can pivot without another call.
type Connection struct {
	NodeID string  `json:"node_id"`
	Title  string  `json:"title"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// Result is one ranked memory, shaped per §4.7's output payload.
type Result struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Labels      []string               `json:"labels"`
	Score       float64                `json:"score"`
	Date        string                 `json:"date,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
	Connections []Connection           `json:"connections,omitempty"`
	Properties  map[string]interface{} `json:"-"`
}

// Response is the top-level payload returned by Recall.
type Response struct {
	Query       string   `json:"query"`
	Total       int      `json:"total"`
	BackendInfo string   `json:"backend_info"`
	Results     []Result `json:"results"`
}

// Engine wires the store, graph, and embedder into the recall pipeline.
type Engine struct {
	store    *store.Store
	graph    *graph.Graph
	embedder embedding.EmbeddingEngine
	cfg      config.RecallConfig
}

// New builds a recall engine. embedder may be nil, in which case
// semantic scoring is skipped and recall degrades to lexical-only.
func New(s *store.Store, g *graph.Graph, embedder embedding.EmbeddingEngine, cfg config.RecallConfig) *Engine {
	return &Engine{store: s, graph: g, embedder: embedder, cfg: cfg}
}

type candidate struct {
	node *store.Node
	sim  float64
	lex  float64
	s0   float64
	s1   float64
}

// Recall runs the full pipeline described in §4.7.
func (e *Engine) Recall(ctx context.Context, query string, filters Filters, opts Options) (*Response, error) {
	if opts.Top <= 0 {
		opts.Top = e.cfg.DefaultTop
	}
	if opts.Top <= 0 {
		opts.Top = 10
	}
	if opts.Depth <= 0 {
		opts.Depth = e.cfg.DefaultDepth
	}
	if opts.Depth <= 0 {
		opts.Depth = 1
	}
	if opts.Sort == "" {
		opts.Sort = "relevance"
	}

	nodes, err := e.filterCandidates(filters)
	if err != nil {
		logging.RecallError("filter phase failed: %v", err)
		return nil, fmt.Errorf("recall filter phase: %w", err)
	}

	query = strings.TrimSpace(query)
	backend := "lexical_only"
	if e.embedder != nil {
		backend = e.embedder.Name()
	}

	if query == "" {
		return e.filterOnlyResponse(query, nodes, opts, backend), nil
	}

	cands := make(map[string]*candidate, len(nodes))
	for _, n := range nodes {
		cands[n.ID] = &candidate{node: n}
	}

	semSeeds, err := e.scoreSemantic(ctx, query, cands)
	if err != nil {
		logging.RecallWarn("semantic scoring failed, falling back to lexical-only: %v", err)
		backend = "lexical_only"
	}

	if err := e.scoreLexical(query, cands); err != nil {
		logging.RecallError("lexical scoring failed: %v", err)
		return nil, fmt.Errorf("recall scoring phase: %w", err)
	}

	for _, c := range cands {
		c.s0 = 2*c.sim + c.lex
		c.s1 = c.s0
	}

	activation := e.spreadActivation(semSeeds, opts.Depth)
	for id, a := range activation {
		if c, ok := cands[id]; ok {
			c.s1 = c.s0 + a
		}
	}

	if filters.Type != "" {
		boost := e.cfg.TypeBoost
		if boost <= 0 {
			boost = 1.1
		}
		wantLabels := typeLabels[strings.ToLower(filters.Type)]
		for _, c := range cands {
			if hasAnyLabel(c.node.Labels, wantLabels) {
				c.s1 *= boost
			}
		}
	}

	ranked := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		ranked = append(ranked, c)
	}
	if opts.Sort == "date" {
		sort.Slice(ranked, func(i, j int) bool {
			return ranked[i].node.LastAccessed.After(ranked[j].node.LastAccessed)
		})
	} else {
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].s1 > ranked[j].s1 })
	}

	total := len(ranked)
	if len(ranked) > opts.Top {
		ranked = ranked[:opts.Top]
	}

	if err := e.reinforce(ranked); err != nil {
		logging.RecallWarn("reinforcement failed (non-fatal): %v", err)
	}

	results := make([]Result, 0, len(ranked))
	for _, c := range ranked {
		r := e.buildResult(c.node, c.s1)
		e.attachConnections(&r, opts)
		e.compact(&r, opts)
		results = append(results, r)
	}

	return &Response{Query: query, Total: total, BackendInfo: backend, Results: results}, nil
}

// filterCandidates resolves the label/temporal/author candidate set at
// the store level, per §4.7 step 1.
func (e *Engine) filterCandidates(filters Filters) ([]*store.Node, error) {
	var nodes []*store.Node
	var err error

	if filters.Type != "" {
		labels := typeLabels[strings.ToLower(filters.Type)]
		seen := make(map[string]bool)
		for _, l := range labels {
			matches, lerr := e.store.FindByLabel(l)
			if lerr != nil {
				return nil, lerr
			}
			for _, n := range matches {
				if !seen[n.ID] {
					seen[n.ID] = true
					nodes = append(nodes, n)
				}
			}
		}
	} else {
		nodes, err = e.store.AllNodes()
		if err != nil {
			return nil, err
		}
	}

	if filters.Author != "" {
		nodes = filterByProperty(nodes, "author", filters.Author)
	}

	if filters.Since != "" {
		since, perr := time.Parse("2006-01-02", filters.Since)
		if perr == nil {
			nodes = filterSince(nodes, since)
		}
	}

	if filters.RecentD > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -filters.RecentD)
		nodes = filterSince(nodes, cutoff)
	}

	nodes = excludeArchived(nodes)

	return nodes, nil
}

func filterByProperty(nodes []*store.Node, key, value string) []*store.Node {
	out := make([]*store.Node, 0, len(nodes))
	for _, n := range nodes {
		if v, ok := n.Properties[key]; ok {
			if fmt.Sprintf("%v", v) == value {
				out = append(out, n)
			}
		}
	}
	return out
}

func filterSince(nodes []*store.Node, since time.Time) []*store.Node {
	out := make([]*store.Node, 0, len(nodes))
	for _, n := range nodes {
		ref := n.LastAccessed
		if ref.Before(n.UpdatedAt) {
			ref = n.UpdatedAt
		}
		if !ref.Before(since) {
			out = append(out, n)
		}
	}
	return out
}

func excludeArchived(nodes []*store.Node) []*store.Node {
	out := make([]*store.Node, 0, len(nodes))
	for _, n := range nodes {
		if !hasLabel(n.Labels, "Archived") {
			out = append(out, n)
		}
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func hasAnyLabel(labels, want []string) bool {
	for _, w := range want {
		if hasLabel(labels, w) {
			return true
		}
	}
	return false
}

// filterOnlyResponse handles the empty-query path: sort by (date desc,
// strength desc), truncate to top, per §4.7 step 1.
func (e *Engine) filterOnlyResponse(query string, nodes []*store.Node, opts Options, backend string) *Response {
	sort.Slice(nodes, func(i, j int) bool {
		di, dj := nodes[i].LastAccessed, nodes[j].LastAccessed
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return nodes[i].Strength > nodes[j].Strength
	})

	total := len(nodes)
	if len(nodes) > opts.Top {
		nodes = nodes[:opts.Top]
	}

	results := make([]Result, 0, len(nodes))
	for _, n := range nodes {
		r := e.buildResult(n, n.Strength)
		e.attachConnections(&r, opts)
		e.compact(&r, opts)
		results = append(results, r)
	}
	return &Response{Query: query, Total: total, BackendInfo: backend, Results: results}
}

// scoreSemantic embeds the query, ANN-queries the vector index
// restricted to candidates, and normalizes cosine distance to a [0,1]
// similarity. Returns the top-M seed ids for spreading activation.
func (e *Engine) scoreSemantic(ctx context.Context, query string, cands map[string]*candidate) ([]string, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	filter := make(map[string]bool, len(cands))
	for id := range cands {
		filter[id] = true
	}

	matches, err := e.store.VectorQuery(vec, len(cands), filter)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		c, ok := cands[m.ID]
		if !ok {
			continue
		}
		// cosine distance in [0,2]; similarity = 1 - distance/2.
		sim := 1 - m.Distance/2
		if sim < 0 {
			sim = 0
		}
		c.sim = sim
		ids = append(ids, m.ID)
	}

	const seedM = 5
	if len(ids) > seedM {
		ids = ids[:seedM]
	}
	return ids, nil
}

// scoreLexical runs FTS/LIKE search and normalizes scores into [0,1]
// by dividing by the top score observed.
func (e *Engine) scoreLexical(query string, cands map[string]*candidate) error {
	matches, err := e.store.KeywordSearch(query, len(cands)*2+20)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}

	max := matches[0].Score
	for _, m := range matches {
		if m.Score > max {
			max = m.Score
		}
	}
	if max <= 0 {
		max = 1
	}

	for _, m := range matches {
		if c, ok := cands[m.ID]; ok {
			c.lex = m.Score / max
		}
	}
	return nil
}

// spreadActivation runs the bounded BFS walk from the semantic seeds,
// per §4.7 step 3.
func (e *Engine) spreadActivation(seeds []string, depth int) map[string]float64 {
	if len(seeds) == 0 {
		return nil
	}
	decay := e.cfg.SpreadDecay
	if decay <= 0 {
		decay = 0.5
	}
	maxNodes := e.cfg.SpreadMaxNodes
	if maxNodes <= 0 {
		maxNodes = 200
	}
	return e.graph.Spread(seeds, graph.SpreadOptions{MaxHops: depth, Decay: decay, MaxNodes: maxNodes})
}

// reinforce persists access bookkeeping and CO_ACCESSED edges for the
// returned set, per §4.7 step 6.
func (e *Engine) reinforce(ranked []*candidate) error {
	if len(ranked) == 0 {
		return nil
	}
	factor := e.cfg.ReinforceFactor
	if factor <= 0 {
		factor = 1.05
	}

	return e.store.WithTx(func(tx *sql.Tx) error {
		for _, c := range ranked {
			if err := e.store.TouchNode(tx, c.node.ID, factor); err != nil {
				return err
			}
		}
		return e.coAccess(tx, ranked)
	})
}

// coAccess adds/upgrades CO_ACCESSED edges among the top results,
// pairwise, bounded to top-N to avoid quadratic blowup.
func (e *Engine) coAccess(tx *sql.Tx, ranked []*candidate) error {
	if len(ranked) < 2 {
		return nil
	}
	topN := e.cfg.CoAccessedTopN
	if topN <= 0 {
		topN = 5
	}
	step := e.cfg.CoAccessedStep
	if step <= 0 {
		step = 0.05
	}
	max := e.cfg.CoAccessedMax
	if max <= 0 {
		max = 1.0
	}

	bound := ranked
	if len(bound) > topN {
		bound = bound[:topN]
	}

	for i := 0; i < len(bound); i++ {
		for j := i + 1; j < len(bound); j++ {
			a, b := bound[i].node.ID, bound[j].node.ID
			existing, err := e.store.Neighbors(a, store.DirOut, []string{"CO_ACCESSED"})
			if err != nil {
				return err
			}
			weight := 0.4
			for _, nb := range existing {
				if nb.NodeID == b {
					weight = nb.Weight + step
					if weight > max {
						weight = max
					}
					break
				}
			}
			if err := e.store.SetEdgeWeight(tx, a, b, "CO_ACCESSED", weight); err != nil {
				return err
			}
			if err := e.store.SetEdgeWeight(tx, b, a, "CO_ACCESSED", weight); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) buildResult(n *store.Node, score float64) Result {
	date := ""
	if !n.LastAccessed.IsZero() {
		date = n.LastAccessed.Format(time.RFC3339)
	}
	summary := n.Content
	if len(summary) > 200 {
		summary = summary[:200]
	}
	return Result{
		ID:         n.ID,
		Title:      n.Title,
		Labels:     n.Labels,
		Score:      score,
		Date:       date,
		Content:    n.Content,
		Summary:    summary,
		Properties: n.Properties,
	}
}

// attachConnections attaches up to K summarized neighbors, ordered by
// connectionPriority, per §4.7 step 7.
func (e *Engine) attachConnections(r *Result, opts Options) {
	k := e.cfg.ConnectionsK
	if k <= 0 {
		k = 5
	}
	neighbors, err := e.graph.Neighbors(r.ID, store.DirOut, nil)
	if err != nil {
		logging.RecallDebug("connections lookup failed for %s: %v", r.ID, err)
		return
	}

	sort.Slice(neighbors, func(i, j int) bool {
		ri, oki := connectionRank[neighbors[i].Type]
		rj, okj := connectionRank[neighbors[j].Type]
		if !oki {
			ri = len(connectionPriority)
		}
		if !okj {
			rj = len(connectionPriority)
		}
		if ri != rj {
			return ri < rj
		}
		return neighbors[i].Weight > neighbors[j].Weight
	})

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}

	conns := make([]Connection, 0, len(neighbors))
	for _, nb := range neighbors {
		title := nb.NodeID
		if node, err := e.graph.Node(nb.NodeID); err == nil && node != nil {
			title = node.Title
		}
		conns = append(conns, Connection{NodeID: nb.NodeID, Title: title, Type: nb.Type, Weight: nb.Weight})
	}
	r.Connections = conns
}

// compact drops content when requested, unless the result's id is in
// the expand set, per §4.7 step 8. Connections are never dropped: id,
// title, score, and the connection set must stay identical between
// compact and full mode, only content differs.
func (e *Engine) compact(r *Result, opts Options) {
	if !opts.Compact {
		return
	}
	if opts.Expand != nil && opts.Expand[r.ID] {
		return
	}
	r.Content = ""
}
