package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nilcroak/memoryd/internal/recall"
)

var (
	recallTop     int
	recallType    string
	recallRecent  string
	recallSince   string
	recallAuthor  string
	recallSort    string
	recallDepth   int
	recallCompact bool
	recallExpand  string
	recallFormat  string
)

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Recall memories by query, filters, and spreading activation",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRecall,
}

func init() {
	recallCmd.Flags().IntVar(&recallTop, "top", 0, "max results (default from config)")
	recallCmd.Flags().StringVar(&recallType, "type", "", "filter by type tag (adr, pattern, commit, ...)")
	recallCmd.Flags().StringVar(&recallRecent, "recent", "", "only memories touched within Nd (e.g. 30d)")
	recallCmd.Flags().StringVar(&recallSince, "since", "", "only memories touched since YYYY-MM-DD")
	recallCmd.Flags().StringVar(&recallAuthor, "author", "", "filter by author id")
	recallCmd.Flags().StringVar(&recallSort, "sort", "relevance", "sort order: relevance or date")
	recallCmd.Flags().IntVar(&recallDepth, "depth", 0, "spreading activation depth (default from config)")
	recallCmd.Flags().BoolVar(&recallCompact, "compact", false, "omit content from each result")
	recallCmd.Flags().StringVar(&recallExpand, "expand", "", "comma-separated ids to keep full content for in compact mode")
	recallCmd.Flags().StringVar(&recallFormat, "format", "json", "output format: json or human")
}

// cliBackend mirrors §6.3's nested backend object; recall.Response and
// store.Store each report one half of it.
type cliBackend struct {
	Vector   string `json:"vector"`
	Embedder string `json:"embedder"`
}

// cliResponse is the stable recall output schema from §6.3.
type cliResponse struct {
	Query   string          `json:"query"`
	Total   int             `json:"total"`
	Backend cliBackend      `json:"backend"`
	Results []recall.Result `json:"results"`
}

func runRecall(cmd *cobra.Command, args []string) error {
	if recallSort != "relevance" && recallSort != "date" {
		return invalidArgsf("invalid --sort %q: must be relevance or date", recallSort)
	}
	if recallFormat != "json" && recallFormat != "human" {
		return invalidArgsf("invalid --format %q: must be json or human", recallFormat)
	}

	var recentDays int
	if recallRecent != "" {
		d, err := parseRecentDays(recallRecent)
		if err != nil {
			return invalidArgsf("invalid --recent %q: %v", recallRecent, err)
		}
		recentDays = d
	}

	if recallSince != "" {
		if _, err := time.Parse("2006-01-02", recallSince); err != nil {
			return invalidArgsf("invalid --since %q: must be YYYY-MM-DD", recallSince)
		}
	}

	expand := make(map[string]bool)
	if recallExpand != "" {
		for _, id := range strings.Split(recallExpand, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				expand[id] = true
			}
		}
	}

	query := ""
	if len(args) > 0 {
		query = args[0]
	}

	e, err := openEngines()
	if err != nil {
		return err
	}
	defer e.Close()

	engine := recall.New(e.store, e.graph, e.embedder, e.cfg.Recall)
	resp, err := engine.Recall(cmd.Context(), query, recall.Filters{
		Type:    recallType,
		RecentD: recentDays,
		Since:   recallSince,
		Author:  recallAuthor,
	}, recall.Options{
		Top:     recallTop,
		Depth:   recallDepth,
		Sort:    recallSort,
		Compact: recallCompact,
		Expand:  expand,
	})
	if err != nil {
		return wrapEngineErr(err)
	}

	out := cliResponse{
		Query:   resp.Query,
		Total:   resp.Total,
		Backend: cliBackend{Vector: vectorBackendLabel(e.store.VectorBackendName()), Embedder: embedderLabel(resp.BackendInfo)},
		Results: resp.Results,
	}

	if recallFormat == "human" {
		printRecallHuman(out)
		return nil
	}
	return printJSON(out)
}

func parseRecentDays(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "d")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected a positive number of days like \"30d\"")
	}
	return n, nil
}

// vectorBackendLabel maps the store's internal backend name to the
// "ann"|"flat" vocabulary from §6.3.
func vectorBackendLabel(name string) string {
	if name == "vec0" {
		return "ann"
	}
	return "flat"
}

// embedderLabel maps an embedding engine's Name() (e.g. "ollama:model",
// "genai:model", "tfidf", "lexical_only") to the "neural"|"tfidf"
// vocabulary from §6.3.
func embedderLabel(name string) string {
	if strings.HasPrefix(name, "ollama") || strings.HasPrefix(name, "genai") {
		return "neural"
	}
	return "tfidf"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(cmdOut)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecallHuman(out cliResponse) {
	fmt.Fprintf(cmdOut, "%d result(s) [vector=%s embedder=%s]\n", out.Total, out.Backend.Vector, out.Backend.Embedder)
	for _, r := range out.Results {
		fmt.Fprintf(cmdOut, "\n%s  %s  (%.3f)\n", r.ID, r.Title, r.Score)
		fmt.Fprintf(cmdOut, "  labels: %s\n", strings.Join(r.Labels, ", "))
		if r.Summary != "" {
			fmt.Fprintf(cmdOut, "  %s\n", r.Summary)
		}
		for _, c := range r.Connections {
			fmt.Fprintf(cmdOut, "  -> [%s] %s (%s, w=%.2f)\n", c.NodeID, c.Title, c.Type, c.Weight)
		}
	}
}
