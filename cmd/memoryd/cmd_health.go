package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nilcroak/memoryd/internal/cognitive"
)

var healthFormat string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report graph health: weak-memory ratio, connectivity, embedding coverage, recommendations",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthFormat, "format", "json", "output format: json or human")
}

func runHealth(cmd *cobra.Command, args []string) error {
	if healthFormat != "json" && healthFormat != "human" {
		return invalidArgsf("invalid --format %q: must be json or human", healthFormat)
	}

	e, err := openEngines()
	if err != nil {
		return err
	}
	defer e.Close()

	engine := cognitive.New(e.store, 0)
	report, err := engine.Health(cmd.Context())
	if err != nil {
		return wrapEngineErr(err)
	}

	if healthFormat == "human" {
		printHealthHuman(report)
		return nil
	}
	return printJSON(report)
}

func printHealthHuman(r cognitive.HealthReport) {
	fmt.Fprintf(cmdOut, "score:                 %.3f\n", r.Score)
	fmt.Fprintf(cmdOut, "weak_ratio:            %.3f\n", r.WeakRatio)
	fmt.Fprintf(cmdOut, "semantic_connectivity: %.3f\n", r.SemanticConnectivity)
	fmt.Fprintf(cmdOut, "embedding_coverage:    %.3f\n", r.EmbeddingCoverage)
	fmt.Fprintf(cmdOut, "diff_enrichment:       %.3f\n", r.DiffEnrichment)
	fmt.Fprintf(cmdOut, "vector_backend:        %s\n", r.VectorBackend)
	for label, count := range r.CodeCoverage {
		fmt.Fprintf(cmdOut, "code_coverage[%s]:     %d\n", label, count)
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(cmdOut, "recommendation:        %s\n", rec)
	}
}
