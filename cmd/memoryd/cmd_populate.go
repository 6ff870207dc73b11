package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nilcroak/memoryd/internal/ingest"
)

var (
	populateADR          string
	populatePatterns     string
	populateDomain       string
	populateExperiences  string
	populateCommitsMax   int
	populateSinceRefresh bool
)

var populateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Ingest ADR/pattern/domain/experience logs and commit history",
	RunE:  runPopulate,
}

func init() {
	populateCmd.Flags().StringVar(&populateADR, "adr", "", "path to an ADR log markdown file")
	populateCmd.Flags().StringVar(&populatePatterns, "patterns", "", "path to a pattern/anti-pattern log markdown file")
	populateCmd.Flags().StringVar(&populateDomain, "domain", "", "path to a glossary/rules/entities markdown file")
	populateCmd.Flags().StringVar(&populateExperiences, "experiences", "", "path to an experience log markdown file")
	populateCmd.Flags().IntVar(&populateCommitsMax, "commits-max", 0, "max commits to ingest from git log (default 7000, or 20 with --since-refresh)")
	populateCmd.Flags().BoolVar(&populateSinceRefresh, "since-refresh", false, "ingest only the most recent commits (refresh cap instead of initial-populate cap)")
}

func runPopulate(cmd *cobra.Command, args []string) error {
	e, err := openEngines()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	ws := resolveWorkspace()

	const refreshMax = 20
	commitMax := populateCommitsMax
	if commitMax <= 0 && populateSinceRefresh {
		commitMax = refreshMax
	}

	totalWritten, totalSkipped := 0, 0
	report := func(name string, r ingest.Report) {
		fmt.Fprintf(cmdOut, "%-12s parsed=%-4d written=%-4d skipped=%d\n", name, r.Parsed, r.Written, r.Skipped)
		totalWritten += r.Written
		totalSkipped += r.Skipped
	}

	if populateADR != "" {
		text, err := readFile(populateADR)
		if err != nil {
			return invalidArgsf("%v", err)
		}
		r, err := ingest.NewADRAdapter(e.facade).Run(ctx, text)
		if err != nil {
			return wrapEngineErr(err)
		}
		report("adr", r)
	}

	if populatePatterns != "" {
		text, err := readFile(populatePatterns)
		if err != nil {
			return invalidArgsf("%v", err)
		}
		r, err := ingest.NewPatternAdapter(e.facade).Run(ctx, text)
		if err != nil {
			return wrapEngineErr(err)
		}
		report("patterns", r)
	}

	if populateDomain != "" {
		text, err := readFile(populateDomain)
		if err != nil {
			return invalidArgsf("%v", err)
		}
		r, err := ingest.NewDomainAdapter(e.facade).Run(ctx, text)
		if err != nil {
			return wrapEngineErr(err)
		}
		report("domain", r)
	}

	if populateExperiences != "" {
		text, err := readFile(populateExperiences)
		if err != nil {
			return invalidArgsf("%v", err)
		}
		r, err := ingest.NewExperienceAdapter(e.facade).Run(ctx, text)
		if err != nil {
			return wrapEngineErr(err)
		}
		report("experiences", r)
	}

	if populateADR != "" || populatePatterns != "" || populateDomain != "" || populateExperiences != "" {
		crossRefReport, err := ingest.RunCrossReference(e.store)
		if err != nil {
			return wrapEngineErr(err)
		}
		fmt.Fprintf(cmdOut, "%-12s resolved=%-4d unresolved=%d\n", "crossref", crossRefReport.Resolved, crossRefReport.Unresolved)
	}

	commitReport, err := ingest.NewCommitAdapter(e.facade).RunGitLog(ctx, ws, commitMax)
	if err != nil {
		warnCommitSkip(err)
	} else {
		report("commits", commitReport)
	}

	fmt.Fprintf(cmdOut, "total: written=%d skipped=%d\n", totalWritten, totalSkipped)
	return nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// warnCommitSkip reports a non-fatal commit-ingest failure (e.g. the
// workspace isn't a git repo) without aborting the rest of populate.
func warnCommitSkip(err error) {
	fmt.Fprintf(os.Stderr, "warning: commit ingest skipped: %v\n", err)
}
