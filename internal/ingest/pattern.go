package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/memory"
)

var (
	patternHeadingRe     = regexp.MustCompile(`^###\s+PAT-(\d+):\s*(.+)$`)
	antiPatternHeadingRe = regexp.MustCompile(`^###\s+ANTI-(\d+):\s*(.+)$`)
	antiPatternSectionRe = regexp.MustCompile(`(?i)^##\s+anti-?pad(r|rõ)es`)
)

// PatternAdapter parses a markdown log of approved patterns and
// anti-patterns.
type PatternAdapter struct {
	facade *memory.Facade
}

// NewPatternAdapter builds an adapter writing through facade.
func NewPatternAdapter(facade *memory.Facade) *PatternAdapter {
	return &PatternAdapter{facade: facade}
}

// Run parses text and upserts a node per "### PAT-NNN" or "### ANTI-NNN"
// section, the latter only recognized under an anti-patterns heading,
// per §4.6/§6.2.
func (a *PatternAdapter) Run(ctx context.Context, text string) (Report, error) {
	inAntiSection := false
	var report Report

	lines := strings.Split(text, "\n")
	var patternText, antiText strings.Builder
	for _, line := range lines {
		if antiPatternSectionRe.MatchString(line) {
			inAntiSection = true
		} else if strings.HasPrefix(line, "## ") {
			inAntiSection = false
		}
		if inAntiSection {
			antiText.WriteString(line)
			antiText.WriteString("\n")
		} else {
			patternText.WriteString(line)
			patternText.WriteString("\n")
		}
	}

	patterns := scanSections(patternText.String(), patternHeadingRe)
	antiPatterns := scanSections(antiText.String(), antiPatternHeadingRe)
	report.Parsed = len(patterns) + len(antiPatterns)

	write := func(prefix string, sec section, labels []string) {
		num, title := sec.groups[1], sec.groups[2]
		patID := fmt.Sprintf("%s-%s", prefix, num)
		fullTitle := fmt.Sprintf("%s: %s", patID, title)

		_, err := a.facade.AddMemory(ctx, memory.Input{
			Title:      fullTitle,
			Content:    sec.body,
			Labels:     labels,
			Properties: map[string]interface{}{"pat_id": patID},
		})
		if err != nil {
			logging.IngestWarn("pattern adapter: failed to write %s: %v", patID, err)
			report.Skipped++
			return
		}
		report.Written++
	}

	for _, sec := range patterns {
		write("PAT", sec, []string{"Pattern", "ApprovedPattern"})
	}
	for _, sec := range antiPatterns {
		write("ANTI", sec, []string{"Pattern", "AntiPattern"})
	}

	return report, nil
}
