package ingest

import (
	"context"
	"fmt"
	"regexp"

	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/memory"
)

var adrHeadingRe = regexp.MustCompile(`^##\s+ADR-(\d+):\s*(.+)$`)

// ADRAdapter parses a markdown log of architecture decision records.
type ADRAdapter struct {
	facade *memory.Facade
}

// NewADRAdapter builds an adapter writing through facade.
func NewADRAdapter(facade *memory.Facade) *ADRAdapter {
	return &ADRAdapter{facade: facade}
}

// Report summarizes one adapter run.
type Report struct {
	Parsed  int
	Written int
	Skipped int
}

// Run parses text (the full contents of an ADR log file) and upserts
// one node per "## ADR-NNN: Title" section, per §4.6/§6.2.
func (a *ADRAdapter) Run(ctx context.Context, text string) (Report, error) {
	sections := scanSections(text, adrHeadingRe)
	report := Report{Parsed: len(sections)}

	for _, sec := range sections {
		num, title := sec.groups[1], sec.groups[2]
		adrID := fmt.Sprintf("ADR-%s", num)
		fullTitle := fmt.Sprintf("%s: %s", adrID, title)

		status, date := optionalFields(sec.body)
		props := map[string]interface{}{"adr_id": adrID}
		if status != "" {
			props["status"] = status
		}
		if date != "" {
			props["date"] = date
		}
		if alts := bulletItems(sec.body); len(alts) > 0 {
			props["alternatives"] = alts
		}

		// Wikilinks and ADR-/PAT-/RN-/EXP- tokens are resolved into
		// REFERENCES edges by the cross-reference pass (crossref.go)
		// after every adapter has run, not here.
		_, err := a.facade.AddMemory(ctx, memory.Input{
			Title:      fullTitle,
			Content:    sec.body,
			Labels:     []string{"Decision", "ADR"},
			Properties: props,
		})
		if err != nil {
			logging.IngestWarn("adr adapter: failed to write %s: %v", adrID, err)
			report.Skipped++
			continue
		}
		report.Written++
	}

	return report, nil
}
