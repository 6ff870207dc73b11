package ingest

import (
	"context"
	"fmt"
	"regexp"

	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/memory"
)

var experienceHeadingRe = regexp.MustCompile(`^###\s+EXP-(\d+):\s*(.+)$`)

// ExperienceAdapter parses a markdown log of recorded experiences.
type ExperienceAdapter struct {
	facade *memory.Facade
}

// NewExperienceAdapter builds an adapter writing through facade.
func NewExperienceAdapter(facade *memory.Facade) *ExperienceAdapter {
	return &ExperienceAdapter{facade: facade}
}

// Run parses text and upserts a node per "### EXP-NNN: Title" section,
// per §4.6/§6.2.
func (a *ExperienceAdapter) Run(ctx context.Context, text string) (Report, error) {
	sections := scanSections(text, experienceHeadingRe)
	report := Report{Parsed: len(sections)}

	for _, sec := range sections {
		num, title := sec.groups[1], sec.groups[2]
		expID := fmt.Sprintf("EXP-%s", num)
		fullTitle := fmt.Sprintf("%s: %s", expID, title)

		_, err := a.facade.AddMemory(ctx, memory.Input{
			Title:      fullTitle,
			Content:    sec.body,
			Labels:     []string{"Episode", "Experience"},
			Properties: map[string]interface{}{"exp_id": expID},
		})
		if err != nil {
			logging.IngestWarn("experience adapter: failed to write %s: %v", expID, err)
			report.Skipped++
			continue
		}
		report.Written++
	}

	return report, nil
}
