package ingest

import (
	"context"
	"regexp"
	"strings"

	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/memory"
)

var (
	domainSubheadingRe = regexp.MustCompile(`^###\s+(.+)$`)
	ruleIDRe           = regexp.MustCompile(`RN-(\d+)`)

	glossarySectionRe = regexp.MustCompile(`(?i)^##\s+glossary`)
	rulesSectionRe    = regexp.MustCompile(`(?i)^##\s+business\s+rules`)
	entitiesSectionRe = regexp.MustCompile(`(?i)^##\s+entities`)
)

// domainKind names which of the three domain sub-sections a heading
// belongs to.
type domainKind int

const (
	domainNone domainKind = iota
	domainGlossary
	domainRule
	domainEntity
)

// DomainAdapter parses a markdown domain file into glossary terms,
// business rules, and entities, per §4.6.
type DomainAdapter struct {
	facade *memory.Facade
}

// NewDomainAdapter builds an adapter writing through facade.
func NewDomainAdapter(facade *memory.Facade) *DomainAdapter {
	return &DomainAdapter{facade: facade}
}

// Run partitions text into its three domain sub-sections by top-level
// heading, then upserts one Concept node per "### " entry within each.
func (a *DomainAdapter) Run(ctx context.Context, text string) (Report, error) {
	var report Report
	kind := domainNone

	var cur strings.Builder
	var curTitle string

	flush := func() {
		if cur.Len() == 0 && curTitle == "" {
			return
		}
		report.Parsed++
		body := strings.TrimSpace(cur.String())
		if a.write(ctx, kind, curTitle, body, &report) {
			report.Written++
		} else {
			report.Skipped++
		}
		cur.Reset()
		curTitle = ""
	}

	lines := strings.Split(text, "\n")
	for _, line := range lines {
		switch {
		case glossarySectionRe.MatchString(line):
			flush()
			kind = domainGlossary
			continue
		case rulesSectionRe.MatchString(line):
			flush()
			kind = domainRule
			continue
		case entitiesSectionRe.MatchString(line):
			flush()
			kind = domainEntity
			continue
		}

		if m := domainSubheadingRe.FindStringSubmatch(line); m != nil && kind != domainNone {
			flush()
			curTitle = strings.TrimSpace(m[1])
			continue
		}

		if kind != domainNone && curTitle != "" {
			cur.WriteString(line)
			cur.WriteString("\n")
		}
	}
	flush()

	return report, nil
}

func (a *DomainAdapter) write(ctx context.Context, kind domainKind, title, body string, report *Report) bool {
	var labels []string
	props := map[string]interface{}{}

	switch kind {
	case domainGlossary:
		labels = []string{"Concept", "Glossary"}
	case domainRule:
		labels = []string{"Concept", "Rule", "BusinessRule"}
		if m := ruleIDRe.FindStringSubmatch(title); m != nil {
			props["rule_id"] = "RN-" + m[1]
		}
	case domainEntity:
		labels = []string{"Concept", "Entity"}
	default:
		return false
	}

	_, err := a.facade.AddMemory(ctx, memory.Input{
		Title:      title,
		Content:    body,
		Labels:     labels,
		Properties: props,
	})
	if err != nil {
		logging.IngestWarn("domain adapter: failed to write %q: %v", title, err)
		return false
	}
	return true
}
