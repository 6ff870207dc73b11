package ingest

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/memory"
)

// gitLogFieldSep and gitLogRecordSep delimit fields and records in the
// custom git log format below. Both are control characters unlikely to
// appear in commit text.
const (
	gitLogFieldSep  = "\x1f"
	gitLogRecordSep = "\x1e"
)

var gitLogFormat = strings.Join([]string{"%H", "%ae", "%aI", "%s", "%b"}, gitLogFieldSep) + gitLogRecordSep

var conventionalScopeRe = regexp.MustCompile(`^(\w+)(\(([^)]+)\))?:`)

// RawCommit is one parsed git log record, before it becomes a node.
type RawCommit struct {
	Hash        string
	AuthorEmail string
	Date        string
	Subject     string
	Body        string
	Files       []string
}

// defaultInitialMax and defaultRefreshMax are the populate/refresh caps
// named in §4.6.
const (
	defaultInitialMax = 7000
	defaultRefreshMax = 20
)

// CommitAdapter ingests `git log` history as Episode/Commit nodes.
type CommitAdapter struct {
	facade *memory.Facade
}

// NewCommitAdapter builds an adapter writing through facade.
func NewCommitAdapter(facade *memory.Facade) *CommitAdapter {
	return &CommitAdapter{facade: facade}
}

// RunGitLog shells out to `git log` in repoDir and ingests up to max
// commits (defaultInitialMax if max <= 0). This is the only adapter
// that invokes an external process; every other adapter takes text
// already read by the caller.
func (a *CommitAdapter) RunGitLog(ctx context.Context, repoDir string, max int) (Report, error) {
	if max <= 0 {
		max = defaultInitialMax
	}

	cmd := exec.CommandContext(ctx, "git", "log",
		fmt.Sprintf("--max-count=%d", max),
		"--name-only",
		"--pretty=format:"+gitLogFormat,
	)
	cmd.Dir = repoDir

	out, err := cmd.Output()
	if err != nil {
		return Report{}, fmt.Errorf("git log failed: %w", err)
	}

	commits := ParseGitLog(string(out))
	return a.Run(ctx, commits)
}

// ParseGitLog parses the custom-delimited git log format produced by
// RunGitLog's --pretty/--name-only combination into RawCommit records.
func ParseGitLog(output string) []RawCommit {
	records := strings.Split(output, gitLogRecordSep)
	commits := make([]RawCommit, 0, len(records))

	for _, rec := range records {
		rec = strings.TrimPrefix(rec, "\n")
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}

		fieldsAndFiles := strings.SplitN(rec, "\n", 2)
		fields := strings.Split(fieldsAndFiles[0], gitLogFieldSep)
		if len(fields) < 5 {
			continue
		}

		c := RawCommit{
			Hash:        strings.TrimSpace(fields[0]),
			AuthorEmail: strings.TrimSpace(fields[1]),
			Date:        strings.TrimSpace(fields[2]),
			Subject:     strings.TrimSpace(fields[3]),
			Body:        strings.TrimSpace(fields[4]),
		}

		if len(fieldsAndFiles) > 1 {
			for _, line := range strings.Split(fieldsAndFiles[1], "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					c.Files = append(c.Files, line)
				}
			}
		}

		commits = append(commits, c)
	}

	return commits
}

// Run ingests a pre-parsed list of commits. Exposed separately from
// RunGitLog so tests and the diff-enrichment adapter can supply
// commits without shelling out.
func (a *CommitAdapter) Run(ctx context.Context, commits []RawCommit) (Report, error) {
	report := Report{Parsed: len(commits)}

	for _, c := range commits {
		if err := a.ingestOne(ctx, c); err != nil {
			logging.IngestWarn("commit adapter: failed to write %s: %v", c.Hash, err)
			report.Skipped++
			continue
		}
		report.Written++
	}

	return report, nil
}

func (a *CommitAdapter) ingestOne(ctx context.Context, c RawCommit) error {
	hash := c.Hash
	if hash == "" {
		// Malformed git log output without a parseable hash still
		// needs a stable-enough identity for this run; a random id
		// is the only option since there's nothing deterministic to
		// hash against.
		hash = uuid.NewString()
		logging.IngestWarn("commit adapter: missing commit hash, generated fallback id %s", hash)
	}

	scope := conventionalScope(c.Subject)

	content := c.Subject
	if c.Body != "" {
		content += "\n\n" + c.Body
	}
	if len(c.Files) > 0 {
		content += fmt.Sprintf("\n\nFiles changed: %d", len(c.Files))
	}

	props := map[string]interface{}{
		"commit_hash":  hash,
		"author_email": c.AuthorEmail,
		"date":         c.Date,
	}
	if scope != "" {
		props["scope"] = scope
	}
	if len(c.Files) > 0 {
		props["files"] = c.Files
	}

	_, err := a.facade.AddMemory(ctx, memory.Input{
		NodeID:     commitNodeID(hash),
		Title:      c.Subject,
		Content:    content,
		Labels:     []string{"Episode", "Commit"},
		Properties: props,
		Author:     c.AuthorEmail,
	})
	return err
}

// commitNodeID keys commit nodes by hash directly rather than through
// C1's title/label hash: two commits can share an identical subject
// line (e.g. "fix typo" appears constantly in real history) but never
// share a hash, so hash is the only safe identity source here.
func commitNodeID(hash string) string {
	if len(hash) >= 16 {
		return hash[:16]
	}
	return hash
}

// conventionalScope extracts the scope from a Conventional Commit
// subject line's "type(scope):" prefix, per §6.2.
func conventionalScope(subject string) string {
	m := conventionalScopeRe.FindStringSubmatch(subject)
	if m == nil {
		return ""
	}
	return m[3]
}
