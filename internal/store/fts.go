package store

import (
	"fmt"
	"strings"

	"github.com/nilcroak/memoryd/internal/logging"
)

// LexicalResult is one lexical match: a node id and its score. For
// FTS5 this is bm25-derived (higher is better, already sign-flipped
// from SQLite's native bm25() which returns lower-is-better); for the
// LIKE fallback it is a simple term-overlap count.
type LexicalResult struct {
	ID    string
	Score float64
}

// KeywordSearch runs the lexical half of recall: FTS5 with BM25-style
// ranking when available, falling back to a LIKE-pattern scan of
// title/content otherwise. Always returns at most k results, ordered by
// descending score.
func (s *Store) KeywordSearch(query string, k int) ([]LexicalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return nil, nil
	}

	if s.ftsEnabled {
		results, err := s.ftsSearchLocked(query, k)
		if err == nil {
			return results, nil
		}
		logging.StoreWarn("fts_search failed, falling back to LIKE: %v", err)
	}
	return s.likeSearchLocked(query, k)
}

func (s *Store) ftsSearchLocked(query string, k int) ([]LexicalResult, error) {
	matchQuery := ftsMatchExpr(query)

	rows, err := s.db.Query(`
		SELECT id, bm25(nodes_fts) AS rank
		FROM nodes_fts
		WHERE nodes_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, matchQuery, k)
	if err != nil {
		return nil, fmt.Errorf("fts query failed: %w", err)
	}
	defer rows.Close()

	var results []LexicalResult
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			continue
		}
		// SQLite's bm25() returns a non-positive score where more
		// negative means a better match; invert so higher = better,
		// matching the rest of the scoring pipeline's convention.
		results = append(results, LexicalResult{ID: id, Score: -rank})
	}
	return results, nil
}

// ftsMatchExpr quotes each query token so punctuation in free-text
// queries (e.g. "ADR-007") can't be misread as FTS5 query syntax.
func ftsMatchExpr(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		escaped := strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, fmt.Sprintf(`"%s"`, escaped))
	}
	return strings.Join(quoted, " OR ")
}

// likeSearchLocked is the mandatory fallback when FTS5 is unavailable.
// It scores nodes by how many distinct query terms appear in title or
// content, which is coarser than BM25 but keeps recall functional.
func (s *Store) likeSearchLocked(query string, k int) ([]LexicalResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT id, title, content FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("like_search query failed: %w", err)
	}
	defer rows.Close()

	var results []LexicalResult
	for rows.Next() {
		var id, title, content string
		if err := rows.Scan(&id, &title, &content); err != nil {
			continue
		}
		haystack := strings.ToLower(title + " " + content)
		score := 0.0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score > 0 {
			results = append(results, LexicalResult{ID: id, Score: score})
		}
	}

	sortLexicalDesc(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func sortLexicalDesc(results []LexicalResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
