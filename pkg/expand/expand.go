// Package expand implements the Query Expander: an
// enrichment-table aka/keywords lookup bounded by a statement timeout,
// feeding the cross-language hop in the Search Orchestrator.
package expand

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Result is the expander's output.
type Result struct {
	ExpandedQuery    string
	EnglishExpansion string
}

// Expander looks up the enrichment table.
type Expander struct {
	db     *sql.DB
	schema string
}

func New(db *sql.DB, schema string) *Expander {
	if schema == "" {
		schema = "hermes"
	}
	return &Expander{db: db, schema: schema}
}

var splitPattern = regexp.MustCompile(`[,，;/·|\n]+`)

// Expand runs the enrichment lookup for q, bounded by timeout. On
// timeout or error, expansion degrades silently: it returns q unchanged
// with no error, so a slow or unavailable enrichment table never fails
// a search.
func (e *Expander) Expand(ctx context.Context, q string, timeout time.Duration) Result {
	fallback := Result{ExpandedQuery: q}

	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := e.db.BeginTx(queryCtx, nil)
	if err != nil {
		return fallback
	}
	defer tx.Rollback()

	// A client-side deadline alone leaves the query running server-side
	// after we give up on it; bound the session too.
	timeoutMS := timeout.Milliseconds()
	if _, err := tx.ExecContext(queryCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMS)); err != nil {
		return fallback
	}

	query := fmt.Sprintf(`
		SELECT aka, keywords FROM %s.enrichment
		WHERE title ILIKE $1 OR aka ILIKE $1 OR keywords ILIKE $1
		LIMIT 50
	`, e.schema)

	pattern := "%" + q + "%"
	rows, err := tx.QueryContext(queryCtx, query, pattern)
	if err != nil {
		return fallback
	}
	defer rows.Close()

	var rawTokens []string
	for rows.Next() {
		var aka, keywords sql.NullString
		if err := rows.Scan(&aka, &keywords); err != nil {
			return fallback
		}
		if aka.Valid {
			rawTokens = append(rawTokens, splitPattern.Split(aka.String, -1)...)
		}
		if keywords.Valid {
			rawTokens = append(rawTokens, splitPattern.Split(keywords.String, -1)...)
		}
	}
	if err := rows.Err(); err != nil {
		return fallback
	}

	tokens := rankTokens(rawTokens)
	if len(tokens) == 0 {
		return fallback
	}

	expanded := q + " " + strings.Join(tokens, " ")
	englishCount := 3
	if len(tokens) < englishCount {
		englishCount = len(tokens)
	}
	english := strings.Join(asciiOnly(tokens)[:min(englishCount, len(asciiOnly(tokens)))], " ")

	return Result{ExpandedQuery: expanded, EnglishExpansion: english}
}

// rankTokens dedupes raw and prefers ASCII tokens of length >= 3,
// keeping at most 8.
func rankTokens(raw []string) []string {
	seen := make(map[string]bool)
	var cleaned []string
	for _, tok := range raw {
		t := strings.TrimSpace(tok)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		cleaned = append(cleaned, t)
	}

	sort.SliceStable(cleaned, func(i, j int) bool {
		iScore := tokenScore(cleaned[i])
		jScore := tokenScore(cleaned[j])
		return iScore > jScore
	})

	if len(cleaned) > 8 {
		cleaned = cleaned[:8]
	}
	return cleaned
}

func tokenScore(tok string) int {
	if isASCII(tok) && len(tok) >= 3 {
		return 2
	}
	if len(tok) >= 3 {
		return 1
	}
	return 0
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func asciiOnly(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		if isASCII(t) {
			out = append(out, t)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
