// Package faq provides the knowledge base search collaborator used by
// faq-search nodes. The engine treats search as an opaque scoring function;
// ranking internals live behind the Searcher interface.
package faq

import (
	"context"
	"log/slog"
	"strings"
)

// Entry is one knowledge base item.
type Entry struct {
	ID       string   `json:"id"`
	Service  string   `json:"service,omitempty"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Keywords []string `json:"keywords,omitempty"`
}

// Result is the best hit for a query with its relevance score in [0, 1].
type Result struct {
	Entry Entry
	Score float64
}

// Searcher scores a user query against the knowledge base, scoped to a
// service when one is declared. A nil result means nothing matched at all.
type Searcher interface {
	Search(ctx context.Context, query, service string) (*Result, error)
}

// StaticSearcher scores entries by keyword overlap. It backs offline and test
// deployments and is the fallback when no OpenAI key is configured.
type StaticSearcher struct {
	entries []Entry
}

// NewStaticSearcher creates a searcher over a fixed catalog.
func NewStaticSearcher(entries []Entry) *StaticSearcher {
	return &StaticSearcher{entries: entries}
}

// Search returns the entry with the highest keyword overlap score.
func (s *StaticSearcher) Search(ctx context.Context, query, service string) (*Result, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var best *Result
	for _, entry := range s.entries {
		if service != "" && entry.Service != "" && entry.Service != service {
			continue
		}
		score := overlapScore(terms, entry)
		if score <= 0 {
			continue
		}
		if best == nil || score > best.Score {
			best = &Result{Entry: entry, Score: score}
		}
	}

	if best != nil {
		slog.Debug("StaticSearcher Search hit", "entryID", best.Entry.ID, "score", best.Score)
	}
	return best, nil
}

// overlapScore is the fraction of query terms that appear in the entry's
// keywords or question text.
func overlapScore(terms []string, entry Entry) float64 {
	haystack := strings.ToLower(entry.Question)
	for _, kw := range entry.Keywords {
		haystack += " " + strings.ToLower(kw)
	}
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
