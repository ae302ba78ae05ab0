package views

import (
	"sort"
	"strings"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// Field weights for the overall score: the title dominates, tags carry
// curated signal, the description is background.
const (
	weightTitle       = 3.0
	weightTags        = 2.0
	weightDescription = 1.0

	// snippetWindow caps the snippet length around the first match.
	snippetWindow = 100

	// snippetMarker surrounds matched terms so a UI can highlight them.
	snippetMarker = "**"
)

// SearchResult is one scored hit.
type SearchResult struct {
	Task    *types.Task `json:"task"`
	Score   float64     `json:"score"`
	Snippet string      `json:"snippet,omitempty"`
}

// Search ranks tasks against a free-text query. Per field, a match scores
// 0.7 x coverage (fraction of query terms present) plus 0.3 x density
// (matches per field token); the overall score is the weighted mean across
// title, tags, and description. Results below minScore are dropped, the
// rest are sorted by score descending and truncated to limit.
func Search(tasks []*types.Task, query string, limit int, minScore float64) []SearchResult {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var results []SearchResult
	for _, t := range tasks {
		title := fieldScore(terms, tokenize(t.Title))
		tags := fieldScore(terms, tokenizeAll(t.Tags))
		desc := fieldScore(terms, tokenize(t.Description))

		score := (weightTitle*title + weightTags*tags + weightDescription*desc) /
			(weightTitle + weightTags + weightDescription)
		if score <= 0 || score < minScore {
			continue
		}
		results = append(results, SearchResult{
			Task:    t,
			Score:   score,
			Snippet: snippet(t, terms),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Task.ID < results[j].Task.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func tokenizeAll(parts []string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, tokenize(p)...)
	}
	return out
}

// fieldScore blends coverage and density for one field.
func fieldScore(terms, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	covered := 0
	matches := 0
	for _, term := range terms {
		found := false
		for _, tok := range tokens {
			if strings.Contains(tok, term) {
				matches++
				found = true
			}
		}
		if found {
			covered++
		}
	}
	if matches == 0 {
		return 0
	}
	coverage := float64(covered) / float64(len(terms))
	density := float64(matches) / float64(len(tokens))
	if density > 1 {
		density = 1
	}
	return 0.7*coverage + 0.3*density
}

// snippet extracts a window of at most snippetWindow characters centred on
// the first matched term, preferring the description over the title, with
// the match wrapped in the marker.
func snippet(t *types.Task, terms []string) string {
	for _, source := range []string{t.Description, t.Title} {
		lower := strings.ToLower(source)
		if len(lower) != len(source) {
			// Lowering shifted byte offsets, so indexes found in lower
			// cannot address source. Highlight on the lowered text.
			source = lower
		}
		for _, term := range terms {
			idx := strings.Index(lower, term)
			if idx < 0 {
				continue
			}
			half := (snippetWindow - len(term)) / 2
			if half < 0 {
				half = 0
			}
			start := idx - half
			if start < 0 {
				start = 0
			}
			end := idx + len(term) + half
			if end > len(source) {
				end = len(source)
			}
			marked := source[start:idx] + snippetMarker + source[idx:idx+len(term)] + snippetMarker + source[idx+len(term):end]
			return strings.TrimSpace(marked)
		}
	}
	return ""
}
