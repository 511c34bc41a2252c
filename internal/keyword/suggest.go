package keyword

import (
	"fmt"
	"strings"
)

// maxSuggestDistance is the largest edit distance a suggested word may have.
const maxSuggestDistance = 2

// Suggest returns query with each unknown word replaced by the closest indexed
// word, preferring words used in more messages. It returns "" when every word
// is known or nothing close exists.
func (t *TranscriptIndex) Suggest(query string) (string, error) {
	dict, err := t.termCounts()
	if err != nil {
		return "", err
	}
	terms := tokenizeQuery(query)
	changed := false
	for i, term := range terms {
		if _, ok := dict[term]; ok {
			continue
		}
		if best := closestTerm(term, dict); best != "" {
			terms[i] = best
			changed = true
		}
	}
	if !changed {
		return "", nil
	}
	return strings.Join(terms, " "), nil
}

func (t *TranscriptIndex) termCounts() (map[string]uint64, error) {
	fd, err := t.index.FieldDict(fieldText)
	if err != nil {
		return nil, fmt.Errorf("read term dictionary: %w", err)
	}
	defer fd.Close()
	counts := make(map[string]uint64)
	for {
		entry, err := fd.Next()
		if err != nil {
			return nil, fmt.Errorf("read term dictionary: %w", err)
		}
		if entry == nil {
			return counts, nil
		}
		counts[entry.Term] = entry.Count
	}
}

func closestTerm(term string, dict map[string]uint64) string {
	var (
		best      string
		bestDist  = maxSuggestDistance + 1
		bestCount uint64
	)
	n := len([]rune(term))
	for cand, count := range dict {
		diff := len([]rune(cand)) - n
		if diff < 0 {
			diff = -diff
		}
		if diff > maxSuggestDistance {
			continue
		}
		d := editDistance(term, cand)
		if d > maxSuggestDistance {
			continue
		}
		if d < bestDist || (d == bestDist && (count > bestCount || (count == bestCount && cand < best))) {
			best, bestDist, bestCount = cand, d, count
		}
	}
	return best
}

// editDistance is the Levenshtein distance between a and b, counted in runes.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
