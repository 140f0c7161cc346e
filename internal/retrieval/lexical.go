package retrieval

import "strings"

// Scorer computes a similarity score in [0, 1] between a query and a
// candidate text. Implementations must be pure: no shared state, no
// randomness, identical inputs always produce the identical score.
type Scorer interface {
	Score(query, candidate string) float64
}

// Compile-time check that JaccardScorer implements Scorer.
var _ Scorer = JaccardScorer{}

// JaccardScorer scores texts by word-set overlap: both sides are lowercased
// and split on whitespace, and the score is |intersection| / |union| of the
// resulting token sets. Punctuation stays attached to its token, so
// "failing," and "failing" are distinct tokens. If either side has no tokens
// the score is 0.
type JaccardScorer struct{}

// Score implements Scorer.
func (JaccardScorer) Score(query, candidate string) float64 {
	qs := tokenSet(query)
	cs := tokenSet(candidate)
	if len(qs) == 0 || len(cs) == 0 {
		return 0
	}

	// Iterate the smaller set when counting the intersection.
	small, large := qs, cs
	if len(cs) < len(qs) {
		small, large = cs, qs
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}

	union := len(qs) + len(cs) - inter
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
