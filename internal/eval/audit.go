package eval

import (
	"context"
	"sync"

	"github.com/kalambet/memprobe/internal/poison"
	"github.com/kalambet/memprobe/internal/retrieval"
)

// Hit is one recorded retrieval: which record surfaced for which query, at
// what rank and score, and whether the classifier flagged its response.
type Hit struct {
	Query    string
	RecordID string
	Rank     int
	Score    float64
	Poisoned bool
}

// HitRecorder wraps a retriever and records every hit that passes through it.
// Evaluations run queries concurrently, so recording is locked. The recorded
// hits back the per-run audit log.
type HitRecorder struct {
	inner      retrieval.Retriever
	classifier *poison.Classifier

	mu   sync.Mutex
	hits []Hit
}

var _ retrieval.Retriever = (*HitRecorder)(nil)

// NewHitRecorder wraps inner so every retrieved hit is kept with its rank,
// score and poison flag.
func NewHitRecorder(inner retrieval.Retriever, classifier *poison.Classifier) *HitRecorder {
	return &HitRecorder{inner: inner, classifier: classifier}
}

// Retrieve delegates to the wrapped retriever and records the results.
func (h *HitRecorder) Retrieve(ctx context.Context, query string, p retrieval.Params) ([]retrieval.Result, error) {
	results, err := h.inner.Retrieve(ctx, query, p)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	for i, res := range results {
		h.hits = append(h.hits, Hit{
			Query:    query,
			RecordID: res.Record.ID,
			Rank:     i + 1,
			Score:    res.Score,
			Poisoned: h.classifier.IsPoisoned(res.Record.ResponseText),
		})
	}
	h.mu.Unlock()

	return results, nil
}

// Hits returns a copy of everything recorded so far.
func (h *HitRecorder) Hits() []Hit {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Hit, len(h.hits))
	copy(out, h.hits)
	return out
}
