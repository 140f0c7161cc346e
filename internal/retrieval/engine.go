package retrieval

import (
	"container/heap"
	"context"
	"strings"

	"github.com/kalambet/memprobe/internal/experience"
)

// Compile-time check that Engine implements Retriever.
var _ Retriever = (*Engine)(nil)

// Engine ranks experiences by lexical similarity over an in-memory store
// snapshot. Each call scores every candidate in the snapshot, keeps the top-K
// above MinScore in a bounded min-heap, and returns them ordered by score
// descending with insertion order breaking ties.
type Engine struct {
	source Source
	scorer Scorer
}

// NewEngine creates an Engine over the given source using the given scorer.
func NewEngine(source Source, scorer Scorer) *Engine {
	return &Engine{source: source, scorer: scorer}
}

// candScore holds a candidate's snapshot index and score during the scan.
// The index doubles as the insertion-order tiebreak key.
type candScore struct {
	Idx   int
	Score float64
}

// ctxCheckInterval is how many candidates are scored between context checks.
const ctxCheckInterval = 256

// Retrieve implements Retriever.
func (e *Engine) Retrieve(ctx context.Context, query string, p Params) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if p.TopK <= 0 {
		return nil, ErrInvalidTopK
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Snapshot the candidate set once; later writes are invisible to this call.
	var snapshot []experience.Record
	if p.Category != "" {
		snapshot = e.source.ByCategory(p.Category)
	} else {
		snapshot = e.source.All()
	}

	h := &candHeap{}
	heap.Init(h)

	for i, rec := range snapshot {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		score := e.scorer.Score(query, rec.IndexText())
		if score <= p.MinScore {
			continue
		}
		if h.Len() < p.TopK {
			heap.Push(h, candScore{Idx: i, Score: score})
		} else if score > (*h)[0].Score {
			// An incoming tie never replaces the root: at equal score the
			// later insertion is the weaker candidate.
			(*h)[0] = candScore{Idx: i, Score: score}
			heap.Fix(h, 0)
		}
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Pop order is weakest-first, so filling back to front yields score
	// descending with earlier insertions ahead at equal score.
	results := make([]Result, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		item := heap.Pop(h).(candScore)
		results[i] = Result{Record: snapshot[item.Idx], Score: item.Score}
	}
	return results, nil
}

// candHeap is a min-heap of candScore: lowest score at the root, and among
// equal scores the latest insertion, so the root is always the next
// candidate to evict.
type candHeap []candScore

func (h candHeap) Len() int { return len(h) }
func (h candHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].Idx > h[j].Idx
}
func (h candHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x interface{}) { *h = append(*h, x.(candScore)) }
func (h *candHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
