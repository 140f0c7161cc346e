package retrieval

import (
	"context"
	"errors"

	"github.com/kalambet/memprobe/internal/experience"
)

// DefaultTopK is the result count surfaces use when the caller does not ask
// for a specific k.
const DefaultTopK = 5

var (
	// ErrEmptyQuery is returned when the query is blank.
	ErrEmptyQuery = errors.New("empty query")

	// ErrInvalidTopK is returned when TopK is zero or negative.
	ErrInvalidTopK = errors.New("top k must be positive")
)

// Params controls a single retrieval call. TopK must be positive. MinScore is
// a strict lower bound: candidates scoring at or below it are discarded, so
// the zero value already excludes no-overlap matches. Category, when set,
// restricts candidates to that category.
type Params struct {
	TopK     int
	MinScore float64
	Category string
}

// Result is one retrieved record with its similarity score.
type Result struct {
	Record experience.Record
	Score  float64
}

// Retriever ranks stored experiences against a query. Implementations must be
// deterministic for a fixed store state: equal scores order by insertion,
// earliest first. A Retriever never mutates the store and is safe for
// concurrent calls.
//
// Two implementations exist: Engine (lexical set-overlap over the in-memory
// store) and ChromemIndex (cosine similarity over a persistent embedded
// vector collection). Both honor the same Params contract so callers can
// swap ranking backends without changes.
type Retriever interface {
	Retrieve(ctx context.Context, query string, p Params) ([]Result, error)
}

// Source is the view of the experience store the lexical engine scans.
// Implemented by *experience.Store.
type Source interface {
	All() []experience.Record
	ByCategory(category string) []experience.Record
}

// RecordLookup resolves record IDs back to full records when a backend
// indexes text separately from the store. Implemented by *experience.Store.
type RecordLookup interface {
	Get(id string) (experience.Record, bool)
}
