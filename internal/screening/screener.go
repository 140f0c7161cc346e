// Package screening re-filters retrieved results before they reach a
// consumer. It is a quarantine defense experiment: evaluation can run with
// screening enabled to measure residual exposure against the unscreened
// baseline. Screening only knows the signature table, so it drops known
// injection shapes and nothing else.
package screening

import (
	"context"
	"log/slog"

	"github.com/kalambet/memprobe/internal/poison"
	"github.com/kalambet/memprobe/internal/retrieval"
)

// Screener filters a retrieved result set.
type Screener interface {
	Screen(ctx context.Context, results []retrieval.Result) ([]retrieval.Result, error)
}

// NewScreener returns a SignatureScreener if enabled, NoOpScreener otherwise.
func NewScreener(classifier *poison.Classifier, enabled bool) Screener {
	if !enabled {
		return &NoOpScreener{}
	}
	return NewSignatureScreener(classifier)
}

// SignatureScreener drops results whose response text matches the signature
// table. Results keep their retrieval order.
type SignatureScreener struct {
	classifier *poison.Classifier
}

var _ Screener = (*SignatureScreener)(nil)

func NewSignatureScreener(classifier *poison.Classifier) *SignatureScreener {
	return &SignatureScreener{classifier: classifier}
}

func (s *SignatureScreener) Screen(_ context.Context, results []retrieval.Result) ([]retrieval.Result, error) {
	kept := make([]retrieval.Result, 0, len(results))
	for _, res := range results {
		if sig, hit := s.classifier.Match(res.Record.ResponseText); hit {
			slog.Debug("screening dropped result", "record_id", res.Record.ID, "pattern", sig.Pattern)
			continue
		}
		kept = append(kept, res)
	}
	return kept, nil
}

// NoOpScreener passes results through unchanged. Used when screening is disabled.
type NoOpScreener struct{}

var _ Screener = (*NoOpScreener)(nil)

func (n *NoOpScreener) Screen(_ context.Context, results []retrieval.Result) ([]retrieval.Result, error) {
	return results, nil
}

// ScreenedRetriever wraps an inner retriever so every result set passes
// through the screener. Screening happens after top-K selection, so a
// screened query can return fewer than K results.
type ScreenedRetriever struct {
	inner    retrieval.Retriever
	screener Screener
}

var _ retrieval.Retriever = (*ScreenedRetriever)(nil)

func NewRetriever(inner retrieval.Retriever, screener Screener) *ScreenedRetriever {
	return &ScreenedRetriever{inner: inner, screener: screener}
}

func (r *ScreenedRetriever) Retrieve(ctx context.Context, query string, p retrieval.Params) ([]retrieval.Result, error) {
	results, err := r.inner.Retrieve(ctx, query, p)
	if err != nil {
		return nil, err
	}
	return r.screener.Screen(ctx, results)
}
