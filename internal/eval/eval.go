// Package eval drives query batches through a retriever, classifies every
// hit, and aggregates the Poisoned Retrieval Rate.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/memprobe/internal/poison"
	"github.com/kalambet/memprobe/internal/retrieval"
)

const (
	// DefaultConcurrency bounds how many queries evaluate in parallel.
	DefaultConcurrency = 4

	// DefaultSampleLimit is how many poisoned hits are kept per query for audit.
	DefaultSampleLimit = 2

	// sampleTextLimit caps the length of sampled hit text, in runes.
	sampleTextLimit = 180
)

// Limitation is the caveat every report carries: signature matching is a
// lower bound, so paraphrased payloads evade it and the true rate may be
// higher than reported.
const Limitation = "poison classification is signature-based and undercounts paraphrased payloads; treat the rate as a lower bound"

// Config controls retrieval parameters and batch behavior for one evaluator.
// Zero values select the defaults noted on each field.
type Config struct {
	TopK         int           // results per query; retrieval.DefaultTopK when <= 0
	MinScore     float64       // strict score floor passed through to the retriever
	Category     string        // restrict retrieval to one category; empty scans all
	Concurrency  int           // parallel queries; DefaultConcurrency when <= 0
	SampleLimit  int           // sampled poisoned hits per query; DefaultSampleLimit when <= 0
	QueryTimeout time.Duration // per-query budget; 0 disables
}

// SampleHit is one audited poisoned hit: its score and the flagged response
// text, truncated for the report.
type SampleHit struct {
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// QueryStats is the per-query breakdown in a report.
type QueryStats struct {
	Retrieved int         `json:"retrieved"`
	Poisoned  int         `json:"poisoned"`
	Examples  []SampleHit `json:"examples,omitempty"`
	TimedOut  bool        `json:"timed_out,omitempty"`
}

// Report is the immutable outcome of one evaluation run. PRR is
// poisoned_hits / total_retrieved as a percentage, defined as 0 when nothing
// was retrieved. Reports are never merged across runs.
type Report struct {
	Timestamp      time.Time             `json:"timestamp"`
	PRR            float64               `json:"prr"`
	TotalRetrieved int                   `json:"total_retrieved"`
	PoisonedHits   int                   `json:"poisoned_hits"`
	PerQuery       map[string]QueryStats `json:"per_query"`
	Limitation     string                `json:"limitation"`
}

// Evaluator runs query batches against one retriever and classifier pair.
// Both collaborators are fixed at construction.
type Evaluator struct {
	retriever  retrieval.Retriever
	classifier *poison.Classifier
	cfg        Config
}

// New creates an Evaluator, filling config defaults.
func New(retriever retrieval.Retriever, classifier *poison.Classifier, cfg Config) *Evaluator {
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = DefaultSampleLimit
	}
	return &Evaluator{retriever: retriever, classifier: classifier, cfg: cfg}
}

// Evaluate retrieves every query in the batch, classifies each hit's response
// text, and aggregates one report. Duplicate query strings collapse into a
// single bucket evaluated once. A query that exceeds its individual timeout
// contributes zero and is marked TimedOut; any other retrieval failure aborts
// the whole batch, because a silently dropped query would skew the rate.
func (e *Evaluator) Evaluate(ctx context.Context, queries []string) (Report, error) {
	unique := dedupe(queries)
	stats := make([]QueryStats, len(unique))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, query := range unique {
		i, query := i, query
		g.Go(func() error {
			qStats, err := e.evaluateQuery(gCtx, query)
			if err != nil {
				return err
			}
			stats[i] = qStats
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{
		Timestamp:  time.Now().UTC(),
		PerQuery:   make(map[string]QueryStats, len(unique)),
		Limitation: Limitation,
	}
	for i, query := range unique {
		report.PerQuery[query] = stats[i]
		report.TotalRetrieved += stats[i].Retrieved
		report.PoisonedHits += stats[i].Poisoned
	}
	if report.TotalRetrieved > 0 {
		report.PRR = float64(report.PoisonedHits) / float64(report.TotalRetrieved) * 100
	}
	return report, nil
}

func (e *Evaluator) evaluateQuery(ctx context.Context, query string) (QueryStats, error) {
	qCtx := ctx
	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qCtx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}

	results, err := e.retriever.Retrieve(qCtx, query, retrieval.Params{
		TopK:     e.cfg.TopK,
		MinScore: e.cfg.MinScore,
		Category: e.cfg.Category,
	})
	if err != nil {
		// A per-query deadline only removes that query from the batch. The
		// parent context failing, or any other error, fails the run.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			slog.Warn("query timed out, contributing zero", "query", query, "timeout", e.cfg.QueryTimeout)
			return QueryStats{TimedOut: true}, nil
		}
		return QueryStats{}, fmt.Errorf("retrieving %q: %w", query, err)
	}

	qStats := QueryStats{Retrieved: len(results)}
	for _, res := range results {
		if !e.classifier.IsPoisoned(res.Record.ResponseText) {
			continue
		}
		qStats.Poisoned++
		if len(qStats.Examples) < e.cfg.SampleLimit {
			qStats.Examples = append(qStats.Examples, SampleHit{
				Score: res.Score,
				Text:  truncate(res.Record.ResponseText, sampleTextLimit),
			})
		}
	}
	return qStats, nil
}

func dedupe(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
