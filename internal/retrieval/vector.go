package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/philippgille/chromem-go"

	"github.com/kalambet/memprobe/internal/experience"
)

// Compile-time check that ChromemIndex implements Retriever.
var _ Retriever = (*ChromemIndex)(nil)

// collectionName is the single chromem collection the index uses.
const collectionName = "experiences"

// ChromemIndex ranks experiences by cosine similarity over a persistent
// embedded vector collection. Documents carry only the record ID, category
// and admission time; full records are resolved through the lookup at query
// time, so the store remains the source of truth for record content.
//
// Rankings follow the same contract as the lexical Engine: score descending,
// equal scores ordered by admission (CreatedAt, then ID).
type ChromemIndex struct {
	col      *chromem.Collection
	lookup   RecordLookup
	embedder *HashEmbedder
}

// NewChromemIndex opens (or creates) a persistent index at path. With
// compress set, documents are gzipped on disk.
func NewChromemIndex(path string, lookup RecordLookup, compress bool) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("opening vector index at %s: %w", path, err)
	}

	embedder := NewHashEmbedder()
	col, err := db.GetOrCreateCollection(collectionName, nil, embedder.Func())
	if err != nil {
		return nil, fmt.Errorf("opening collection %q: %w", collectionName, err)
	}

	return &ChromemIndex{col: col, lookup: lookup, embedder: embedder}, nil
}

// Add indexes a single record. Re-adding an already indexed record replaces
// its document, so retries after a partial failure are safe.
func (c *ChromemIndex) Add(ctx context.Context, rec experience.Record) error {
	doc, err := c.toDocument(ctx, rec)
	if err != nil {
		return err
	}
	if err := c.col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("indexing record %s: %w", rec.ID, err)
	}
	return nil
}

// AddBatch indexes multiple records, embedding them concurrently.
func (c *ChromemIndex) AddBatch(ctx context.Context, recs []experience.Record) error {
	if len(recs) == 0 {
		return nil
	}

	texts := make([]string, len(recs))
	for i, rec := range recs {
		texts[i] = rec.IndexText()
	}
	vecs, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding batch: %w", err)
	}

	docs := make([]chromem.Document, len(recs))
	for i, rec := range recs {
		docs[i] = chromem.Document{
			ID:        rec.ID,
			Content:   texts[i],
			Embedding: vecs[i],
			Metadata:  documentMetadata(rec),
		}
	}
	if err := c.col.AddDocuments(ctx, docs, 4); err != nil {
		return fmt.Errorf("indexing batch of %d: %w", len(docs), err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (c *ChromemIndex) Count() int {
	return c.col.Count()
}

// Retrieve implements Retriever.
func (c *ChromemIndex) Retrieve(ctx context.Context, query string, p Params) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if p.TopK <= 0 {
		return nil, ErrInvalidTopK
	}

	total := c.col.Count()
	if total == 0 {
		return nil, nil
	}

	// Category scoping happens on our side after scoring, so the query k is
	// only bounded by the collection size. Without a category the collection
	// is the candidate set and TopK bounds k directly.
	k := total
	if p.Category == "" && p.TopK < total {
		k = p.TopK
	}

	hits, err := c.col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying vector index: %w", err)
	}

	var results []Result
	for _, hit := range hits {
		if p.Category != "" && hit.Metadata["category"] != p.Category {
			continue
		}
		score := float64(hit.Similarity)
		if score <= p.MinScore {
			continue
		}
		rec, ok := c.lookup.Get(hit.ID)
		if !ok {
			// The index lags or leads the store only transiently while the
			// indexer drains; an unresolvable ID is skipped, not fatal.
			slog.Warn("indexed record missing from store", "record_id", hit.ID)
			continue
		}
		results = append(results, Result{Record: rec, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ri, rj := results[i].Record, results[j].Record
		if !ri.CreatedAt.Equal(rj.CreatedAt) {
			return ri.CreatedAt.Before(rj.CreatedAt)
		}
		return ri.ID < rj.ID
	})

	if len(results) > p.TopK {
		results = results[:p.TopK]
	}
	return results, nil
}

func (c *ChromemIndex) toDocument(ctx context.Context, rec experience.Record) (chromem.Document, error) {
	vec, err := c.embedder.Embed(ctx, rec.IndexText())
	if err != nil {
		return chromem.Document{}, fmt.Errorf("embedding record %s: %w", rec.ID, err)
	}
	return chromem.Document{
		ID:        rec.ID,
		Content:   rec.IndexText(),
		Embedding: vec,
		Metadata:  documentMetadata(rec),
	}, nil
}

func documentMetadata(rec experience.Record) map[string]string {
	return map[string]string{
		"category":   rec.Category,
		"created_at": strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
	}
}
