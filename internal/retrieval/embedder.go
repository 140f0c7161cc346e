package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/philippgille/chromem-go"
	"golang.org/x/sync/errgroup"
)

// embeddingDim is the fixed dimensionality of hashed embeddings.
const embeddingDim = 256

// HashEmbedder produces deterministic local embeddings by feature hashing:
// each lowercased whitespace token is hashed into one of embeddingDim
// buckets with a hash-derived sign, and the vector is L2-normalized. Nothing
// is learned or fetched: identical text always embeds to the identical
// vector, which keeps vector-backend rankings reproducible.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder with the default dimensionality.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{dim: embeddingDim}
}

// Embed returns the embedding vector for a single text. A text with no
// tokens embeds to the zero vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dim))
		if sum&0x80000000 != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var normSq float64
	for _, f := range vec {
		normSq += float64(f) * float64(f)
	}
	if normSq == 0 {
		return vec, nil
	}
	n := float32(math.Sqrt(normSq))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Func adapts the embedder to the chromem embedding callback.
func (e *HashEmbedder) Func() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.Embed(ctx, text)
	}
}
