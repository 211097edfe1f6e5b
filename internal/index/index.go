// Package index stores chunk embeddings and serves nearest-neighbor search.
package index

import (
	"context"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/embed"
)

// Item is one vector keyed by its chunk.
type Item struct {
	ChunkID int64
	Vector  []float32
}

// Hit is one search result. Score is cosine similarity in [-1, 1]; with
// unit vectors on both sides it lands in [0, 1] for natural text.
type Hit struct {
	ChunkID int64
	Score   float64
}

// Index is the vector store. All operations are tenant-scoped; a search can
// never return another tenant's chunks.
type Index interface {
	Upsert(ctx context.Context, tenantID string, items []Item, providerTag string) error
	Search(ctx context.Context, tenantID string, vector []float32, topK int) ([]Hit, error)
	Delete(ctx context.Context, tenantID string, chunkIDs []int64) error
	Ping(ctx context.Context) error
}

// validateItems rejects empty batches and vectors that are not unit length.
// Cosine-by-inner-product silently degrades on unnormalized vectors, so the
// index refuses them outright.
func validateItems(items []Item, dim int) error {
	for _, item := range items {
		if len(item.Vector) != dim {
			return apperr.Newf(apperr.KindValidation,
				"chunk %d vector dimension %d, want %d", item.ChunkID, len(item.Vector), dim)
		}
		if err := embed.CheckNormalized(item.Vector); err != nil {
			return apperr.Newf(apperr.KindValidation, "chunk %d: %v", item.ChunkID, err)
		}
	}
	return nil
}
