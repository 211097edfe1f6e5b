// Package embed produces dense vectors for chunk and query text.
package embed

import (
	"context"
	"math"

	"github.com/ragline-ai/ragline/internal/apperr"
)

// Provider embeds text into unit-length vectors. Implementations must be
// safe for concurrent use and must return one vector per input, in order.
type Provider interface {
	// Embed returns one vector per text. Every vector has Dimension()
	// components and unit L2 norm.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
}

// EmbedBatches runs Embed over fixed-size batches and concatenates results.
// Providers with hard request limits go through this helper. onBatch, when
// non-nil, is called after each batch with the number of texts embedded so
// far and the total.
func EmbedBatches(ctx context.Context, p Provider, texts []string, batchSize int, onBatch func(done, total int)) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
		if onBatch != nil {
			onBatch(end, len(texts))
		}
	}
	return out, nil
}

// CheckNormalized rejects vectors whose L2 norm strays from 1 by more than
// 1e-3. Cosine scoring via inner product depends on this.
func CheckNormalized(vec []float32) error {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if math.Abs(norm-1) > 1e-3 {
		return apperr.Newf(apperr.KindValidation, "vector norm %.6f outside unit tolerance", norm)
	}
	return nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
