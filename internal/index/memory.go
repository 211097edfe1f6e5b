package index

import (
	"context"
	"sort"
	"sync"
)

// MemoryIndex is an exact-scan in-memory index for tests and local
// development. Scoring matches the pgvector implementation: cosine
// similarity, ties broken by lower chunk ID.
type MemoryIndex struct {
	dim int

	mu      sync.RWMutex
	tenants map[string]map[int64][]float32
}

// NewMemory creates an empty memory index.
func NewMemory(dim int) *MemoryIndex {
	return &MemoryIndex{dim: dim, tenants: make(map[string]map[int64][]float32)}
}

// Upsert stores copies of the vectors. The provider tag is metadata the
// memory index has no use for.
func (x *MemoryIndex) Upsert(ctx context.Context, tenantID string, items []Item, providerTag string) error {
	if len(items) == 0 {
		return nil
	}
	if err := validateItems(items, x.dim); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	vecs, ok := x.tenants[tenantID]
	if !ok {
		vecs = make(map[int64][]float32)
		x.tenants[tenantID] = vecs
	}
	for _, item := range items {
		cp := make([]float32, len(item.Vector))
		copy(cp, item.Vector)
		vecs[item.ChunkID] = cp
	}
	return nil
}

// Search scans the tenant's vectors and returns the topK by similarity.
func (x *MemoryIndex) Search(ctx context.Context, tenantID string, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	vecs := x.tenants[tenantID]
	hits := make([]Hit, 0, len(vecs))
	for id, v := range vecs {
		hits = append(hits, Hit{ChunkID: id, Score: dot(vector, v)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Delete removes vectors for the given chunks.
func (x *MemoryIndex) Delete(ctx context.Context, tenantID string, chunkIDs []int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	vecs := x.tenants[tenantID]
	for _, id := range chunkIDs {
		delete(vecs, id)
	}
	return nil
}

// Ping always succeeds.
func (x *MemoryIndex) Ping(ctx context.Context) error { return nil }

// Len reports the number of vectors stored for a tenant. Test helper.
func (x *MemoryIndex) Len(tenantID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.tenants[tenantID])
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
