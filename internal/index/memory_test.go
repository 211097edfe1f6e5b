package index

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline-ai/ragline/internal/apperr"
)

func unit(dim int, values ...float32) []float32 {
	vec := make([]float32, dim)
	copy(vec, values)
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

func TestMemory_SearchOrdersByScore(t *testing.T) {
	ctx := context.Background()
	x := NewMemory(4)

	require.NoError(t, x.Upsert(ctx, "t1", []Item{
		{ChunkID: 1, Vector: unit(4, 1, 0, 0, 0)},
		{ChunkID: 2, Vector: unit(4, 1, 1, 0, 0)},
		{ChunkID: 3, Vector: unit(4, 0, 0, 1, 0)},
	}, "local"))

	hits, err := x.Search(ctx, "t1", unit(4, 1, 0, 0, 0), 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, int64(1), hits[0].ChunkID)
	assert.Equal(t, int64(2), hits[1].ChunkID)
	assert.Equal(t, int64(3), hits[2].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestMemory_TieBreaksOnLowerChunkID(t *testing.T) {
	ctx := context.Background()
	x := NewMemory(2)
	v := unit(2, 1, 0)

	require.NoError(t, x.Upsert(ctx, "t1", []Item{
		{ChunkID: 9, Vector: v},
		{ChunkID: 3, Vector: v},
		{ChunkID: 7, Vector: v},
	}, "local"))

	hits, err := x.Search(ctx, "t1", v, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7, 9}, []int64{hits[0].ChunkID, hits[1].ChunkID, hits[2].ChunkID})
}

func TestMemory_TopKLimits(t *testing.T) {
	ctx := context.Background()
	x := NewMemory(2)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, x.Upsert(ctx, "t1", []Item{{ChunkID: i, Vector: unit(2, 1, float32(i))}}, "local"))
	}

	hits, err := x.Search(ctx, "t1", unit(2, 1, 0), 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = x.Search(ctx, "t1", unit(2, 1, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemory_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	x := NewMemory(2)
	v := unit(2, 1, 0)

	require.NoError(t, x.Upsert(ctx, "alpha", []Item{{ChunkID: 1, Vector: v}}, "local"))
	require.NoError(t, x.Upsert(ctx, "beta", []Item{{ChunkID: 2, Vector: v}}, "local"))

	hits, err := x.Search(ctx, "alpha", v, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].ChunkID)

	hits, err = x.Search(ctx, "gamma", v, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemory_UpsertReplacesVector(t *testing.T) {
	ctx := context.Background()
	x := NewMemory(2)

	require.NoError(t, x.Upsert(ctx, "t1", []Item{{ChunkID: 1, Vector: unit(2, 1, 0)}}, "local"))
	require.NoError(t, x.Upsert(ctx, "t1", []Item{{ChunkID: 1, Vector: unit(2, 0, 1)}}, "local"))

	assert.Equal(t, 1, x.Len("t1"))
	hits, err := x.Search(ctx, "t1", unit(2, 0, 1), 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestMemory_UpsertRejectsWrongDimension(t *testing.T) {
	x := NewMemory(4)
	err := x.Upsert(context.Background(), "t1", []Item{{ChunkID: 1, Vector: unit(2, 1, 0)}}, "local")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMemory_UpsertRejectsUnnormalized(t *testing.T) {
	x := NewMemory(2)
	err := x.Upsert(context.Background(), "t1", []Item{{ChunkID: 1, Vector: []float32{3, 4}}}, "local")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	x := NewMemory(2)
	v := unit(2, 1, 0)

	require.NoError(t, x.Upsert(ctx, "t1", []Item{
		{ChunkID: 1, Vector: v},
		{ChunkID: 2, Vector: v},
	}, "local"))
	require.NoError(t, x.Delete(ctx, "t1", []int64{1, 99}))

	assert.Equal(t, 1, x.Len("t1"))
	hits, err := x.Search(ctx, "t1", v, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].ChunkID)
}
