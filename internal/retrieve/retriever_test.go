package retrieve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/embed"
	"github.com/ragline-ai/ragline/internal/index"
	"github.com/ragline-ai/ragline/internal/storage"
)

// stubIndex returns canned hits and records the requested topK.
type stubIndex struct {
	hits      []index.Hit
	lastTopK  int
	searchErr error
}

func (s *stubIndex) Upsert(context.Context, string, []index.Item, string) error { return nil }
func (s *stubIndex) Delete(context.Context, string, []int64) error              { return nil }
func (s *stubIndex) Ping(context.Context) error                                 { return nil }

func (s *stubIndex) Search(_ context.Context, _ string, _ []float32, topK int) ([]index.Hit, error) {
	s.lastTopK = topK
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if len(s.hits) > topK {
		return s.hits[:topK], nil
	}
	return s.hits, nil
}

// stubHydrator serves chunks from a map, preserving the requested ID order.
type stubHydrator struct {
	chunks map[int64]*storage.Chunk
}

func (s *stubHydrator) ListByIDs(_ context.Context, _ string, ids []int64) ([]*storage.Chunk, error) {
	var out []*storage.Chunk
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func testChunk(id int64, tokens int, text string) *storage.Chunk {
	return &storage.Chunk{
		ID: id, DocumentID: 1, Page: int(id), Text: text,
		TokenCount: tokens, HeaderPath: []string{"Doc", "Section"},
	}
}

func newTestRetriever(idx index.Index, hyd ChunkHydrator, reranker *Reranker) *Retriever {
	return NewRetriever(embed.NewLocal(32), idx, hyd, reranker, Config{
		TopKDefault: 5, TopKMax: 10,
		MaxCtxTokens: 100, MaxCtxCap: 200, MaxCtxChunks: 3,
		SnippetMaxChars: 50,
	}, zerolog.Nop())
}

func TestBuildContext_EmptyQueryFails(t *testing.T) {
	r := newTestRetriever(&stubIndex{}, &stubHydrator{}, nil)
	_, _, err := r.BuildContext(context.Background(), "t1", "", Options{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestBuildContext_NoHitsReturnsEmpty(t *testing.T) {
	r := newTestRetriever(&stubIndex{}, &stubHydrator{}, nil)
	entries, matches, err := r.BuildContext(context.Background(), "t1", "anything", Options{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, matches)
}

func TestBuildContext_TopKClamped(t *testing.T) {
	idx := &stubIndex{}
	r := newTestRetriever(idx, &stubHydrator{}, nil)

	_, _, err := r.BuildContext(context.Background(), "t1", "q", Options{TopK: 0})
	require.NoError(t, err)
	assert.Equal(t, 5, idx.lastTopK)

	_, _, err = r.BuildContext(context.Background(), "t1", "q", Options{TopK: 99})
	require.NoError(t, err)
	assert.Equal(t, 10, idx.lastTopK)
}

func TestBuildContext_GreedyBudgetSkipsOversized(t *testing.T) {
	idx := &stubIndex{hits: []index.Hit{
		{ChunkID: 1, Score: 0.9},
		{ChunkID: 2, Score: 0.8},
		{ChunkID: 3, Score: 0.7},
	}}
	hyd := &stubHydrator{chunks: map[int64]*storage.Chunk{
		1: testChunk(1, 60, "first"),
		2: testChunk(2, 80, "second"), // 60+80 busts the budget of 100
		3: testChunk(3, 30, "third"),
	}}
	r := newTestRetriever(idx, hyd, nil)

	entries, matches, err := r.BuildContext(context.Background(), "t1", "q", Options{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, int64(1), entries[0].Chunk.ID)
	assert.Equal(t, int64(3), entries[1].Chunk.ID)
	assert.Equal(t, 1, entries[0].Index)
	assert.Equal(t, 2, entries[1].Index)

	// Matches mirror the admitted context exactly.
	require.Len(t, matches, 2)
	assert.Equal(t, int64(1), matches[0].ChunkID)
	assert.Equal(t, int64(3), matches[1].ChunkID)
	assert.Equal(t, 0.9, matches[0].Score)
	assert.Equal(t, []string{"Doc", "Section"}, matches[0].Breadcrumbs)
}

func TestBuildContext_ChunkCap(t *testing.T) {
	idx := &stubIndex{hits: []index.Hit{
		{ChunkID: 1, Score: 0.9}, {ChunkID: 2, Score: 0.8},
		{ChunkID: 3, Score: 0.7}, {ChunkID: 4, Score: 0.6},
	}}
	hyd := &stubHydrator{chunks: map[int64]*storage.Chunk{
		1: testChunk(1, 10, "a"), 2: testChunk(2, 10, "b"),
		3: testChunk(3, 10, "c"), 4: testChunk(4, 10, "d"),
	}}
	r := newTestRetriever(idx, hyd, nil)

	entries, matches, err := r.BuildContext(context.Background(), "t1", "q", Options{})
	require.NoError(t, err)
	assert.Len(t, entries, 3) // MaxCtxChunks
	assert.Len(t, matches, 3)
}

func TestBuildContext_BudgetCappedByConfig(t *testing.T) {
	idx := &stubIndex{hits: []index.Hit{
		{ChunkID: 1, Score: 0.9}, {ChunkID: 2, Score: 0.8},
	}}
	hyd := &stubHydrator{chunks: map[int64]*storage.Chunk{
		1: testChunk(1, 190, "a"),
		2: testChunk(2, 190, "b"),
	}}
	r := newTestRetriever(idx, hyd, nil)

	// The caller asks for more budget than the cap allows.
	entries, _, err := r.BuildContext(context.Background(), "t1", "q", Options{MaxCtxTokens: 5000})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBuildContext_SnippetTruncated(t *testing.T) {
	long := strings.Repeat("alpha beta gamma ", 20)
	idx := &stubIndex{hits: []index.Hit{{ChunkID: 1, Score: 0.9}}}
	hyd := &stubHydrator{chunks: map[int64]*storage.Chunk{1: testChunk(1, 10, long)}}
	r := newTestRetriever(idx, hyd, nil)

	_, matches, err := r.BuildContext(context.Background(), "t1", "q", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.LessOrEqual(t, len([]rune(matches[0].Snippet)), 51)
}

func TestBuildContext_RerankReorders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Score passages in reverse of the dense order.
		scores := make([]float64, len(req.Passages))
		for i := range scores {
			scores[i] = float64(i)
		}
		json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer srv.Close()

	idx := &stubIndex{hits: []index.Hit{
		{ChunkID: 1, Score: 0.9}, {ChunkID: 2, Score: 0.8},
	}}
	hyd := &stubHydrator{chunks: map[int64]*storage.Chunk{
		1: testChunk(1, 10, "first"), 2: testChunk(2, 10, "second"),
	}}
	r := newTestRetriever(idx, hyd, NewReranker(RerankConfig{URL: srv.URL}))

	entries, _, err := r.BuildContext(context.Background(), "t1", "q", Options{Rerank: true})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].Chunk.ID)

	// Sigmoid keeps rerank scores inside [0, 1].
	for _, e := range entries {
		assert.GreaterOrEqual(t, e.Score, 0.0)
		assert.LessOrEqual(t, e.Score, 1.0)
	}
}

func TestBuildContext_RerankDisabledKeepsDenseOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("reranker called with rerank disabled")
	}))
	defer srv.Close()

	idx := &stubIndex{hits: []index.Hit{
		{ChunkID: 1, Score: 0.9}, {ChunkID: 2, Score: 0.8},
	}}
	hyd := &stubHydrator{chunks: map[int64]*storage.Chunk{
		1: testChunk(1, 10, "first"), 2: testChunk(2, 10, "second"),
	}}
	r := newTestRetriever(idx, hyd, NewReranker(RerankConfig{URL: srv.URL}))

	entries, _, err := r.BuildContext(context.Background(), "t1", "q", Options{Rerank: false})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Chunk.ID)
}

func TestBuildContext_RerankFailureFallsBackToDense(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	idx := &stubIndex{hits: []index.Hit{
		{ChunkID: 1, Score: 0.9}, {ChunkID: 2, Score: 0.8},
	}}
	hyd := &stubHydrator{chunks: map[int64]*storage.Chunk{
		1: testChunk(1, 10, "first"), 2: testChunk(2, 10, "second"),
	}}
	r := newTestRetriever(idx, hyd, NewReranker(RerankConfig{URL: srv.URL}))

	entries, _, err := r.BuildContext(context.Background(), "t1", "q", Options{Rerank: true})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Chunk.ID)
	assert.Equal(t, 0.9, entries[0].Score)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short text", Snippet("short text", 100))

	s := Snippet("First sentence here. Second sentence is much longer and will not fit at all.", 30)
	assert.Equal(t, "First sentence here.", s)

	s = Snippet(strings.Repeat("word ", 30), 20)
	assert.True(t, strings.HasSuffix(s, "…"))
	assert.LessOrEqual(t, len([]rune(s)), 21)

	assert.Equal(t, "line one line two", Snippet("line one\nline two", 100))
}
