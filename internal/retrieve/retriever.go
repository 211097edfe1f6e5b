// Package retrieve runs dense search and assembles token-budgeted context.
package retrieve

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/embed"
	"github.com/ragline-ai/ragline/internal/index"
	"github.com/ragline-ai/ragline/internal/storage"
)

// ChunkHydrator is satisfied by *storage.ChunkRepository.
type ChunkHydrator interface {
	ListByIDs(ctx context.Context, tenantID string, ids []int64) ([]*storage.Chunk, error)
}

// Match is one search result with a display snippet. Breadcrumbs is the
// chunk's header path from the document root.
type Match struct {
	ChunkID     int64    `json:"chunk_id"`
	DocumentID  int64    `json:"doc_id"`
	Page        int      `json:"page"`
	Score       float64  `json:"score"`
	Snippet     string   `json:"snippet"`
	Breadcrumbs []string `json:"breadcrumbs"`
}

// ContextEntry is one chunk admitted into the answer context. Index is the
// 1-based citation number.
type ContextEntry struct {
	Index int
	Chunk *storage.Chunk
	Score float64
}

// Options bound a retrieval call.
type Options struct {
	TopK         int
	Rerank       bool
	MaxCtxTokens int
	MaxCtxChunks int
}

// Config holds the retriever defaults from configuration.
type Config struct {
	TopKDefault     int
	TopKMax         int
	MaxCtxTokens    int
	MaxCtxCap       int
	MaxCtxChunks    int
	SnippetMaxChars int
}

// Retriever embeds queries, searches the index, hydrates chunks and
// optionally reranks before building context.
type Retriever struct {
	provider embed.Provider
	idx      index.Index
	chunks   ChunkHydrator
	reranker *Reranker
	cfg      Config
	logger   zerolog.Logger
}

// NewRetriever creates a retriever. reranker may be nil.
func NewRetriever(provider embed.Provider, idx index.Index, chunks ChunkHydrator, reranker *Reranker, cfg Config, logger zerolog.Logger) *Retriever {
	if cfg.TopKDefault <= 0 {
		cfg.TopKDefault = 10
	}
	if cfg.TopKMax <= 0 {
		cfg.TopKMax = 50
	}
	if cfg.MaxCtxTokens <= 0 {
		cfg.MaxCtxTokens = 2000
	}
	if cfg.MaxCtxCap < cfg.MaxCtxTokens {
		cfg.MaxCtxCap = cfg.MaxCtxTokens
	}
	if cfg.MaxCtxChunks <= 0 {
		cfg.MaxCtxChunks = 6
	}
	if cfg.SnippetMaxChars <= 0 {
		cfg.SnippetMaxChars = 300
	}
	return &Retriever{
		provider: provider,
		idx:      idx,
		chunks:   chunks,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger,
	}
}

// BuildContext returns the citation-numbered context for an answer. Chunks
// are admitted greedily in rank order while they fit the token budget and
// the chunk cap; an oversized chunk is skipped, not truncated. The returned
// matches mirror the admitted entries one to one, so callers surface only
// the chunks an answer can actually cite.
func (r *Retriever) BuildContext(ctx context.Context, tenantID, query string, opts Options) ([]ContextEntry, []Match, error) {
	ranked, err := r.rankedChunks(ctx, tenantID, query, opts.TopK, opts.Rerank)
	if err != nil {
		return nil, nil, err
	}

	budget := opts.MaxCtxTokens
	if budget <= 0 {
		budget = r.cfg.MaxCtxTokens
	}
	if budget > r.cfg.MaxCtxCap {
		budget = r.cfg.MaxCtxCap
	}
	maxChunks := opts.MaxCtxChunks
	if maxChunks <= 0 {
		maxChunks = r.cfg.MaxCtxChunks
	}

	var entries []ContextEntry
	var matches []Match
	used := 0
	for _, rc := range ranked {
		if len(entries) >= maxChunks {
			break
		}
		if used+rc.chunk.TokenCount > budget {
			continue
		}
		used += rc.chunk.TokenCount
		entries = append(entries, ContextEntry{
			Index: len(entries) + 1,
			Chunk: rc.chunk,
			Score: rc.score,
		})
		matches = append(matches, Match{
			ChunkID:     rc.chunk.ID,
			DocumentID:  rc.chunk.DocumentID,
			Page:        rc.chunk.Page,
			Score:       rc.score,
			Snippet:     Snippet(rc.chunk.Text, r.cfg.SnippetMaxChars),
			Breadcrumbs: rc.chunk.HeaderPath,
		})
	}
	return entries, matches, nil
}

type rankedChunk struct {
	chunk *storage.Chunk
	score float64
}

func (r *Retriever) rankedChunks(ctx context.Context, tenantID, query string, topK int, rerank bool) ([]rankedChunk, error) {
	if query == "" {
		return nil, apperr.New(apperr.KindValidation, "query must not be empty")
	}
	if topK <= 0 {
		topK = r.cfg.TopKDefault
	}
	if topK > r.cfg.TopKMax {
		topK = r.cfg.TopKMax
	}

	vecs, err := r.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	hits, err := r.idx.Search(ctx, tenantID, vecs[0], topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	scoreByID := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scoreByID[h.ChunkID] = h.Score
	}

	chunks, err := r.chunks.ListByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetrievalUnavailable, "hydrate chunks", err)
	}

	ranked := make([]rankedChunk, len(chunks))
	for i, c := range chunks {
		ranked[i] = rankedChunk{chunk: c, score: scoreByID[c.ID]}
	}

	if rerank && r.reranker != nil {
		reranked, err := r.reranker.Rerank(ctx, query, ranked)
		if err != nil {
			// Dense order still serves; rerank outages degrade quality,
			// not availability.
			r.logger.Warn().Err(err).Msg("rerank failed, using dense order")
		} else {
			ranked = reranked
		}
	}
	return ranked, nil
}
