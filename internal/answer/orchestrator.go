package answer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ragline-ai/ragline/internal/llm"
	"github.com/ragline-ai/ragline/internal/retrieve"
	"github.com/ragline-ai/ragline/internal/storage"
)

// refusal is the fixed no-context answer. Returned without an LLM call so a
// corpus miss costs no tokens.
const refusal = "I don't know based on the provided documents."

// Citation ties a bracket reference in the answer back to its chunk.
type Citation struct {
	Index      int    `json:"index"`
	ChunkID    int64  `json:"chunk_id"`
	DocumentID int64  `json:"doc_id"`
	Snippet    string `json:"snippet"`
}

// Answer is one finished generation.
type Answer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	Usage     llm.Usage  `json:"usage"`
	Cached    bool       `json:"cached"`
}

// StreamEvent is one frame of a streamed answer. Type is "chunk" while text
// arrives, "done" for the terminal frame carrying citations and usage, and
// "error" when generation dies mid-stream.
type StreamEvent struct {
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Usage     *llm.Usage `json:"usage,omitempty"`
	Cached    bool       `json:"cached,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// LogStore is satisfied by *storage.AnswerLogRepository.
type LogStore interface {
	Insert(ctx context.Context, log *storage.AnswerLog) error
}

// Request is one answer call. MaxTokens and Temperature override the
// configured generation defaults when set.
type Request struct {
	Query        string
	TopK         int
	Rerank       bool
	MaxCtxTokens int
	MaxTokens    int
	Temperature  *float64
}

// Orchestrator runs retrieve, generate, cite, cache and log for a query.
type Orchestrator struct {
	retriever *retrieve.Retriever
	provider  llm.Provider
	cache     Cache
	logs      LogStore
	logger    zerolog.Logger

	maxTokens   int
	temperature float64
}

// Config tunes generation.
type Config struct {
	MaxTokens   int
	Temperature float64
}

// NewOrchestrator wires the answer path. logs may be nil to skip usage
// accounting (tests).
func NewOrchestrator(retriever *retrieve.Retriever, provider llm.Provider, cache Cache, logs LogStore, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		retriever:   retriever,
		provider:    provider,
		cache:       cache,
		logs:        logs,
		logger:      logger,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Fingerprint identifies a query for caching. The query is normalized so
// trivially restated requests within one tenant hit the same entry; the model
// name keys the entry so a provider swap never serves stale answers.
func Fingerprint(tenantID string, req Request, model string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%t|%d|%s",
		tenantID, normalizeQuery(req.Query), req.TopK, req.Rerank, req.MaxCtxTokens, model)))
	return hex.EncodeToString(h[:])
}

// normalizeQuery lowercases and collapses runs of whitespace.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Answer runs the synchronous path.
func (o *Orchestrator) Answer(ctx context.Context, tenantID string, req Request) (*Answer, error) {
	return o.run(ctx, tenantID, req, nil)
}

// StreamAnswer runs the streaming path. emit is called for every frame in
// order, ending with exactly one terminal frame ("done" or "error"). A cache
// hit streams the whole cached text as a single chunk frame.
func (o *Orchestrator) StreamAnswer(ctx context.Context, tenantID string, req Request, emit func(StreamEvent)) (*Answer, error) {
	return o.run(ctx, tenantID, req, emit)
}

func (o *Orchestrator) run(ctx context.Context, tenantID string, req Request, emit func(StreamEvent)) (*Answer, error) {
	started := time.Now()
	fp := Fingerprint(tenantID, req, o.provider.Name())

	if cached, ok := o.cache.Get(ctx, tenantID, fp); ok {
		cached.Cached = true
		o.log(ctx, tenantID, fp, req.Query, cached, started)
		if emit != nil {
			emit(StreamEvent{Type: "chunk", Text: cached.Text})
			emit(StreamEvent{Type: "done", Citations: cached.Citations, Usage: &cached.Usage, Cached: true})
		}
		return cached, nil
	}

	entries, _, err := o.retriever.BuildContext(ctx, tenantID, req.Query, retrieve.Options{
		TopK:         req.TopK,
		Rerank:       req.Rerank,
		MaxCtxTokens: req.MaxCtxTokens,
	})
	if err != nil {
		// Retrieval failures never reach the LLM.
		return nil, err
	}

	if len(entries) == 0 {
		ans := &Answer{Text: refusal, Citations: []Citation{}}
		o.log(ctx, tenantID, fp, req.Query, ans, started)
		if emit != nil {
			emit(StreamEvent{Type: "chunk", Text: ans.Text})
			emit(StreamEvent{Type: "done", Citations: ans.Citations, Usage: &ans.Usage})
		}
		return ans, nil
	}

	system, prompt := BuildPrompt(req.Query, entries)
	llmReq := llm.Request{
		System:      system,
		Prompt:      prompt,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}
	if req.MaxTokens > 0 {
		llmReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		llmReq.Temperature = *req.Temperature
	}

	var text string
	var usage llm.Usage
	if emit != nil {
		text, usage, err = o.provider.Stream(ctx, llmReq, func(delta string) {
			emit(StreamEvent{Type: "chunk", Text: delta})
		})
	} else {
		text, usage, err = o.provider.Complete(ctx, llmReq)
	}
	if err != nil {
		// Partial output is never cached; streaming clients get a terminal
		// error frame instead of a silent hangup.
		if emit != nil {
			emit(StreamEvent{Type: "error", Error: err.Error()})
		}
		return nil, err
	}

	ans := &Answer{
		Text:      text,
		Citations: extractCitations(text, entries),
		Usage:     usage,
	}

	o.cache.Set(ctx, tenantID, fp, ans)
	o.log(ctx, tenantID, fp, req.Query, ans, started)
	if emit != nil {
		emit(StreamEvent{Type: "done", Citations: ans.Citations, Usage: &ans.Usage})
	}
	return ans, nil
}

func (o *Orchestrator) log(ctx context.Context, tenantID, fingerprint, query string, ans *Answer, started time.Time) {
	if o.logs == nil {
		return
	}
	entry := &storage.AnswerLog{
		TenantID:         tenantID,
		QueryHash:        fingerprint,
		Query:            query,
		PromptTokens:     ans.Usage.PromptTokens,
		CompletionTokens: ans.Usage.CompletionTokens,
		Cached:           ans.Cached,
		LatencyMS:        time.Since(started).Milliseconds(),
	}
	if err := o.logs.Insert(ctx, entry); err != nil {
		o.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("insert answer log")
	}
}

var citationRef = regexp.MustCompile(`\[(\d+)\]`)

// extractCitations keeps the bracket references that resolve to a context
// entry, deduplicated, in first-appearance order. An answer with no usable
// references falls back to citing every context entry, so the client always
// sees what grounded the text.
func extractCitations(text string, entries []retrieve.ContextEntry) []Citation {
	byIndex := make(map[int]retrieve.ContextEntry, len(entries))
	for _, e := range entries {
		byIndex[e.Index] = e
	}

	seen := make(map[int]bool)
	citations := []Citation{}
	for _, m := range citationRef.FindAllStringSubmatch(text, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || seen[idx] {
			continue
		}
		entry, ok := byIndex[idx]
		if !ok {
			continue
		}
		seen[idx] = true
		citations = append(citations, Citation{
			Index:      idx,
			ChunkID:    entry.Chunk.ID,
			DocumentID: entry.Chunk.DocumentID,
			Snippet:    retrieve.Snippet(entry.Chunk.Text, 300),
		})
	}
	if len(citations) == 0 {
		for _, e := range entries {
			citations = append(citations, Citation{
				Index:      e.Index,
				ChunkID:    e.Chunk.ID,
				DocumentID: e.Chunk.DocumentID,
				Snippet:    retrieve.Snippet(e.Chunk.Text, 300),
			})
		}
	}
	return citations
}
