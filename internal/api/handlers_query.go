package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ragline-ai/ragline/internal/answer"
	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/chunk"
	"github.com/ragline-ai/ragline/internal/llm"
	"github.com/ragline-ai/ragline/internal/retrieve"
	"github.com/ragline-ai/ragline/internal/storage"
)

type queryRequest struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k"`
	Rerank bool   `json:"rerank"`
	MaxCtx int    `json:"max_ctx"`
}

type queryResponse struct {
	Matches []retrieve.Match `json:"matches"`
	Usage   llm.Usage        `json:"usage"`
}

// Query runs retrieval only: the matches are exactly the chunks an answer
// over the same inputs would be grounded on.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	_, matches, err := h.retriever.BuildContext(r.Context(), tenantID, req.Query, retrieve.Options{
		TopK:         req.TopK,
		Rerank:       req.Rerank,
		MaxCtxTokens: req.MaxCtx,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if matches == nil {
		matches = []retrieve.Match{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Matches: matches,
		Usage:   llm.Usage{PromptTokens: chunk.EstimateTokens(req.Query)},
	})
}

type answerRequest struct {
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
	Rerank      bool     `json:"rerank"`
	MaxCtx      int      `json:"max_ctx"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

func (req answerRequest) toAnswerRequest() answer.Request {
	return answer.Request{
		Query:        req.Query,
		TopK:         req.TopK,
		Rerank:       req.Rerank,
		MaxCtxTokens: req.MaxCtx,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}
}

type answerResponse struct {
	Answer    string            `json:"answer"`
	Citations []answer.Citation `json:"citations"`
	Usage     llm.Usage         `json:"usage"`
	Cached    bool              `json:"cached"`
}

// Answer runs the synchronous answer path.
func (h *Handlers) Answer(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.limiter.AllowTokens(r.Context(), tenantID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	ans, err := h.orchestrator.Answer(r.Context(), tenantID, req.toAnswerRequest())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.limiter.AddTokens(r.Context(), tenantID, ans.Usage.PromptTokens+ans.Usage.CompletionTokens)

	writeJSON(w, http.StatusOK, answerResponse{
		Answer:    ans.Text,
		Citations: ans.Citations,
		Usage:     ans.Usage,
		Cached:    ans.Cached,
	})
}

// AnswerStream runs the streaming answer path over SSE. Every stream ends
// with exactly one terminal frame: "done" on success, "error" on a failure
// after streaming began. Failures before the first frame answer plain JSON.
func (h *Handlers) AnswerStream(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.limiter.AllowTokens(r.Context(), tenantID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.logger, apperr.New(apperr.KindInternal, "streaming unsupported"))
		return
	}

	streaming := false
	emit := func(ev answer.StreamEvent) {
		if !streaming {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			streaming = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("event: " + ev.Type + "\ndata: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	ans, err := h.orchestrator.StreamAnswer(r.Context(), tenantID, req.toAnswerRequest(), emit)
	if err != nil {
		if !streaming {
			writeError(w, h.logger, err)
		}
		return
	}
	h.limiter.AddTokens(r.Context(), tenantID, ans.Usage.PromptTokens+ans.Usage.CompletionTokens)
}

type chunkResponse struct {
	ID         int64    `json:"id"`
	DocumentID int64    `json:"doc_id"`
	Page       int      `json:"page"`
	Text       string   `json:"text"`
	HeaderPath []string `json:"header_path"`
}

// GetChunk fetches one chunk's full text, for citation expansion.
func (h *Handlers) GetChunk(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	chunkID, err := strconv.ParseInt(chi.URLParam(r, "chunkID"), 10, 64)
	if err != nil {
		writeError(w, h.logger, apperr.New(apperr.KindValidation, "invalid chunk id"))
		return
	}

	c, err := h.store.Chunks.GetByID(r.Context(), tenantID, chunkID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkResponse{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		Page:       c.Page,
		Text:       c.Text,
		HeaderPath: c.HeaderPath,
	})
}

type feedbackRequest struct {
	QueryHash string `json:"query_hash"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

// Feedback records a thumbs-style rating against an answered query.
func (h *Handlers) Feedback(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())

	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.QueryHash == "" {
		writeError(w, h.logger, apperr.New(apperr.KindValidation, "query_hash is required"))
		return
	}
	if req.Rating != 1 && req.Rating != -1 {
		writeError(w, h.logger, apperr.New(apperr.KindValidation, "rating must be 1 or -1"))
		return
	}

	fb := &storage.Feedback{
		TenantID:  tenantID,
		QueryHash: req.QueryHash,
		Rating:    req.Rating,
		Comment:   req.Comment,
	}
	if err := h.store.Feedback.Insert(r.Context(), fb); err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindInternal, "record feedback", err))
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}
