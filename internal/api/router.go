package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RouterConfig tunes the global middleware chain.
type RouterConfig struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// NewRouter assembles the facade. Health probes and the WebSocket route stay
// outside the auth and rate-limit chain: probes are unauthenticated, and the
// WebSocket route authenticates itself so failures map to close codes.
func NewRouter(h *Handlers, cfg RouterConfig, logger zerolog.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS(cfg.AllowedOrigins))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/ws", h.WS)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Use(RateLimit(h.limiter, logger))
		// SSE responses outlive the request timeout; scope it to the JSON routes.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

			r.Post("/ingest", h.Ingest)
			r.Get("/ingest/{jobID}", h.GetJob)
			r.Get("/ingest/document/{documentID}", h.GetDocumentJobs)
			r.Delete("/ingest/document/{documentID}", h.DeleteDocument)
			r.Get("/documents", h.ListDocuments)

			r.Post("/query", h.Query)
			r.Post("/answer", h.Answer)
			r.Get("/chunks/{chunkID}", h.GetChunk)
			r.Post("/answer/feedback", h.Feedback)
		})
		r.Post("/answer/stream", h.AnswerStream)
	})

	return r
}
