package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ragline-ai/ragline/internal/answer"
	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/events"
	"github.com/ragline-ai/ragline/internal/index"
	"github.com/ragline-ai/ragline/internal/objectstore"
	"github.com/ragline-ai/ragline/internal/realtime"
	"github.com/ragline-ai/ragline/internal/retrieve"
	"github.com/ragline-ai/ragline/internal/storage"
)

// Handlers carries the facade's dependencies.
type Handlers struct {
	store        *storage.Store
	objects      objectstore.Store
	idx          index.Index
	bus          events.Bus
	retriever    *retrieve.Retriever
	orchestrator *answer.Orchestrator
	cache        answer.Cache
	gateway      *realtime.Gateway
	limiter      Limiter
	auth         *Authenticator

	maxUploadBytes int64
	logger         zerolog.Logger
}

// HandlerConfig tunes the facade.
type HandlerConfig struct {
	MaxUploadBytes int64
}

// NewHandlers wires the facade handlers.
func NewHandlers(
	store *storage.Store,
	objects objectstore.Store,
	idx index.Index,
	bus events.Bus,
	retriever *retrieve.Retriever,
	orchestrator *answer.Orchestrator,
	cache answer.Cache,
	gateway *realtime.Gateway,
	limiter Limiter,
	auth *Authenticator,
	cfg HandlerConfig,
	logger zerolog.Logger,
) *Handlers {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	return &Handlers{
		store:          store,
		objects:        objects,
		idx:            idx,
		bus:            bus,
		retriever:      retriever,
		orchestrator:   orchestrator,
		cache:          cache,
		gateway:        gateway,
		limiter:        limiter,
		auth:           auth,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		err = apperr.Wrap(apperr.KindNotFound, "not found", err)
	}
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(apperr.KindOf(err))})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	return nil
}

// Healthz is the liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports readiness of the metadata store, object store and bus.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{
		"database":     readyState(h.store.Ping(ctx)),
		"object_store": readyState(h.objects.Ping(ctx)),
	}
	if h.bus.Healthy() {
		checks["bus"] = "ok"
	} else {
		checks["bus"] = "unavailable"
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]interface{}{"status": readyWord(status), "checks": checks})
}

func readyState(err error) string {
	if err != nil {
		return "unavailable"
	}
	return "ok"
}

func readyWord(status int) string {
	if status == http.StatusOK {
		return "ready"
	}
	return "degraded"
}

// WS upgrades to a WebSocket and relays the tenant's job events. Auth runs
// here instead of the middleware so failed credentials surface as close code
// 4001 after the upgrade, which browser clients can observe.
func (h *Handlers) WS(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.auth.ResolveTenant(r)
	if err != nil {
		h.gateway.CloseUnauthorizedConn(w, r)
		return
	}
	h.gateway.Handle(w, r, tenantID)
}

func (h *Handlers) invalidateAnswers(ctx context.Context, tenantID string) {
	if h.cache != nil {
		h.cache.Invalidate(ctx, tenantID)
	}
}
