package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ragline-ai/ragline/internal/answer"
	"github.com/ragline-ai/ragline/internal/api"
	"github.com/ragline-ai/ragline/internal/config"
	"github.com/ragline-ai/ragline/internal/llm"
	"github.com/ragline-ai/ragline/internal/observability"
	"github.com/ragline-ai/ragline/internal/realtime"
	"github.com/ragline-ai/ragline/internal/retrieve"
	"github.com/ragline-ai/ragline/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP facade and realtime gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	store := storage.NewStore(db)

	redisClient := newRedisClient(cfg)
	defer redisClient.Close()

	objects, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	provider := newEmbedProvider(cfg)
	idx := newVectorIndex(db, cfg)
	bus := newBus(redisClient, logger)

	var reranker *retrieve.Reranker
	if cfg.Rerank.Enabled {
		reranker = retrieve.NewReranker(retrieve.RerankConfig{
			URL:     cfg.Rerank.URL,
			Token:   cfg.Rerank.Token,
			Timeout: cfg.Rerank.Timeout,
		})
	}
	retriever := retrieve.NewRetriever(provider, idx, store.Chunks, reranker, retrieve.Config{
		TopKDefault:     cfg.Retrieval.TopKDefault,
		TopKMax:         cfg.Retrieval.TopKMax,
		MaxCtxTokens:    cfg.Retrieval.MaxCtxTokens,
		MaxCtxCap:       cfg.Retrieval.MaxCtxCap,
		MaxCtxChunks:    cfg.Retrieval.MaxCtxChunks,
		SnippetMaxChars: cfg.Retrieval.SnippetMaxChars,
	}, observability.Component(logger, "retrieve"))

	var generator llm.Provider
	if cfg.LLM.Provider == "openai" {
		generator = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Timeout:     cfg.LLM.Timeout,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
	} else {
		generator = llm.NewMock()
	}

	cache := answer.NewRedisCache(redisClient, cfg.Answer.CacheTTL, observability.Component(logger, "cache"))
	orchestrator := answer.NewOrchestrator(retriever, generator, cache, store.AnswerLogs, answer.Config{
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}, observability.Component(logger, "answer"))

	gateway := realtime.NewGateway(bus, realtime.Config{
		BufferLimit:  cfg.Gateway.BufferLimit,
		PingInterval: cfg.Gateway.PingInterval,
		PingTimeout:  cfg.Gateway.PingTimeout,
	}, observability.Component(logger, "realtime"))

	limiter := api.NewRedisLimiter(redisClient, cfg.Limits.RatePerMinute, cfg.Limits.DailyTokenQuota,
		observability.Component(logger, "limiter"))
	auth := api.NewAuthenticator(api.AuthConfig{
		Secret:  cfg.Auth.Secret,
		Require: cfg.Auth.RequireAuth,
	}, store.APIKeys, observability.Component(logger, "auth"))

	handlers := api.NewHandlers(store, objects, idx, bus, retriever, orchestrator, cache, gateway,
		limiter, auth, api.HandlerConfig{MaxUploadBytes: cfg.Server.MaxUploadBytes},
		observability.Component(logger, "api"))

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter(handlers, api.RouterConfig{
			RequestTimeout: cfg.Server.RequestTimeout,
		}, logger),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("facade listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return upstreamErr(err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown incomplete")
		}
	}
	return nil
}
