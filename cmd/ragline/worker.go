package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ragline-ai/ragline/internal/chunk"
	"github.com/ragline-ai/ragline/internal/config"
	"github.com/ragline-ai/ragline/internal/jobs"
	"github.com/ragline-ai/ragline/internal/observability"
	"github.com/ragline-ai/ragline/internal/parse"
	"github.com/ragline-ai/ragline/internal/storage"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the ingest pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
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

	chunker := chunk.NewChunker(chunk.Config{
		MinTokens:        cfg.Chunking.MinTokens,
		MaxTokens:        cfg.Chunking.MaxTokens,
		OverlapTokens:    cfg.Chunking.OverlapTokens,
		HeaderBreakLevel: cfg.Chunking.HeaderBreakLevel,
		MaxTableRows:     cfg.Chunking.MaxTableRows,
		TableGroupMin:    cfg.Chunking.TableGroupMin,
		TableGroupMax:    cfg.Chunking.TableGroupMax,
	})

	runner := jobs.NewRunner(store.Jobs, store.Documents, bus, jobs.Config{
		WorkersPerKind: cfg.Jobs.Workers,
		MaxAttempts:    cfg.Jobs.MaxAttempts,
		BackoffBase:    cfg.Jobs.BackoffBase,
		BackoffMax:     cfg.Jobs.BackoffMax,
		PollEvery:      cfg.Jobs.PollEvery,
	}, observability.Component(logger, "jobs"),
		&jobs.ParseStage{
			Docs:     store.Documents,
			Elements: store.Elements,
			Objects:  objects,
			Parser:   parse.NewParser(),
		},
		&jobs.ChunkStage{
			Docs:     store.Documents,
			Elements: store.Elements,
			Chunks:   store.Chunks,
			Chunker:  chunker,
		},
		&jobs.EmbedStage{
			Docs:      store.Documents,
			Chunks:    store.Chunks,
			Provider:  provider,
			Index:     idx,
			BatchSize: cfg.Embedding.BatchSize,
		},
	)

	logger.Info().Int("workers_per_kind", cfg.Jobs.Workers).Msg("worker pool starting")
	return runner.Start(ctx)
}
