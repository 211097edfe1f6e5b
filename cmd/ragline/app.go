package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ragline-ai/ragline/internal/config"
	"github.com/ragline-ai/ragline/internal/embed"
	"github.com/ragline-ai/ragline/internal/events"
	"github.com/ragline-ai/ragline/internal/index"
	"github.com/ragline-ai/ragline/internal/objectstore"
	"github.com/ragline-ai/ragline/internal/observability"
	"github.com/ragline-ai/ragline/internal/storage"
)

// loadConfig reads the config file named by --config plus the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), configErr(err)
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	return cfg, logger, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := storage.Open(ctx, storage.OpenOptions{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, upstreamErr(fmt.Errorf("metadata store: %w", err))
	}
	return db, nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Bus.Password,
		DB:       cfg.Bus.DB,
		PoolSize: cfg.Bus.PoolSize,
	})
}

// newObjectStore returns the S3 store when credentials are configured and
// the in-memory store otherwise, so local development needs no bucket.
func newObjectStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (objectstore.Store, error) {
	if cfg.ObjectStore.Key == "" {
		logger.Warn().Msg("no object store credentials, using in-memory store")
		return objectstore.NewMemoryStore(), nil
	}
	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint: cfg.ObjectStore.Endpoint,
		Bucket:   cfg.ObjectStore.Bucket,
		Key:      cfg.ObjectStore.Key,
		Secret:   cfg.ObjectStore.Secret,
		Region:   cfg.ObjectStore.Region,
	}, observability.Component(logger, "objectstore"))
	if err != nil {
		return nil, upstreamErr(err)
	}
	return store, nil
}

func newEmbedProvider(cfg *config.Config) embed.Provider {
	if cfg.Embedding.Provider == "remote" {
		return embed.NewRemote(embed.RemoteConfig{
			URL:       cfg.Embedding.RemoteURL,
			Token:     cfg.Embedding.Token,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.Embedding.Timeout,
		})
	}
	return embed.NewLocal(cfg.Embedding.Dimension)
}

func newVectorIndex(db *sql.DB, cfg *config.Config) index.Index {
	return index.NewPgvector(db, cfg.Embedding.Dimension, cfg.Index.IVFFlatProbes)
}

func newBus(client *redis.Client, logger zerolog.Logger) events.Bus {
	return events.NewRedisBus(client, observability.Component(logger, "bus"))
}
