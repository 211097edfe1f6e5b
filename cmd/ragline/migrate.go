package main

import (
	"github.com/spf13/cobra"

	"github.com/ragline-ai/ragline/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.Migrate(cmd.Context(), db,
				cfg.Embedding.Dimension, cfg.Index.IVFFlatLists); err != nil {
				return upstreamErr(err)
			}
			logger.Info().Int("dimension", cfg.Embedding.Dimension).Msg("migrations applied")
			return nil
		},
	}
}
