package main

import (
	"metachat/dm-sync-service/internal/repository"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the chat tables and change feed triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			db, err := openDatabase(cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.InitializeSchema(db, cfg.Feed.Channel); err != nil {
				return err
			}

			logger.WithField("channel", cfg.Feed.Channel).Info("Database tables initialized")
			return nil
		},
	}
}
