package main

import (
	"context"
	"database/sql"

	"metachat/dm-sync-service/internal/config"
	"metachat/dm-sync-service/internal/repository"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func openDatabase(cfg config.Database, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	logger.Info("Connected to PostgreSQL database")
	return db, nil
}

// openRepository builds the configured chat store. The returned cleanup
// releases everything the store opened.
func openRepository(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (repository.ChatRepository, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		repo := repository.NewMemoryRepository()
		if cfg.Store.SeedFile != "" {
			if err := repo.LoadSeedFile(cfg.Store.SeedFile); err != nil {
				return nil, nil, err
			}
			logger.WithField("seed_file", cfg.Store.SeedFile).Info("Loaded in-memory chat store")
		}
		return repo, func() {}, nil
	}

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	feed, err := repository.NewFeedListener(cfg.Database.DSN(), cfg.Feed.Channel, cfg.Feed.MinReconnect, cfg.Feed.MaxReconnect, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	go feed.Run(ctx)

	repo := repository.NewChatRepository(db, feed)
	cleanup := func() {
		if err := repo.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close change feed listener")
		}
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}
	return repo, cleanup, nil
}
