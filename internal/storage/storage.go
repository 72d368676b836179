// Package storage selects the snapshot persistence backend from configuration.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"metricsnap/internal/config"
	"metricsnap/internal/logger"
	"metricsnap/internal/snapshot"
	"metricsnap/internal/storage/postgres"
	"metricsnap/internal/storage/sqlite"
)

// Backend is a repository that also stores definitions.
type Backend interface {
	snapshot.Repository
	snapshot.DefinitionProvider
	Ping(ctx context.Context) error
	Close() error
}

// Open opens the backend named by cfg.Driver.
func Open(cfg config.StorageConfig, log *logger.Logger) (Backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if cfg.MaxOpenConns > 0 {
			store.DB().SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			store.DB().SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			store.DB().SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		log.Info("snapshot storage opened", "driver", config.DriverSQLite, "path", cfg.SQLitePath)
		return store, nil
	case config.DriverPostgres:
		store, err := postgres.Open(cfg.PostgresDSN, postgres.Options{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, err
		}
		log.Info("snapshot storage opened", "driver", config.DriverPostgres)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
