package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/common/config"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/db"
)

// Provide builds the configured store: memory, sqlite or postgres.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Store, func() error, error) {
	log = logger.Or(log)
	driver := cfg.Database.Driver
	if driver == "" {
		driver = config.DriverSQLite
	}

	var (
		pool *db.Pool
		err  error
	)
	switch driver {
	case config.DriverMemory:
		log.Info("using in-memory persistence")
		return NewMemoryStore(), func() error { return nil }, nil
	case config.DriverSQLite:
		pool, err = db.OpenSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
	case config.DriverPostgres:
		pool, err = db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	store, err := NewSQLStore(ctx, pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	log.Info("database initialized",
		zap.String("db_driver", driver),
		zap.String("db_path", cfg.Database.Path))

	cleanup := func() error {
		if !pool.IsPostgres() {
			_, _ = pool.Writer().Exec("PRAGMA optimize")
		}
		return pool.Close()
	}
	return store, cleanup, nil
}
