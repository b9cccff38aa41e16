package strategy

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"personashift/pkg/database"
	"personashift/shared/config"
)

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("store", cfg.Backend))
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "json":
		return OpenJSONStore(cfg.JSONPath, cfg.LockTTL)
	case "sqlite":
		return OpenSQL(ctx, database.Config{Dialect: database.SQLite, DSN: cfg.SQLitePath}, cfg.LockTTL, logger)
	case "postgres":
		return OpenSQL(ctx, database.Config{Dialect: database.Postgres, DSN: cfg.PostgresDSN}, cfg.LockTTL, logger)
	case "redis":
		return OpenRedis(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.KeyPrefix, cfg.LockTTL, logger)
	default:
		return nil, fmt.Errorf("unknown strategy backend %q", cfg.Backend)
	}
}

// DatabaseConfig returns the SQL connection settings for cfg, if it names a SQL backend.
func DatabaseConfig(cfg config.StoreConfig) (database.Config, bool) {
	switch cfg.Backend {
	case "sqlite":
		return database.Config{Dialect: database.SQLite, DSN: cfg.SQLitePath}, true
	case "postgres":
		return database.Config{Dialect: database.Postgres, DSN: cfg.PostgresDSN}, true
	}
	return database.Config{}, false
}
