package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/a-essam23/go-docsync/pkg/config"
)

// Open builds the configured backend, makes sure its container exists and
// wraps it in a circuit breaker.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "", "file":
		store = NewFileStore(afero.NewOsFs(), cfg.DataDir)
	case "bolt":
		store, err = OpenBolt(cfg.Bolt.Path, cfg.Bolt.Bucket)
	case "redis":
		store = NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.KeyPrefix)
	case "s3":
		store, err = OpenS3(ctx, cfg.S3)
	case "postgres":
		store, err = OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.Table)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := store.EnsureContainer(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("Storage ready", slog.String("backend", cfg.Backend))

	return WithBreaker(store, BreakerSettings{
		Name:        "storage-" + cfg.Backend,
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
		Logger:      logger,
	}), nil
}
