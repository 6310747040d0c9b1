package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/songzhibin97/production-workflow/storage"
)

const redisKeyPrefix = "production:"

// NewStorage opens the store named by storageURL: memory://, redis://, rediss://,
// postgres:// or postgresql://.
func NewStorage(ctx context.Context, logger *slog.Logger, storageURL string) (storage.Storage, error) {
	scheme, _, found := strings.Cut(storageURL, "://")
	if !found {
		return nil, fmt.Errorf("storage url %q has no scheme", storageURL)
	}

	switch scheme {
	case "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case "redis", "rediss":
		logger.Info("Using Redis storage")
		return storage.NewRedisStorageFromURL(storageURL, redisKeyPrefix)
	case "postgres", "postgresql":
		logger.Info("Using PostgreSQL storage")
		return storage.NewPostgresStorage(ctx, logger, storageURL)
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", scheme)
	}
}
