package store

import (
	"context"

	"go.uber.org/zap"
)

// Options select and parameterize a backend.
type Options struct {
	// RedisURL, when non-empty, selects the shared Redis backend.
	RedisURL string
	// RedisPrefix namespaces all keys written by this deployment.
	RedisPrefix string
	// SQLitePath is the embedded database file, or ":memory:".
	SQLitePath string
	// Dimensions declares the embedding width up front; 0 defers it to the
	// first stored vector.
	Dimensions int
}

// Open builds the configured backend. Redis is only attempted when a URL is
// explicitly configured, and a connection failure falls back to the embedded
// SQLite store with a warning rather than failing startup. Memory persistence
// must survive a missing remote.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	if opts.RedisURL != "" {
		s, err := NewRedis(ctx, opts.RedisURL, opts.RedisPrefix, opts.Dimensions, logger)
		if err == nil {
			logger.Info("using redis note store",
				zap.String("prefix", opts.RedisPrefix))
			return s, nil
		}
		logger.Warn("redis unavailable, falling back to sqlite",
			zap.String("url", opts.RedisURL),
			zap.String("path", opts.SQLitePath),
			zap.Error(err))
	}

	s, err := NewSQLite(opts.SQLitePath, opts.Dimensions, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("using sqlite note store", zap.String("path", opts.SQLitePath))
	return s, nil
}
