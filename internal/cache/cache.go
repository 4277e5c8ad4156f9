// Package cache provides a cache abstraction for provider catalog listings.
// Supports both local (file) and Redis backends for multi-instance deployments.
//
// The batch engine uses it to persist bulky catalog listings (TCGCSV groups,
// per-group product and price dumps) across runs so a reseed does not refetch
// the whole catalog.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache defines the interface for listing cache storage.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a cached listing by key.
	// Returns nil, nil if no entry exists or the entry has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a listing under key.
	Set(ctx context.Context, key string, data []byte) error

	// Close releases any resources held by the cache.
	Close() error
}

// Config selects and configures a cache backend.
type Config struct {
	// Backend is "local" or "redis".
	Backend string

	// Dir is the local cache directory (local backend).
	Dir string

	// RedisURL is the Redis connection URL (redis backend).
	RedisURL string

	// TTL is the time-to-live for cached listings. Zero means the
	// backend default.
	TTL time.Duration
}

// New creates a Cache from the configuration.
func New(cfg Config) (Cache, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalCache(cfg.Dir, cfg.TTL), nil
	case "redis":
		return NewRedisCache(RedisConfig{URL: cfg.RedisURL, TTL: cfg.TTL})
	default:
		return nil, fmt.Errorf("unknown cache backend: %s (valid: local, redis)", cfg.Backend)
	}
}
