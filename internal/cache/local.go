package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultLocalTTL is the default time-to-live for local cache entries.
// Catalog listings change at most daily upstream.
const DefaultLocalTTL = 24 * time.Hour

// localEntry is the on-disk envelope for one cached listing.
type localEntry struct {
	StoredAt time.Time       `json:"stored_at"`
	Data     json.RawMessage `json:"data"`
}

// LocalCache implements Cache using one file per key under a directory.
// This is suitable for single-instance deployments.
type LocalCache struct {
	mu  sync.RWMutex
	dir string
	ttl time.Duration
}

// NewLocalCache creates a new local file-based cache rooted at dir.
// An empty dir disables the cache (Get always misses, Set is a no-op).
func NewLocalCache(dir string, ttl time.Duration) *LocalCache {
	if ttl == 0 {
		ttl = DefaultLocalTTL
	}
	return &LocalCache{dir: dir, ttl: ttl}
}

// Get retrieves a listing from the local file for key.
func (c *LocalCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.dir == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No cache file yet, not an error
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var entry localEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	if time.Since(entry.StoredAt) > c.ttl {
		return nil, nil // Expired, treat as a miss
	}

	return entry.Data, nil
}

// Set stores a listing to the local file for key.
func (c *LocalCache) Set(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dir == "" {
		return nil
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	payload, err := json.Marshal(localEntry{StoredAt: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	// Write atomically using temp file + rename
	path := c.path(key)
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile) // Clean up temp file
		return fmt.Errorf("failed to rename cache file: %w", err)
	}

	return nil
}

// Close is a no-op for local cache.
func (c *LocalCache) Close() error {
	return nil
}

func (c *LocalCache) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(c.dir, safe+".json")
}
