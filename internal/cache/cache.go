// Package cache provides caching for encoded tiles and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/large-image/server/internal/metrics"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	QueryCacheSize  int
	MaxTileBytes    int
}

// Manager manages tile and query caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}
	if cfg.MaxTileBytes <= 0 {
		cfg.MaxTileBytes = 512 * 1024
	}
	// Configure tile cache
	tileCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       cfg.MaxTileBytes,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	// Create query cache
	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		tileCache:  tileCache,
		queryCache: queryCache,
	}, nil
}

// GetTile retrieves an encoded tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores an encoded tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// RemoveQueries drops every query result whose key starts with prefix.
func (m *Manager) RemoveQueries(prefix string) int {
	n := 0
	for _, k := range m.queryCache.Keys() {
		if strings.HasPrefix(k, prefix) {
			if m.queryCache.Remove(k) {
				n++
			}
		}
	}
	return n
}

// TileKey generates a cache key for an encoded tile of a source.
func TileKey(fingerprint string, z, x, y, frame int, encoding string) string {
	return fmt.Sprintf("tile:%s:%d/%d/%d:f%d:%s", fingerprint, z, x, y, frame, strings.ToUpper(encoding))
}

// QueryKey generates a cache key for a query result. Parameters are
// hashed in sorted key order.
func QueryKey(prefix string, params map[string]interface{}) string {
	if len(params) == 0 {
		return prefix
	}
	// json.Marshal sorts map keys
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprint(params))
	}
	sum := sha256.Sum256(data)
	return prefix + ":" + hex.EncodeToString(sum[:])[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.tileCache.Stats()
	return map[string]interface{}{
		"tile_cache_len":    m.tileCache.Len(),
		"tile_cache_cap":    m.tileCache.Capacity(),
		"tile_cache_hits":   s.Hits,
		"tile_cache_misses": s.Misses,
		"query_cache_len":   m.queryCache.Len(),
	}
}

// TileStats reports tile cache counters for metrics export.
func (m *Manager) TileStats() metrics.CacheStats {
	s := m.tileCache.Stats()
	return metrics.CacheStats{
		Entries: float64(m.tileCache.Len()),
		Hits:    float64(s.Hits),
		Misses:  float64(s.Misses),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
