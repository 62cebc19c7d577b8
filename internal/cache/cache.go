// Package cache provides caching for mapping results and query responses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	QueryCacheSize    int
}

// Manager manages the result payload cache and the small query cache.
type Manager struct {
	resultCache *bigcache.BigCache
	queryCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	resultCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 10000,
		// Sizing hint only; bigcache preallocates per-shard buffers from it,
		// so it must stay far below HardMaxCacheSize/Shards. Oversized
		// prediction pages are still accepted.
		MaxEntrySize:     100 * 1024,
		HardMaxCacheSize: cfg.ResultCacheSizeMB,
		Verbose:          false,
	}

	resultCache, err := bigcache.New(context.Background(), resultCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		resultCache: resultCache,
		queryCache:  queryCache,
	}, nil
}

// GetResult retrieves a serialized result page from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.resultCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores a serialized result page in cache.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.resultCache.Set(key, data)
}

// GetQuery retrieves a small query response from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a small query response in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// ResultKey generates a cache key for a prediction result page.
func ResultKey(jobID string, minConfidence float64, offset, limit int, format string) string {
	base := fmt.Sprintf("result:%s:%g:%d:%d:%s", jobID, minConfidence, offset, limit, format)
	h := sha256.Sum256([]byte(base))
	return "result:" + jobID + ":" + hex.EncodeToString(h[:])[:16]
}

// MarkerKey generates a cache key for a job's marker list.
func MarkerKey(jobID string) string {
	return "markers:" + jobID
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len": m.resultCache.Len(),
		"result_cache_cap": m.resultCache.Capacity(),
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.resultCache.Close()
}
