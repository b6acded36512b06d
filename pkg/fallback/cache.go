package fallback

import (
	"context"
	"sync"
	"time"
)

// ResultCache stores the last successful result per operation key so that
// use_cache actions can serve stale data when the live operation is down
type ResultCache interface {
	// Get returns the cached value if one exists no older than maxAge
	Get(ctx context.Context, operationKey string, maxAge time.Duration) (interface{}, bool, error)
	// Set stores the value as the freshest result for the key
	Set(ctx context.Context, operationKey string, value interface{}) error
}

type cacheEntry struct {
	value    interface{}
	storedAt time.Time
}

// MemoryResultCache is the in-process ResultCache used when no shared cache
// is wired in
type MemoryResultCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{entries: make(map[string]cacheEntry)}
}

func (c *MemoryResultCache) Get(_ context.Context, operationKey string, maxAge time.Duration) (interface{}, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[operationKey]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if maxAge > 0 && time.Since(entry.storedAt) > maxAge {
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryResultCache) Set(_ context.Context, operationKey string, value interface{}) error {
	c.mu.Lock()
	c.entries[operationKey] = cacheEntry{value: value, storedAt: time.Now()}
	c.mu.Unlock()
	return nil
}
