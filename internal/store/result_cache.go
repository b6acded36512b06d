package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resilix/resilix/pkg/errors"
)

const resultKeyPrefix = "resilix:results:"

// cachedResult is the persisted shape of one cached operation result
type cachedResult struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

// ResultCache is the redis-backed result cache shared across processes.
// Values must be JSON-serializable; Get returns them as decoded JSON
// (map[string]interface{}, []interface{}, or scalars).
type ResultCache struct {
	redis *RedisClient
	// MaxEntryTTL bounds how long any entry lives regardless of the
	// per-action staleness window
	MaxEntryTTL time.Duration
}

// NewResultCache creates a redis-backed result cache
func NewResultCache(redisClient *RedisClient) *ResultCache {
	return &ResultCache{
		redis:       redisClient,
		MaxEntryTTL: 24 * time.Hour,
	}
}

// Get returns the cached value for the key if stored within maxAge
func (c *ResultCache) Get(ctx context.Context, operationKey string, maxAge time.Duration) (interface{}, bool, error) {
	data, err := c.redis.Client().Get(ctx, resultKeyPrefix+operationKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewInternalError("result cache read failed").WithCause(err)
	}

	var entry cachedResult
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, errors.NewInternalError("result cache entry corrupt").WithCause(err)
	}
	if maxAge > 0 && time.Since(entry.StoredAt) > maxAge {
		return nil, false, nil
	}

	var value interface{}
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return nil, false, errors.NewInternalError("result cache value corrupt").WithCause(err)
	}
	return value, true, nil
}

// Set stores the value as the freshest result for the key
func (c *ResultCache) Set(ctx context.Context, operationKey string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.NewValidationError("result is not JSON-serializable").WithCause(err)
	}
	entry := cachedResult{Value: raw, StoredAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.NewInternalError("failed to marshal cache entry").WithCause(err)
	}

	if err := c.redis.Client().Set(ctx, resultKeyPrefix+operationKey, data, c.MaxEntryTTL).Err(); err != nil {
		return errors.NewInternalError("result cache write failed").WithCause(err)
	}
	return nil
}
