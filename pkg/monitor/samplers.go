package monitor

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// NewMemorySampler returns a sampler reporting heap allocation against a
// byte limit
func NewMemorySampler(limitBytes uint64) Sampler {
	return func(ctx context.Context) (float64, error) {
		if limitBytes == 0 {
			return 0, fmt.Errorf("memory limit is zero")
		}
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return float64(stats.HeapAlloc) / float64(limitBytes), nil
	}
}

// NewGoroutineSampler returns a sampler reporting goroutine count against a
// ceiling, a cheap proxy for scheduler pressure
func NewGoroutineSampler(maxGoroutines int) Sampler {
	return func(ctx context.Context) (float64, error) {
		if maxGoroutines <= 0 {
			return 0, fmt.Errorf("goroutine ceiling must be positive")
		}
		return float64(runtime.NumGoroutine()) / float64(maxGoroutines), nil
	}
}

// NewPostgresPoolSampler returns a sampler reporting connection pool usage
// of a postgres database
func NewPostgresPoolSampler(db *sqlx.DB) Sampler {
	return func(ctx context.Context) (float64, error) {
		if db == nil {
			return 0, fmt.Errorf("database handle is nil")
		}
		if err := db.PingContext(ctx); err != nil {
			return 0, fmt.Errorf("database ping failed: %w", err)
		}
		stats := db.Stats()
		if stats.MaxOpenConnections <= 0 {
			return 0, nil
		}
		return float64(stats.InUse) / float64(stats.MaxOpenConnections), nil
	}
}

// NewRedisPoolSampler returns a sampler reporting redis connection pool usage
func NewRedisPoolSampler(client *redis.Client, poolSize int) Sampler {
	return func(ctx context.Context) (float64, error) {
		if client == nil {
			return 0, fmt.Errorf("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return 0, fmt.Errorf("redis ping failed: %w", err)
		}
		if poolSize <= 0 {
			return 0, nil
		}
		stats := client.PoolStats()
		return float64(stats.TotalConns) / float64(poolSize), nil
	}
}

// NewHTTPLivenessSampler returns a sampler probing an HTTP endpoint. A 2xx
// response reports zero usage; anything else marks the resource unavailable.
func NewHTTPLivenessSampler(url string, client *http.Client) Sampler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (float64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to create probe request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("probe request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return 0, nil
		}
		return 0, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
}
