package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilix/resilix/pkg/config"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

// testRedis connects to a local Redis or skips the test
func testRedis(t *testing.T) *RedisClient {
	t.Helper()
	client, err := NewRedisClient(&config.RedisConfig{
		Host:     "localhost",
		Port:     6379,
		DB:       15,
		PoolSize: 5,
	})
	if err != nil {
		t.Skip("Skipping test - requires Redis")
	}
	t.Cleanup(func() {
		ctx := context.Background()
		client.Client().Del(ctx, circuitsKey, resourcesKey)
		client.Close()
	})
	return client
}

func TestRedisClient_Health(t *testing.T) {
	client := testRedis(t)
	assert.NoError(t, client.Health(context.Background()))
	assert.NotNil(t, client.Stats())
}

func TestStateStore_FlushAndRestore(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	registry.Get("payments.charge").Trip()

	mon := monitor.New(nil, nil)
	_, err := mon.Register(monitor.ResourceMemory, func(ctx context.Context) (float64, error) {
		return 0, nil
	}, monitor.Thresholds{})
	require.NoError(t, err)
	require.NoError(t, mon.RecordUsage(monitor.ResourceMemory, 0.92))

	s := NewStateStore(client, registry, mon, nil, time.Minute)
	require.NoError(t, s.Flush(ctx))

	// a fresh process restores the tripped circuit and the critical status
	registry2 := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	mon2 := monitor.New(nil, nil)
	_, err = mon2.Register(monitor.ResourceMemory, func(ctx context.Context) (float64, error) {
		return 0, nil
	}, monitor.Thresholds{})
	require.NoError(t, err)

	s2 := NewStateStore(client, registry2, mon2, nil, time.Minute)
	require.NoError(t, s2.Restore(ctx))

	assert.Equal(t, resilience.StateOpen, registry2.Get("payments.charge").State())

	snap, err := mon2.CurrentStatus(monitor.ResourceMemory)
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusCritical, snap.Status)
	assert.Equal(t, 0.92, snap.UsageRatio)
}

func TestStateStore_RestoreSkipsCorruptEntries(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Client().HSet(ctx, circuitsKey, "bad", "{not json").Err())

	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	s := NewStateStore(client, registry, nil, nil, time.Minute)
	assert.NoError(t, s.Restore(ctx))
	assert.Empty(t, registry.Records())
}

func TestResultCache_RoundTrip(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()
	cache := NewResultCache(client)

	key := fmt.Sprintf("test.%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Client().Del(ctx, resultKeyPrefix+key) })

	_, ok, err := cache.Get(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, key, map[string]interface{}{"total": 42.0}))

	value, ok, err := cache.Get(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"total": 42.0}, value)

	// stale for a tight staleness window
	time.Sleep(10 * time.Millisecond)
	_, ok, err = cache.Get(ctx, key, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}
