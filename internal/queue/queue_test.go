package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilix/resilix/internal/store"
	"github.com/resilix/resilix/pkg/config"
	"github.com/resilix/resilix/pkg/fallback"
	"github.com/resilix/resilix/pkg/monitor"
)

// testQueue connects to a local Redis or skips the test. Each test gets its
// own queue name so runs never interfere.
func testQueue(t *testing.T) *DeferredQueue {
	t.Helper()
	client, err := store.NewRedisClient(&config.RedisConfig{
		Host:     "localhost",
		Port:     6379,
		DB:       15,
		PoolSize: 5,
	})
	if err != nil {
		t.Skip("Skipping test - requires Redis")
	}

	q := NewDeferredQueue(client, fmt.Sprintf("test-%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		ctx := context.Background()
		client.Client().Del(ctx, q.queueKey(), q.deadLetterKey())
		client.Close()
	})
	return q
}

func newRequest(operationKey string) *fallback.QueuedRequest {
	return &fallback.QueuedRequest{
		ID:           uuid.New().String(),
		ResourceType: monitor.ResourceAPIQuota,
		OperationKey: operationKey,
		EnqueuedAt:   time.Now().UTC(),
	}
}

func TestDeferredQueue_EnqueueDequeue(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	req := newRequest("report.email")
	require.NoError(t, q.Enqueue(ctx, req))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, req.OperationKey, got.OperationKey)
	assert.Equal(t, monitor.ResourceAPIQuota, got.ResourceType)
}

func TestDeferredQueue_FIFOOrder(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	first := newRequest("first")
	second := newRequest("second")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestDeferredQueue_DequeueTimeout(t *testing.T) {
	q := testQueue(t)

	got, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeferredQueue_RejectsRequestWithoutID(t *testing.T) {
	q := testQueue(t)
	err := q.Enqueue(context.Background(), &fallback.QueuedRequest{OperationKey: "x"})
	require.Error(t, err)
}

func TestWorker_ProcessesQueuedRequests(t *testing.T) {
	q := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var handled []string

	cfg := DefaultWorkerConfig()
	cfg.PollTimeout = 100 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	w := NewWorker(q, cfg, nil)
	w.RegisterHandler("report.email", func(ctx context.Context, req *fallback.QueuedRequest) error {
		mu.Lock()
		handled = append(handled, req.ID)
		mu.Unlock()
		return nil
	})

	req := newRequest("report.email")
	require.NoError(t, q.Enqueue(ctx, req))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, req.ID, handled[0])
	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Succeeded)
}

func TestWorker_DeadLettersUnknownOperations(t *testing.T) {
	q := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultWorkerConfig()
	cfg.PollTimeout = 100 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	w := NewWorker(q, cfg, nil)

	require.NoError(t, q.Enqueue(ctx, newRequest("nobody.home")))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return w.Stats().Failed == 1
	}, 3*time.Second, 50*time.Millisecond)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestWorker_RequeuesUntilMaxAttempts(t *testing.T) {
	q := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts int

	cfg := DefaultWorkerConfig()
	cfg.Concurrency = 1
	cfg.PollTimeout = 100 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.ShutdownTimeout = 2 * time.Second
	w := NewWorker(q, cfg, nil)
	w.RegisterHandler("flaky.op", func(ctx context.Context, req *fallback.QueuedRequest) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return fmt.Errorf("still failing")
	})

	require.NoError(t, q.Enqueue(ctx, newRequest("flaky.op")))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// 3 attempts, then the request lands in the dead letter list
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestDefaultWorkerConfig(t *testing.T) {
	cfg := DefaultWorkerConfig()
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Positive(t, cfg.PollTimeout)
}
