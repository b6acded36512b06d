package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resilix/resilix/internal/store"
	"github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/fallback"
)

// DeferredQueue holds requests that the orchestrator chose to queue instead
// of executing. Backed by a redis list so deferred work survives restarts.
type DeferredQueue struct {
	redis *store.RedisClient
	name  string
}

// NewDeferredQueue creates a deferred queue with the given name
func NewDeferredQueue(redisClient *store.RedisClient, name string) *DeferredQueue {
	if name == "" {
		name = "deferred"
	}
	return &DeferredQueue{
		redis: redisClient,
		name:  name,
	}
}

func (q *DeferredQueue) queueKey() string {
	return fmt.Sprintf("resilix:queue:%s", q.name)
}

func (q *DeferredQueue) deadLetterKey() string {
	return fmt.Sprintf("resilix:queue:%s:dead", q.name)
}

// Name returns the queue name
func (q *DeferredQueue) Name() string {
	return q.name
}

// Enqueue adds a deferred request to the queue
func (q *DeferredQueue) Enqueue(ctx context.Context, req *fallback.QueuedRequest) error {
	if req == nil || req.ID == "" {
		return errors.NewValidationError("queued request requires an ID")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return errors.NewInternalError("failed to marshal queued request").WithCause(err)
	}

	if err := q.redis.Client().LPush(ctx, q.queueKey(), data).Err(); err != nil {
		return errors.NewInternalError("failed to enqueue request").WithCause(err)
	}
	return nil
}

// Dequeue blocks up to timeout waiting for the next request. Returns nil
// without error when the wait times out.
func (q *DeferredQueue) Dequeue(ctx context.Context, timeout time.Duration) (*fallback.QueuedRequest, error) {
	result, err := q.redis.Client().BRPop(ctx, timeout, q.queueKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to dequeue request").WithCause(err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var req fallback.QueuedRequest
	if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
		return nil, errors.NewInternalError("queued request corrupt").WithCause(err)
	}
	return &req, nil
}

// Requeue puts a failed request back at the tail of the queue
func (q *DeferredQueue) Requeue(ctx context.Context, req *fallback.QueuedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.NewInternalError("failed to marshal queued request").WithCause(err)
	}
	if err := q.redis.Client().RPush(ctx, q.queueKey(), data).Err(); err != nil {
		return errors.NewInternalError("failed to requeue request").WithCause(err)
	}
	return nil
}

// DeadLetter moves a request that exhausted its attempts aside for inspection
func (q *DeferredQueue) DeadLetter(ctx context.Context, req *fallback.QueuedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.NewInternalError("failed to marshal queued request").WithCause(err)
	}
	if err := q.redis.Client().LPush(ctx, q.deadLetterKey(), data).Err(); err != nil {
		return errors.NewInternalError("failed to dead-letter request").WithCause(err)
	}
	return nil
}

// Depth returns the number of requests waiting in the queue
func (q *DeferredQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.redis.Client().LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to read queue depth").WithCause(err)
	}
	return depth, nil
}
