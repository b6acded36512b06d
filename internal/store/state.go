package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/logging"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

const (
	circuitsKey  = "resilix:state:circuits"
	resourcesKey = "resilix:state:resources"
)

// StateStore persists circuit breaker records and resource snapshots so a
// restarted process resumes with its breakers in the right state instead of
// closed-by-default
type StateStore struct {
	redis    *RedisClient
	registry *resilience.Registry
	monitor  *monitor.Monitor
	logger   *logging.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewStateStore creates a state store flushing at the given interval
func NewStateStore(redis *RedisClient, registry *resilience.Registry, mon *monitor.Monitor, logger *logging.Logger, interval time.Duration) *StateStore {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StateStore{
		redis:    redis,
		registry: registry,
		monitor:  mon,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Flush writes the current circuit records and resource snapshots
func (s *StateStore) Flush(ctx context.Context) error {
	if s.registry != nil {
		for _, rec := range s.registry.Records() {
			data, err := json.Marshal(rec)
			if err != nil {
				return errors.NewInternalError("failed to marshal circuit record").WithCause(err)
			}
			if err := s.redis.Client().HSet(ctx, circuitsKey, rec.OperationKey, data).Err(); err != nil {
				return errors.NewInternalError("failed to persist circuit record").WithCause(err)
			}
		}
	}

	if s.monitor != nil {
		for _, snap := range s.monitor.Snapshots() {
			data, err := json.Marshal(snap)
			if err != nil {
				return errors.NewInternalError("failed to marshal resource snapshot").WithCause(err)
			}
			if err := s.redis.Client().HSet(ctx, resourcesKey, string(snap.Type), data).Err(); err != nil {
				return errors.NewInternalError("failed to persist resource snapshot").WithCause(err)
			}
		}
	}

	return nil
}

// Restore loads persisted state back into the registry and monitor.
// Missing keys are not an error; a fresh deployment simply starts clean.
func (s *StateStore) Restore(ctx context.Context) error {
	if s.registry != nil {
		entries, err := s.redis.Client().HGetAll(ctx, circuitsKey).Result()
		if err != nil {
			return errors.NewInternalError("failed to load circuit records").WithCause(err)
		}
		records := make([]resilience.Record, 0, len(entries))
		for key, data := range entries {
			var rec resilience.Record
			if err := json.Unmarshal([]byte(data), &rec); err != nil {
				s.logger.Warn("skipping corrupt circuit record", "operation_key", key, "error", err.Error())
				continue
			}
			records = append(records, rec)
		}
		s.registry.Restore(records)
	}

	if s.monitor != nil {
		entries, err := s.redis.Client().HGetAll(ctx, resourcesKey).Result()
		if err != nil {
			return errors.NewInternalError("failed to load resource snapshots").WithCause(err)
		}
		snapshots := make([]monitor.Snapshot, 0, len(entries))
		for key, data := range entries {
			var snap monitor.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				s.logger.Warn("skipping corrupt resource snapshot", "resource_type", key, "error", err.Error())
				continue
			}
			snapshots = append(snapshots, snap)
		}
		s.monitor.Restore(snapshots)
	}

	return nil
}

// Start begins periodic flushing on its own goroutine
func (s *StateStore) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.logger.Warn("state flush failed", "error", err.Error())
				}
			}
		}
	}()
}

// Stop halts periodic flushing and performs one final flush
func (s *StateStore) Stop(ctx context.Context) {
	close(s.stopCh)
	<-s.doneCh

	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("final state flush failed", "error", err.Error())
	}
}
