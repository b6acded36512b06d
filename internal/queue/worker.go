package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resilix/resilix/pkg/fallback"
	"github.com/resilix/resilix/pkg/logging"
)

// Handler executes a deferred request when capacity returns. Handlers are
// registered per operation key; the request carries the original CallParams.
type Handler func(ctx context.Context, req *fallback.QueuedRequest) error

// WorkerConfig contains worker configuration
type WorkerConfig struct {
	Concurrency     int           `json:"concurrency"`
	PollTimeout     time.Duration `json:"poll_timeout"`
	JobTimeout      time.Duration `json:"job_timeout"`
	MaxAttempts     int           `json:"max_attempts"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultWorkerConfig returns default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:     2,
		PollTimeout:     1 * time.Second,
		JobTimeout:      30 * time.Second,
		MaxAttempts:     3,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerStats contains worker statistics
type WorkerStats struct {
	Processed int64     `json:"processed"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	LastJobAt time.Time `json:"last_job_at"`
	StartedAt time.Time `json:"started_at"`
}

// Worker drains the deferred queue, re-invoking each request against its
// registered handler
type Worker struct {
	id     string
	queue  *DeferredQueue
	config WorkerConfig
	logger *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool
	stats    WorkerStats

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker creates a new worker over the deferred queue
func NewWorker(q *DeferredQueue, config WorkerConfig, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Worker{
		id:       uuid.New().String(),
		queue:    q,
		config:   config,
		logger:   logger,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		stats: WorkerStats{
			StartedAt: time.Now(),
		},
	}
}

// RegisterHandler registers the handler for an operation key
func (w *Worker) RegisterHandler(operationKey string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[operationKey] = handler
}

// Start launches the worker goroutines
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running", w.id)
	}
	w.running = true
	w.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	w.logger.Info("deferred queue worker started",
		"worker_id", w.id,
		"queue", w.queue.Name(),
		"concurrency", w.config.Concurrency)
	return nil
}

// Stop signals the worker to stop and waits for in-flight jobs
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("worker shutdown timed out", "worker_id", w.id)
	}
}

// Stats returns a copy of the worker statistics
func (w *Worker) Stats() WorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		req, err := w.queue.Dequeue(ctx, w.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", "worker_id", w.id, "error", err.Error())
			time.Sleep(w.config.PollTimeout)
			continue
		}
		if req == nil {
			continue
		}

		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req *fallback.QueuedRequest) {
	w.mu.Lock()
	handler, ok := w.handlers[req.OperationKey]
	w.stats.Processed++
	w.stats.LastJobAt = time.Now()
	w.mu.Unlock()

	log := w.logger.WithFields(map[string]interface{}{
		"worker_id":     w.id,
		"request_id":    req.ID,
		"operation_key": req.OperationKey,
	})

	if !ok {
		log.Warn("no handler for deferred request, dead-lettering")
		w.recordFailure()
		if err := w.queue.DeadLetter(ctx, req); err != nil {
			log.WithField("error", err.Error()).Error("dead-letter failed")
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	err := handler(jobCtx, req)
	cancel()

	if err == nil {
		w.mu.Lock()
		w.stats.Succeeded++
		w.mu.Unlock()
		log.WithField("attempts", req.Attempts+1).Info("deferred request completed")
		return
	}

	w.recordFailure()
	req.Attempts++
	if req.Attempts >= w.config.MaxAttempts {
		log.WithField("attempts", req.Attempts).WithField("error", err.Error()).
			Error("deferred request exhausted attempts, dead-lettering")
		if dlErr := w.queue.DeadLetter(ctx, req); dlErr != nil {
			log.WithField("error", dlErr.Error()).Error("dead-letter failed")
		}
		return
	}

	log.WithField("attempts", req.Attempts).WithField("error", err.Error()).
		Warn("deferred request failed, requeueing")
	if rqErr := w.queue.Requeue(ctx, req); rqErr != nil {
		log.WithField("error", rqErr.Error()).Error("requeue failed")
	}
}

func (w *Worker) recordFailure() {
	w.mu.Lock()
	w.stats.Failed++
	w.mu.Unlock()
}
