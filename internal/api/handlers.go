package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/resilix/resilix/internal/queue"
	"github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/health"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

// StateHandler serves operational state: circuits, resources, reports
type StateHandler struct {
	aggregator *health.Aggregator
	monitor    *monitor.Monitor
	registry   *resilience.Registry
	queue      *queue.DeferredQueue
	worker     *queue.Worker
}

// NewStateHandler creates the state handler
func NewStateHandler(aggregator *health.Aggregator, mon *monitor.Monitor, registry *resilience.Registry, q *queue.DeferredQueue, worker *queue.Worker) *StateHandler {
	return &StateHandler{
		aggregator: aggregator,
		monitor:    mon,
		registry:   registry,
		queue:      q,
		worker:     worker,
	}
}

// GetReport serves the full health report
func (h *StateHandler) GetReport(c *gin.Context) {
	SuccessResponse(c, h.aggregator.Report())
}

// ListCircuits serves all circuit breaker records
func (h *StateHandler) ListCircuits(c *gin.Context) {
	SuccessResponse(c, h.registry.Records())
}

// ResetCircuit manually closes a circuit breaker
func (h *StateHandler) ResetCircuit(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		ErrorResponse(c, errors.NewValidationError("operation key is required"))
		return
	}
	breaker := h.registry.Get(key)
	breaker.Reset()
	SuccessResponse(c, breaker.Record())
}

// TripCircuit manually opens a circuit breaker
func (h *StateHandler) TripCircuit(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		ErrorResponse(c, errors.NewValidationError("operation key is required"))
		return
	}
	breaker := h.registry.Get(key)
	breaker.Trip()
	SuccessResponse(c, breaker.Record())
}

// ListResources serves all resource snapshots
func (h *StateHandler) ListResources(c *gin.Context) {
	SuccessResponse(c, h.monitor.Snapshots())
}

// RecordUsage accepts an externally observed usage ratio for a resource
func (h *StateHandler) RecordUsage(c *gin.Context) {
	resourceType := monitor.ResourceType(c.Param("type"))

	var body struct {
		UsageRatio *float64 `json:"usage_ratio" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		ErrorResponse(c, errors.NewValidationError("usage_ratio is required").WithCause(err))
		return
	}

	if err := h.monitor.RecordUsage(resourceType, *body.UsageRatio); err != nil {
		ErrorResponse(c, err)
		return
	}
	SuccessResponse(c, gin.H{
		"resource_type": resourceType,
		"usage_ratio":   *body.UsageRatio,
	})
}

// QueueStats serves deferred queue depth and worker statistics
func (h *StateHandler) QueueStats(c *gin.Context) {
	if h.queue == nil {
		ErrorResponse(c, errors.NewUnavailableError("deferred queue not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		ErrorResponse(c, err)
		return
	}

	stats := gin.H{
		"queue": h.queue.Name(),
		"depth": depth,
	}
	if h.worker != nil {
		stats["worker"] = h.worker.Stats()
	}
	SuccessResponse(c, stats)
}
