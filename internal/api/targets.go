package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/resilix/resilix/internal/queue"
	"github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/fallback"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/tracing"
)

// Target is an upstream HTTP endpoint the daemon protects on behalf of its
// callers. Providers maps alternate provider names to their URLs for
// switch_provider actions.
type Target struct {
	OperationKey string               `json:"operation_key" binding:"required"`
	ResourceType monitor.ResourceType `json:"resource_type" binding:"required"`
	URL          string               `json:"url" binding:"required"`
	Method       string               `json:"method"`
	Providers    map[string]string    `json:"providers,omitempty"`
	Timeout      time.Duration        `json:"timeout,omitempty"`
}

// TargetHandler registers protected targets and proxies invocations through
// the orchestrator
type TargetHandler struct {
	orchestrator *fallback.Orchestrator
	worker       *queue.Worker
	tracing      *tracing.Service
	client       *http.Client

	mu      sync.RWMutex
	targets map[string]*Target
}

// NewTargetHandler creates the target handler
func NewTargetHandler(orch *fallback.Orchestrator, worker *queue.Worker, tracer *tracing.Service) *TargetHandler {
	return &TargetHandler{
		orchestrator: orch,
		worker:       worker,
		tracing:      tracer,
		client:       &http.Client{Timeout: 30 * time.Second},
		targets:      make(map[string]*Target),
	}
}

// Register adds or replaces a protected target
func (h *TargetHandler) Register(c *gin.Context) {
	var target Target
	if err := c.ShouldBindJSON(&target); err != nil {
		ErrorResponse(c, errors.NewValidationError("invalid target").WithCause(err))
		return
	}
	if target.Method == "" {
		target.Method = http.MethodGet
	}

	h.mu.Lock()
	h.targets[target.OperationKey] = &target
	h.mu.Unlock()

	// deferred invocations of this target are replayed by the queue worker
	if h.worker != nil {
		h.worker.RegisterHandler(target.OperationKey, func(ctx context.Context, req *fallback.QueuedRequest) error {
			_, err := h.operation(&target)(ctx, req.Params)
			return err
		})
	}

	SuccessResponse(c, target)
}

// List serves all registered targets
func (h *TargetHandler) List(c *gin.Context) {
	h.mu.RLock()
	targets := make([]*Target, 0, len(h.targets))
	for _, t := range h.targets {
		targets = append(targets, t)
	}
	h.mu.RUnlock()
	SuccessResponse(c, targets)
}

// Invoke runs a registered target through the orchestrator and returns the
// result envelope
func (h *TargetHandler) Invoke(c *gin.Context) {
	key := c.Param("key")

	h.mu.RLock()
	target, ok := h.targets[key]
	h.mu.RUnlock()
	if !ok {
		ErrorResponse(c, errors.NewNotFoundError(fmt.Sprintf("target %s not registered", key)))
		return
	}

	ctx := c.Request.Context()
	var span oteltrace.Span
	if h.tracing != nil {
		ctx, span = h.tracing.StartProtectSpan(ctx, string(target.ResourceType), target.OperationKey)
		defer span.End()
	}

	envelope, err := h.orchestrator.Protect(ctx, target.ResourceType, target.OperationKey, h.operation(target))
	if err != nil {
		if span != nil {
			h.tracing.RecordError(span, err)
		}
		ErrorResponse(c, err)
		return
	}
	SuccessResponse(c, envelope)
}

// operation builds the fallback.Operation that calls the target's URL,
// honoring provider switches and degradation hints
func (h *TargetHandler) operation(target *Target) fallback.Operation {
	return func(ctx context.Context, params fallback.CallParams) (interface{}, error) {
		url := target.URL
		if params.Provider != "" {
			alternate, ok := target.Providers[params.Provider]
			if !ok {
				return nil, errors.NewConfigurationError(fmt.Sprintf("target %s has no provider %q", target.OperationKey, params.Provider))
			}
			url = alternate
		}

		if target.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, target.Timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(ctx, target.Method, url, nil)
		if err != nil {
			return nil, errors.NewValidationError("invalid target request").WithCause(err)
		}
		if params.Degraded {
			req.Header.Set("X-Degraded", "true")
		}
		if params.ScaleFactor > 0 {
			req.Header.Set("X-Scale-Factor", fmt.Sprintf("%g", params.ScaleFactor))
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, errors.NewExternalError(url, "upstream call failed").WithCause(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, errors.NewExternalError(url, "failed to read upstream response").WithCause(err)
		}
		if resp.StatusCode >= 400 {
			return nil, errors.NewExternalError(url, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		}

		var decoded interface{}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return string(body), nil
		}
		return decoded, nil
	}
}
