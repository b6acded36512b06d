package metrics

import (
	"context"
	"time"

	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

// DepthFunc reports the current depth of a named queue
type DepthFunc func(ctx context.Context) (int64, error)

// Collector periodically publishes monitor snapshots, circuit records, and
// queue depth into the Prometheus gauges
type Collector struct {
	metrics    *Metrics
	monitor    *monitor.Monitor
	registry   *resilience.Registry
	queueName  string
	queueDepth DepthFunc
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, mon *monitor.Monitor, registry *resilience.Registry, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:  m,
		monitor:  mon,
		registry: registry,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// WithQueueDepth wires a deferred queue depth source
func (c *Collector) WithQueueDepth(name string, fn DepthFunc) *Collector {
	c.queueName = name
	c.queueDepth = fn
	return c
}

// Start begins metrics collection. Blocks until the context is done or Stop
// is called, so run it on its own goroutine.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop stops metrics collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	if c.monitor != nil {
		for _, snap := range c.monitor.Snapshots() {
			c.metrics.UpdateResource(string(snap.Type), snap.UsageRatio, int(snap.Status))
		}
	}

	if c.registry != nil {
		for _, rec := range c.registry.Records() {
			c.metrics.UpdateCircuitState(rec.OperationKey, stateValue(rec.State))
		}
	}

	if c.queueDepth != nil {
		depth, err := c.queueDepth(ctx)
		if err == nil {
			c.metrics.UpdateQueueDepth(c.queueName, depth)
		}
	}
}

func stateValue(state resilience.CircuitState) int {
	switch state {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}
