package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Protection metrics
	ProtectCallsTotal *prometheus.CounterVec
	ProtectDuration   *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec

	// Retry metrics
	RetryAttemptsTotal *prometheus.CounterVec

	// Resource monitor metrics
	ResourceUsageRatio *prometheus.GaugeVec
	ResourceStatus     *prometheus.GaugeVec

	// Deferred queue metrics
	QueueDepth     *prometheus.GaugeVec
	QueuedRequests *prometheus.CounterVec

	// Result cache metrics
	CacheOperations *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "resilix",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),
		ProtectCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "protect_calls_total",
				Help:      "Total number of protected calls by strategy and outcome",
			},
			[]string{"resource_type", "strategy", "outcome"},
		),
		ProtectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "protect_duration_seconds",
				Help:      "Protected call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"resource_type"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"operation_key"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"operation_key", "to_state"},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation_key"},
		),
		ResourceUsageRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "resource_usage_ratio",
				Help:      "Resource usage as a ratio of capacity",
			},
			[]string{"resource_type"},
		),
		ResourceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "resource_status",
				Help:      "Resource status (0=healthy, 1=warning, 2=critical, 3=unavailable)",
			},
			[]string{"resource_type"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_depth",
				Help:      "Number of deferred requests waiting in the queue",
			},
			[]string{"queue"},
		),
		QueuedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queued_requests_total",
				Help:      "Total number of requests deferred to the queue",
			},
			[]string{"resource_type"},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "result_cache_operations_total",
				Help:      "Total result cache operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics recovered",
			},
			[]string{"component"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ProtectCallsTotal,
		m.ProtectDuration,
		m.CircuitState,
		m.CircuitTransitions,
		m.RetryAttemptsTotal,
		m.ResourceUsageRatio,
		m.ResourceStatus,
		m.QueueDepth,
		m.QueuedRequests,
		m.CacheOperations,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordProtectCall records a finished protected call
func (m *Metrics) RecordProtectCall(resourceType, strategy, outcome string, duration time.Duration) {
	if m.ProtectCallsTotal == nil {
		return
	}

	if strategy == "" {
		strategy = "primary"
	}
	m.ProtectCallsTotal.WithLabelValues(resourceType, strategy, outcome).Inc()
	m.ProtectDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// UpdateCircuitState sets the state gauge for an operation key
func (m *Metrics) UpdateCircuitState(operationKey string, state int) {
	if m.CircuitState == nil {
		return
	}

	m.CircuitState.WithLabelValues(operationKey).Set(float64(state))
}

// RecordCircuitTransition records a circuit breaker state transition
func (m *Metrics) RecordCircuitTransition(operationKey, toState string) {
	if m.CircuitTransitions == nil {
		return
	}

	m.CircuitTransitions.WithLabelValues(operationKey, toState).Inc()
}

// RecordRetryAttempt records a single retry attempt
func (m *Metrics) RecordRetryAttempt(operationKey string) {
	if m.RetryAttemptsTotal == nil {
		return
	}

	m.RetryAttemptsTotal.WithLabelValues(operationKey).Inc()
}

// UpdateResource updates the usage and status gauges for a resource type
func (m *Metrics) UpdateResource(resourceType string, usageRatio float64, status int) {
	if m.ResourceUsageRatio == nil {
		return
	}

	m.ResourceUsageRatio.WithLabelValues(resourceType).Set(usageRatio)
	m.ResourceStatus.WithLabelValues(resourceType).Set(float64(status))
}

// UpdateQueueDepth updates the deferred queue depth gauge
func (m *Metrics) UpdateQueueDepth(queue string, depth int64) {
	if m.QueueDepth == nil {
		return
	}

	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueuedRequest records a request deferred to the queue
func (m *Metrics) RecordQueuedRequest(resourceType string) {
	if m.QueuedRequests == nil {
		return
	}

	m.QueuedRequests.WithLabelValues(resourceType).Inc()
}

// RecordCacheOperation records a result cache operation
func (m *Metrics) RecordCacheOperation(operation, outcome string) {
	if m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordError records an error by component and type
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records a recovered panic
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
