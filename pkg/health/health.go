package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/resilix/resilix/pkg/logging"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

// Report is a point-in-time view over every monitored resource and every
// circuit breaker record. Built fresh on each call; two back-to-back reports
// differ only in GeneratedAt when nothing changed in between.
type Report struct {
	OverallStatus monitor.ResourceStatus `json:"overall_status"`
	Resources     []monitor.Snapshot     `json:"resources"`
	Circuits      []resilience.Record    `json:"circuits"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// Aggregator builds health reports from the monitor and breaker registry.
// Reads use the components' own copy-out accessors, so a report never blocks
// a sampling cycle.
type Aggregator struct {
	monitor  *monitor.Monitor
	registry *resilience.Registry
	logger   *logging.Logger
	metadata map[string]string
}

// Config holds health aggregator configuration
type Config struct {
	Metadata map[string]string `json:"metadata"`
}

// NewAggregator creates a health aggregator over the given components
func NewAggregator(mon *monitor.Monitor, registry *resilience.Registry, logger *logging.Logger, config *Config) *Aggregator {
	if logger == nil {
		logger = logging.GetLogger()
	}
	var metadata map[string]string
	if config != nil {
		metadata = config.Metadata
	}
	return &Aggregator{
		monitor:  mon,
		registry: registry,
		logger:   logger,
		metadata: metadata,
	}
}

// Report assembles the current health view. Overall status is the maximum
// severity across resource snapshots; circuits do not raise it.
func (a *Aggregator) Report() *Report {
	var snapshots []monitor.Snapshot
	if a.monitor != nil {
		snapshots = a.monitor.Snapshots()
	}
	var records []resilience.Record
	if a.registry != nil {
		records = a.registry.Records()
	}

	overall := monitor.StatusHealthy
	for _, snap := range snapshots {
		if snap.Status > overall {
			overall = snap.Status
		}
	}

	return &Report{
		OverallStatus: overall,
		Resources:     snapshots,
		Circuits:      records,
		GeneratedAt:   time.Now().UTC(),
		Metadata:      a.metadata,
	}
}

// Handler returns a Gin handler serving the full health report
func (a *Aggregator) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := a.Report()

		statusCode := http.StatusOK
		switch report.OverallStatus {
		case monitor.StatusUnavailable:
			statusCode = http.StatusServiceUnavailable
		case monitor.StatusWarning, monitor.StatusCritical:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, report)
	}
}

// LivenessHandler returns a simple liveness check handler
func (a *Aggregator) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler reports ready unless some resource is unavailable
func (a *Aggregator) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := a.Report()

		statusCode := http.StatusOK
		if report.OverallStatus == monitor.StatusUnavailable {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    report.OverallStatus,
			"timestamp": report.GeneratedAt,
			"ready":     report.OverallStatus != monitor.StatusUnavailable,
		})
	}
}
