package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/resilix/resilix/internal/queue"
	"github.com/resilix/resilix/pkg/config"
	"github.com/resilix/resilix/pkg/fallback"
	"github.com/resilix/resilix/pkg/health"
	"github.com/resilix/resilix/pkg/logging"
	"github.com/resilix/resilix/pkg/metrics"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
	"github.com/resilix/resilix/pkg/tracing"
)

// Deps carries everything the router exposes
type Deps struct {
	Aggregator   *health.Aggregator
	Monitor      *monitor.Monitor
	Registry     *resilience.Registry
	Orchestrator *fallback.Orchestrator
	Queue        *queue.DeferredQueue
	Worker       *queue.Worker
	Metrics      *metrics.Metrics
	Tracing      *tracing.Service
	Logger       *logging.Logger
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(ErrorHandlingMiddleware())
	router.Use(SecurityHeadersMiddleware())
	if deps.Logger != nil {
		router.Use(LoggingMiddleware(deps.Logger))
	}
	if deps.Tracing != nil {
		router.Use(deps.Tracing.Middleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.CORSOrigins) == 1 && cfg.Server.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	}
	router.Use(cors.New(corsConfig))

	// Health and metrics endpoints
	router.GET("/healthz", deps.Aggregator.Handler())
	router.GET("/livez", deps.Aggregator.LivenessHandler())
	router.GET("/readyz", deps.Aggregator.ReadinessHandler())
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// Operational state API
	stateHandler := NewStateHandler(deps.Aggregator, deps.Monitor, deps.Registry, deps.Queue, deps.Worker)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/report", stateHandler.GetReport)
		v1.GET("/circuits", stateHandler.ListCircuits)
		v1.POST("/circuits/:key/reset", stateHandler.ResetCircuit)
		v1.POST("/circuits/:key/trip", stateHandler.TripCircuit)
		v1.GET("/resources", stateHandler.ListResources)
		v1.POST("/resources/:type/usage", stateHandler.RecordUsage)
		v1.GET("/queue/stats", stateHandler.QueueStats)

		if deps.Orchestrator != nil {
			targetHandler := NewTargetHandler(deps.Orchestrator, deps.Worker, deps.Tracing)
			v1.POST("/targets", targetHandler.Register)
			v1.GET("/targets", targetHandler.List)
			v1.POST("/targets/:key/invoke", targetHandler.Invoke)
		}
	}

	return router
}
