package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sablefin/confirmd/internal/config"
	"github.com/sablefin/confirmd/internal/observability"
	"github.com/sablefin/confirmd/internal/status"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Processor    Processor
	Store        status.Store
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CorrelationID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes — bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/v1/triggers", handleTrigger(deps.Processor, logger))
		r.Get("/v1/instances/{instanceKey}", handleInstanceGet(deps.Store))
		r.Get("/v1/instances", handleInstanceList(deps.Store))
	})

	return r
}
