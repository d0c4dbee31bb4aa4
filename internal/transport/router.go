package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/directory"
	"github.com/pitabwire/caseflow/internal/monitor"
	"github.com/pitabwire/caseflow/internal/orchestrator"
	"github.com/pitabwire/caseflow/internal/timeline"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Engine    *orchestrator.Engine
	Directory *directory.Directory
	Hub       *timeline.Hub
	Monitor   *monitor.Monitor

	HealthHandler  http.HandlerFunc
	ReadyHandler   http.HandlerFunc
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics bypass the request
// middleware; the timeline stream bypasses the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	if deps.HealthHandler != nil {
		r.Get("/healthz", deps.HealthHandler)
	}
	if deps.ReadyHandler != nil {
		r.Get("/readyz", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/v1/cases", handleCaseCreate(deps.Engine))
		r.Get("/v1/cases", handleCaseList(deps.Engine))
		r.Get("/v1/cases/{caseId}", handleCaseGet(deps.Engine))
		r.Post("/v1/cases/{caseId}/abort", handleCaseAbort(deps.Engine))
		r.Get("/v1/cases/{caseId}/report", handleCaseReport(deps.Engine))
		r.Get("/v1/cases/{caseId}/timeline", handleTimelinePage(deps.Engine))

		r.Post("/v1/tasks/{taskId}/result", handleTaskResult(deps.Engine))
		r.Post("/v1/tasks/{taskId}/failure", handleTaskFailure(deps.Engine))

		r.Post("/v1/roles", handleRoleRegister(deps.Directory, logger))
		r.Get("/v1/roles", handleRoleList(deps.Directory))

		r.Get("/v1/monitor/roles", handleMonitorRoles(deps.Monitor))
		r.Get("/v1/monitor/alerts", handleMonitorAlerts(deps.Monitor))
	})

	// The event stream holds its connection open for the subscription's
	// lifetime, so no handler timeout applies.
	r.Group(func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Get("/v1/cases/{caseId}/timeline/stream", handleTimelineStream(deps.Engine, deps.Hub))
	})

	return r
}
