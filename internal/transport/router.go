package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agi-run/missionctl/internal/config"
	"github.com/agi-run/missionctl/internal/gate"
	"github.com/agi-run/missionctl/internal/ledger"
	"github.com/agi-run/missionctl/internal/manifest"
	"github.com/agi-run/missionctl/internal/node"
	"github.com/agi-run/missionctl/internal/observability"
	"github.com/agi-run/missionctl/internal/policy"
	"github.com/agi-run/missionctl/internal/scheduler"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler

	Loader      *manifest.Loader
	Validator   *manifest.Validator
	Definitions *manifest.Registry
	Scheduler   *scheduler.Scheduler
	Gates       *gate.Controller
	Engine      *policy.Engine
	Trail       ledger.Store
	Agents      *node.Registry

	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/manifests", handleManifestPublish(deps))
		r.Post("/manifests/dry-run", handleManifestDryRun(deps))
		r.Post("/manifests/{id}/versions/{version}/promote", handleManifestPromote(deps))

		r.Get("/definitions", handleDefinitionList(deps.Definitions))
		r.Get("/definitions/{id}", handleDefinitionGet(deps.Definitions))

		r.Post("/cases", handleCaseStart(deps.Scheduler))
		r.Get("/cases", handleCaseList(deps.Scheduler))
		r.Get("/cases/{caseId}", handleCaseGet(deps.Scheduler))
		r.Post("/cases/{caseId}/pause", handleCasePause(deps.Scheduler))
		r.Post("/cases/{caseId}/resume", handleCaseResume(deps.Scheduler))
		r.Post("/cases/{caseId}/kill", handleCaseKill(deps.Scheduler))
		r.Get("/cases/{caseId}/evidence", handleEvidenceExport(deps.Trail))

		r.Get("/approvals", handleApprovalList(deps.Gates))
		r.Get("/approvals/{approvalId}", handleApprovalGet(deps.Gates))
		r.Post("/approvals/{approvalId}/approve", handleApprovalResolve(deps.Gates, true))
		r.Post("/approvals/{approvalId}/reject", handleApprovalResolve(deps.Gates, false))

		r.Get("/policies", handlePolicyList(deps.Engine))
		r.Get("/policies/{ruleId}", handlePolicyGet(deps.Engine))
		r.Patch("/policies/{ruleId}", handlePolicyPatch(deps.Engine))

		r.Get("/services", handleServiceList(deps.Agents))
		r.Get("/services/{serviceName}", handleServiceGet(deps.Agents))
	})

	return r
}
