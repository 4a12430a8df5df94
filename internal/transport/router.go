package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/audit"
	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/internal/draft"
	"github.com/pitabwire/onboarding/internal/idempotency"
	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/registration"
	"github.com/pitabwire/onboarding/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// MetricsHandler serves /metrics. Nil falls back to the default
	// Prometheus registry.
	MetricsHandler http.Handler

	// Authenticate verifies the caller and stores its claims. Nil accepts
	// every request, which only tests should rely on.
	Authenticate func(http.Handler) http.Handler
	Resolver     PermissionResolver

	Registration *registration.Service
	Drafts       *draft.Service
	Audit        *audit.Service
	Idempotency  idempotency.Store
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the public
// registration endpoints bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}
	idemTTL := cfg.Idempotency.Store.DefaultTTL
	idem := deps.Idempotency
	if !cfg.Idempotency.Enabled {
		idem = nil
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(ClientIP)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	metricsPath := cfg.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Method(http.MethodGet, metricsPath, metricsHandler)

	r.Group(func(r chi.Router) {
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(Idempotency(idem, idemTTL, deps.Metrics, logger))

		r.Post("/public/registrations/drafts", handleSaveDraft(deps.Drafts, logger))
		r.Get("/public/registrations/drafts/{token}", handleGetDraft(deps.Drafts, logger))
		r.Post("/public/registrations", handleSubmitRegistration(deps.Registration, logger))
		r.Get("/public/registrations/status/{token}", handleTrackingStatus(deps.Registration, logger))
	})

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildActor(cfg.Identity.ClaimPaths, deps.Resolver))
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(Idempotency(idem, idemTTL, deps.Metrics, logger))

		reg := deps.Registration
		r.Get("/registrations/pending", handlePending(reg, logger))
		r.Get("/registrations/pending/count", handlePendingCount(reg, logger))
		r.Get("/registrations/approved", handleApprovedByMe(reg, logger))
		r.Get("/registrations/me/status", handleMyStatus(reg, logger))
		r.Get("/registrations/{id}", handleGetRegistration(reg, logger))
		r.Get("/registrations/{id}/status", handleGetStatus(reg, logger))
		r.Get("/registrations/{id}/history", handleHistory(reg, logger))
		r.Post("/registrations/{id}/approve", handleApprove(reg, logger))
		r.Post("/registrations/{id}/reject", handleReject(reg, logger))
		r.Post("/registrations/{id}/request-info", handleRequestInfo(reg, logger))
		r.Post("/registrations/{id}/bind-code", handleBindCode(reg, logger))

		r.Get("/audit/verify", handleVerifyChain(deps.Audit, logger))
		r.Post("/audit/{id}/archive", handleArchive(deps.Audit, logger))
		r.Get("/audit/{id}/archive/verify", handleVerifyArchived(deps.Audit, logger))
		r.Get("/audit/entities/{type}/{id}", handleEntityEntries(deps.Audit, logger))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: model.NewBadRequestError("method not allowed")})
	})

	return r
}
