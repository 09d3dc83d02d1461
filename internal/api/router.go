package api

import (
	"encoding/json"
	"net/http"

	"github.com/opsconductor/opsconductor/internal/api/handlers"
	"github.com/opsconductor/opsconductor/internal/api/middleware"
	"github.com/opsconductor/opsconductor/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all pipeline routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.TraceID)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Trace-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & observability
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Conversational pipeline
	r.Route("/ai", func(r chi.Router) {
		r.Post("/execute", h.ExecuteAI)
		r.Post("/execute/stream", h.ExecuteAIStream)

		r.Route("/tools", func(r chi.Router) {
			r.Get("/list", h.ListTools)
			r.Get("/{toolID}", h.GetTool)
			r.Post("/execute", h.ExecutePlan)
		})

		r.Route("/executions/{executionID}", func(r chi.Router) {
			r.Post("/approve", h.ApproveExecution)
			r.Post("/cancel", h.CancelExecution)
		})
	})

	// Selector surface
	r.Route("/api/selector", func(r chi.Router) {
		r.Get("/search", h.SelectorSearch)
		r.Get("/alerts", h.SelectorAlerts)
	})

	// Asset lookups
	r.Route("/assets", func(r chi.Router) {
		r.Get("/count", h.CountAssets)
		r.Get("/search", h.SearchAssets)
		r.Get("/connection-profile", h.AssetConnectionProfile)
	})

	// Rollout gate
	r.Get("/api/canary", h.CanaryStatus)

	// Internal service-to-service surface, guarded by the shared key.
	internalKey := middleware.NewInternalKey(cfg.Secrets.InternalKey)
	r.Route("/internal", func(r chi.Router) {
		r.Use(internalKey.Middleware)
		r.Route("/secrets", func(r chi.Router) {
			r.Post("/credential-upsert", h.CredentialUpsert)
			r.Get("/credential-lookup", h.CredentialLookup)
			r.Post("/credential-delete", h.CredentialDelete)
			r.Post("/credential-rotate", h.CredentialRotate)
			r.Get("/credential-audit", h.CredentialAudit)
		})
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "opsconductor-pipeline",
		})
	}
}
