package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"

	"github.com/artpar/tenantmeter/adapters/metrics"
	_ "github.com/artpar/tenantmeter/docs/swagger" // swagger docs
	"github.com/artpar/tenantmeter/domain/usage"
)

// HealthCheck is a named readiness check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks []HealthCheck
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Liveness returns a simple liveness check.
//
//	@Summary	Liveness
//	@Tags		Health
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Router		/healthz [get]
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness runs every dependency check and reports 503 if any fails.
//
//	@Summary	Readiness
//	@Tags		Health
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Failure	503	{object}	map[string]interface{}
//	@Router		/healthz/ready [get]
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"errors": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RouterConfig wires the handlers into the router. Nil handlers leave their
// routes unmounted; Tokens is required once any bearer-authenticated handler is set.
type RouterConfig struct {
	Logger         zerolog.Logger
	Tokens         TokenVerifier
	APIKeys        KeyAuthenticator // enables X-API-Key on /v1 routes
	EnableOpenAPI  bool             // serves /.well-known/openapi.json and /swagger/
	Metrics        *metrics.Collector  // enables request metrics and /metrics
	Gatherer       prometheus.Gatherer // defaults to the global registry
	MetricsPath    string
	AllowedOrigins []string
	RequestTimeout time.Duration

	Health   *HealthHandler
	Webhook  http.Handler
	Billing  *BillingHandler
	Usage    *UsageHandler
	Features *FeatureHandler
	Keys     *KeyHandler
}

// NewRouter creates the main HTTP router.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", APIKeyHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler)
	}

	// Health endpoints (no auth required)
	health := cfg.Health
	if health == nil {
		health = NewHealthHandler()
	}
	r.Get("/healthz", health.Liveness)
	r.Get("/healthz/ready", health.Readiness)

	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.EnableOpenAPI {
		r.Get("/.well-known/openapi.json", serveOpenAPI)
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/.well-known/openapi.json"),
		))
	}

	// The provider authenticates with its signature, not a bearer token.
	if cfg.Webhook != nil {
		r.Method(http.MethodPost, "/billing/webhook", cfg.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(cfg.Tokens, cfg.Metrics, cfg.Logger))

		if cfg.Billing != nil {
			r.Post("/billing/checkout", cfg.Billing.Checkout)
			r.Post("/billing/portal", cfg.Billing.Portal)
		}
		if cfg.Usage != nil {
			r.Get("/usage", cfg.Usage.Get)
		}
		if cfg.Keys != nil {
			r.Post("/keys", cfg.Keys.Create)
			r.Get("/keys", cfg.Keys.List)
			r.Delete("/keys/{id}", cfg.Keys.Revoke)
		}
	})

	if cfg.Features != nil {
		r.Group(func(r chi.Router) {
			r.Use(NewFeatureAuthMiddleware(cfg.Tokens, cfg.APIKeys, cfg.Metrics, cfg.Logger))
			r.Post("/v1/analyze", cfg.Features.Guard(usage.FeatureAnalysis))
			r.Post("/v1/generate", cfg.Features.Guard(usage.FeatureContent))
		})
	}

	return r
}

func serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "OpenAPI document unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(doc))
}
