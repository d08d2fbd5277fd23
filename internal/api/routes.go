package api

import (
	"net/http"

	"deploystack/internal/deploy"
	"deploystack/internal/health"
	"deploystack/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	DeployService     *deploy.Service
	Metrics           *observability.Metrics
	HealthChecker     *health.Checker
	APIKey            string
	RequestRatePerSec float64
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.DeployService, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Deploy endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/deployments", authMiddleware(http.HandlerFunc(handler.CreateDeployment)))
	mux.Handle("GET /v1/deployments/results", authMiddleware(http.HandlerFunc(handler.ListResults)))
	mux.Handle("GET /v1/capacity", authMiddleware(http.HandlerFunc(handler.GetCapacity)))
	mux.Handle("POST /v1/capacity/expand", authMiddleware(http.HandlerFunc(handler.ExpandCapacity)))
	mux.Handle("POST /v1/drain", authMiddleware(http.HandlerFunc(handler.Drain)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	h = RateLimitMiddleware(cfg.RequestRatePerSec)(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
