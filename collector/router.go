package collector

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
	"github.com/lumina-learning/pulse-core/infrastructure/middleware"
)

// RouterConfig bundles the dependencies needed to assemble the collector's
// HTTP surface.
type RouterConfig struct {
	Collector     *Collector
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
	HealthChecker *middleware.HealthChecker
	ReadyFlag     *bool
	RateLimit     Config
}

// NewRouter assembles the gorilla/mux router for the collector service,
// chaining the shared middleware stack in front of POST /collect.
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	recovery := middleware.NewRecoveryMiddleware(cfg.Logger)
	bodyLimit := middleware.NewBodyLimitMiddleware(MaxDecompressedBodyBytes)
	limiter := middleware.NewRateLimiterWithWindow(cfg.RateLimit.RateLimitPerMinute, time.Minute, cfg.RateLimit.RateLimitBurst, cfg.Logger)
	limiter.StartCleanup(0)

	r.Use(recovery.Handler)
	r.Use(middleware.IdentityMiddleware)
	r.Use(bodyLimit.Handler)
	r.Use(limiter.Handler)

	r.Handle("/collect", cfg.Collector.Handler()).Methods(http.MethodPost)

	if cfg.HealthChecker != nil {
		r.Handle("/health", cfg.HealthChecker.Handler()).Methods(http.MethodGet)
	}
	r.Handle("/healthz/live", middleware.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/healthz/ready", middleware.ReadinessHandler(cfg.ReadyFlag)).Methods(http.MethodGet)

	return r
}
