package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pesio-ai/be-approvals/internal/identity"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
)

// RouterConfig holds the HTTP middleware settings.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	RateLimitRPS   int
	RateLimitBurst int
}

// HealthFunc reports readiness of a dependency.
type HealthFunc func(r *http.Request) error

// NewRouter builds the chi router with middleware, health check and API
// routes. /health is the only unauthenticated path.
func NewRouter(h *HTTPHandler, cfg RouterConfig, res *identity.Resolver, health HealthFunc, log *logger.Logger) chi.Router {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(AccessLog(log))
	r.Use(Recovery(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID", "X-Request-ID", "X-Session-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Export-Checksum"},
		MaxAge:         300,
	}))
	r.Use(RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.Use(chimw.Timeout(cfg.RequestTimeout))
	r.Use(identity.HTTPMiddleware(res, "/health"))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r); err != nil {
				log.Warn().Err(err).Msg("Health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	h.RegisterRoutes(r)
	return r
}
