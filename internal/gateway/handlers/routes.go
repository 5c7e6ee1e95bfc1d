package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

type DBPinger interface {
	Ping(ctx context.Context) error
}

type CachePinger interface {
	Ping(ctx context.Context) bool
}

// HealthHandler handles GET /health. A down database is unhealthy; a down
// cache only degrades the gateway.
func HealthHandler(db DBPinger, cache CachePinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body := map[string]string{"status": "ok", "database": "ok", "cache": "ok"}
		status := http.StatusOK

		if err := db.Ping(ctx); err != nil {
			body["status"] = "unavailable"
			body["database"] = "down"
			status = http.StatusServiceUnavailable
		}
		if !cache.Ping(ctx) {
			body["cache"] = "down"
			if status == http.StatusOK {
				body["status"] = "degraded"
			}
		}

		writeJSON(w, status, body)
	}
}

// NewRouter assembles the HTTP API
func NewRouter(h *GateHandler, mw *Middleware, health http.Handler, metrics http.Handler, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(mw.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))
	r.Use(mw.CORSMiddleware)

	r.Method(http.MethodGet, "/health", health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.AuthMiddleware)
		r.Use(mw.RateLimitMiddleware)

		r.Post("/gates/{gate}/completions", h.HandleCompletion)
		r.Post("/gates/{gate}/test", h.HandleTestGate)
		r.Delete("/gates/{gate}/cache", h.HandleInvalidateGate)
		r.Delete("/gates/cache", h.HandleInvalidateGates)

		r.Put("/provider-keys/{provider}", h.HandlePutProviderKey)
		r.Delete("/provider-keys/{provider}", h.HandleDeleteProviderKey)
	})

	return r
}
