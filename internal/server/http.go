package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/SOG-web/reauth-sub001/internal/server/middleware"
)

// HTTPDeps holds the handlers mounted on the HTTP router. Nil handlers are
// not mounted.
type HTTPDeps struct {
	// Health answers /healthz.
	Health http.Handler
	// Metrics answers /metrics.
	Metrics http.Handler
	// OAuth mounts the browser redirect flow; its routes live under /oauth.
	OAuth interface{ Routes(chi.Router) }
	// RateLimiter throttles the /oauth routes per client IP.
	RateLimiter *middleware.RateLimiter
}

// NewRouter builds the HTTP router for the browser-facing OAuth flow and
// operational endpoints.
func NewRouter(deps HTTPDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	if deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.OAuth != nil {
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware)
			}
			deps.OAuth.Routes(r)
		})
	}
	return r
}

// NewHTTPServer wraps handler with the timeouts used for the public listener.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
