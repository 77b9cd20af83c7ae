/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the ops router (chi), middleware stack and routes.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)

ROUTES:
  /healthz, /readyz   Probes
  /admin/*            Operator actions

SECURITY NOTE:
  No authentication middleware. Bind ops.addr to a private interface.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/productview/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a router with all ops routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/admin", func(r chi.Router) {
		r.Route("/reconcile", func(r chi.Router) {
			r.Post("/", h.TriggerReconcile)
			r.Get("/runs", h.ListReconcileRuns)
		})
		r.Get("/consistency", h.CheckConsistency)
		r.Post("/cache/invalidate", h.InvalidateCache)
	})

	return r
}
