/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Wires URLs to handlers. chi for routing, the usual middleware stack,
  CORS for the local dashboard.

ROUTE GROUPS:
  /api/targets/*        Guardian configuration and snapshots
  /api/sessions/*       Session export for the sync layer
  /api/notifications    Envelope ingress from the notifier bridge
  /api/resume           Host resume signal
  /healthz              Liveness

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", h.ListTargets)
			r.Put("/{id}", h.SetTarget)
			r.Get("/{id}/snapshot", h.GetSnapshot)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/unsynced", h.ListUnsyncedSessions)
			r.Post("/{id}/synced", h.MarkSessionSynced)
		})

		r.Post("/notifications", h.PostNotification)
		r.Post("/resume", h.PostResume)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
