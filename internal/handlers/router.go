package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/claworc/fleetd/internal/logging"
	"github.com/gluk-w/claworc/fleetd/internal/middleware"
)

// NewRouter builds the API. token guards everything except health; an
// empty token leaves the API open.
func NewRouter(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logging.Component("api")))
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthCheck)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(token))

			r.Get("/sessions", ListSessions)
			r.Post("/sessions", CreateSession)
			r.Get("/sessions/{id}", GetSession)
			r.Delete("/sessions/{id}", RemoveSession)
			r.Post("/sessions/{id}/run", RunCommand)
			r.Get("/sessions/{id}/events", GetEvents)
			r.Post("/sessions/{id}/input", SendInput)
			r.Delete("/sessions/{id}/hosts/{key}", TerminateHost)
			r.Post("/sessions/{id}/destroy", DestroySession)
			r.Get("/sessions/{id}/stream", StreamSession)

			r.Get("/connections", ListConnections)
			r.Get("/connections/{key}/events", GetConnectionEvents)

			r.Get("/audit", GetAuditLogs)

			r.Get("/logs", GetServerLogs)
			r.Delete("/logs", ClearServerLogs)
		})
	})
	return r
}
