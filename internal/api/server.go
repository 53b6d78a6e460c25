// Package api exposes the monitor over HTTP: target status and control,
// per-target debugging history, and a websocket feed of live events.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neur0map/deskmon/internal/monitor"
)

// CredentialWriter stores replacement credentials. *credstore.Store
// satisfies it.
type CredentialWriter interface {
	SavePassword(targetID uint, password string) error
	ForgetKey(targetID uint) error
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	mgr   *monitor.Manager
	creds CredentialWriter
	hub   *Hub
	token string
}

// NewServer wires a Server to mgr and subscribes its websocket hub to the
// manager's events.
func NewServer(mgr *monitor.Manager, creds CredentialWriter, token string) *Server {
	hub := NewHub()
	mgr.OnEvent(hub.Publish)
	return &Server{mgr: mgr, creds: creds, hub: hub, token: token}
}

// Hub returns the websocket fan-out used by the /stream endpoint.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireToken(s.token))

		r.Get("/targets", s.listTargets)
		r.Get("/targets/{id}", s.getTarget)
		r.Post("/targets/{id}/start", s.startTarget)
		r.Post("/targets/{id}/stop", s.stopTarget)
		r.Get("/targets/{id}/transitions", s.getTransitions)
		r.Get("/targets/{id}/events", s.getEvents)
		r.Post("/targets/{id}/exec", s.execCommand)
		r.Put("/targets/{id}/credentials", s.updateCredentials)

		r.Get("/stream", s.stream)
		r.Get("/logs", getServerLogs)
	})
	return r
}
