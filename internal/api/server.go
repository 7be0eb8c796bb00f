// Package api provides the REST and SSE surface of the session store.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/internal/bus"
	"github.com/antoatta85/agents-at-scale-ark/internal/otlp"
	"github.com/antoatta85/agents-at-scale-ark/internal/storage"
	"github.com/antoatta85/agents-at-scale-ark/internal/storage/archive"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the REST API server.
type Server struct {
	store    storage.Store
	bus      bus.Bus
	ingestor *otlp.Ingestor
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a new API server. The archive is optional; when
// nil, ingested spans are not mirrored.
func NewServer(addr string, store storage.Store, b bus.Bus, arch *archive.Archive) *Server {
	s := &Server{
		store:    store,
		bus:      b,
		ingestor: otlp.NewIngestor(store, arch),
		router:   chi.NewRouter(),
	}

	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	// Health endpoint
	s.router.Get("/health", s.handleHealth)

	// Event ingestion
	s.router.Post("/v1/events", s.createEvent)

	// OTLP trace ingestion
	s.router.Post("/v1/traces", s.receiveTraces)

	// Messages
	s.router.Post("/messages", s.addMessages)
	s.router.Get("/messages", s.getMessages)

	// Sessions. Request timeouts apply to plain routes only; the SSE
	// streams stay open until the client disconnects.
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{sessionID}", s.getSession)
		r.Get("/sessions/{sessionID}/timeline", s.getSessionTimeline)
	})
	s.router.Get("/sessions/{sessionID}/events", s.streamSessionEvents)
	s.router.Get("/sessions/{sessionID}/queries", s.streamSessionQueries)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth returns the health status of the service.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "ark-sessions",
	})
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
