// Package api provides HTTP handlers and routing for the collaboration service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws/rooms/{room}", s.handlers.ServeWs).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflow/validate", s.handlers.Validate).Methods("POST")

	// Room workflow
	rooms := api.PathPrefix("/rooms/{room}").Subrouter()
	rooms.HandleFunc("/workflow", s.handlers.SaveWorkflow).Methods("PUT")
	rooms.HandleFunc("/workflow/state", s.handlers.GetState).Methods("GET")
	rooms.HandleFunc("/workflow/operations", s.handlers.SubmitOperations).Methods("POST")
	rooms.HandleFunc("/workflow/generate", s.handlers.Generate).Methods("POST")

	// History
	rooms.HandleFunc("/workflow/versions", s.handlers.Timeline).Methods("GET")
	rooms.HandleFunc("/workflow/versions/{version}", s.handlers.Snapshot).Methods("GET")
	rooms.HandleFunc("/workflow/revert", s.handlers.Revert).Methods("POST")
	rooms.HandleFunc("/workflow/undo", s.handlers.Undo).Methods("POST")
	rooms.HandleFunc("/workflow/redo", s.handlers.Redo).Methods("POST")

	// Presence
	rooms.HandleFunc("/online", s.handlers.Online).Methods("GET")

	s.router.Use(s.handlers.RecoveryMiddleware)
}
