package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication - user must be logged in to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Controller state
			r.Get("/snapshot", s.handleSnapshot)

			// Poller diagnostics and manual refresh
			r.Route("/poller", func(r chi.Router) {
				r.Get("/", s.handlePollerStats)
				r.Post("/refresh-status", s.handleRefreshStatus)
				r.Post("/refresh-config", s.handleRefreshConfig)
			})

			// Command surface
			r.Put("/outputs/{key}/mode", s.handleSetOutputMode)
			r.Put("/feed/{id}", s.handleSetFeed)
			r.Route("/trident", func(r chi.Router) {
				r.Post("/reset-waste", s.handleTridentResetWaste)
				r.Post("/new-reagent", s.handleTridentNewReagent)
				r.Post("/prime", s.handleTridentPrime)
				r.Put("/waste-size", s.handleTridentWasteSize)
			})

			// WebSocket (auth via ticket, validated in handler)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.poller.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"controller": s.poller.ControllerSlug(),
		"read_only":  s.commands.ReadOnly(),
		"poller":     stats,
	})
}
