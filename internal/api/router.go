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
	r.Use(s.bodySizeLimitMiddleware)

	// Agent WebSocket endpoint. Mounted outside /api/v1 so agents keep a
	// stable path across API versions.
	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.gateway.HandleAgent)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Device endpoints
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/stats", s.handleDeviceStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/command", s.handleDeviceCommand)
			})
		})

		// Task endpoints
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/stats", s.handleTaskStats)
			r.Post("/upgrade", s.handleCreateUpgradeTask)
			r.Post("/rollback", s.handleCreateRollbackTask)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/execute", s.handleExecuteTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/retry", s.handleRetryTask)
			})
		})
	})

	return r
}

// handleHealth returns the server health status with fleet counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"devices": map[string]int{
			"total":  stats.Total,
			"online": stats.Online,
		},
	})
}
