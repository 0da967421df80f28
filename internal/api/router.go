package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/printgate/internal/auth"
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

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.require(auth.PermDeviceManage)).Post("/", s.handleRegisterDevice)
				r.With(s.require(auth.PermDeviceRead)).Get("/stats", s.handleDeviceStats)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.require(auth.PermDeviceManage)).Delete("/", s.handleRemoveDevice)
					r.With(s.require(auth.PermDeviceManage)).Post("/connect", s.handleConnectDevice)
					r.With(s.require(auth.PermDeviceOperate)).Post("/commands", s.handleSubmitCommand)
				})
			})

			r.Route("/commands/{id}", func(r chi.Router) {
				r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleGetCommand)
				r.With(s.require(auth.PermDeviceOperate)).Delete("/", s.handleCancelCommand)
			})

			r.With(s.require(auth.PermDeviceRead)).Get(s.streamPath(), s.handleWebSocket)
		})
	})

	return r
}

// streamPath is the websocket route below /api/v1.
func (s *Server) streamPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"devices": st.Total,
	})
}
