// Package api provides the REST API for the study execution service.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/indicate-spe/spe-core/internal/config"
	"github.com/indicate-spe/spe-core/internal/coordinator"
	"github.com/indicate-spe/spe-core/internal/datastore"
	"github.com/indicate-spe/spe-core/internal/registry"
)

// Server is the HTTP server for the study execution API.
type Server struct {
	config  *config.Config
	router  chi.Router
	handler *Handler
}

// NewServer creates a new API server. dataStore may be nil when no
// clinical data store is configured (development mode).
func NewServer(cfg *config.Config, reg *registry.Registry, coord *coordinator.Coordinator, dataStore *datastore.Store) *Server {
	s := &Server{
		config: cfg,
	}

	s.handler = NewHandler(reg, coord, dataStore)
	s.router = s.setupRoutes()

	return s
}

// setupRoutes configures the router with all API routes.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.Server.WriteTimeout))

	// Health check (no auth required)
	r.Get("/health", s.handler.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		if s.config.API.ServiceToken != "" {
			r.Use(s.TokenMiddleware)
		}

		r.Get("/dataset/summary", s.handler.DatasetSummary)

		r.Route("/studies", func(r chi.Router) {
			r.Post("/", s.handler.RegisterStudy)
			r.Get("/", s.handler.ListStudies)
			r.Get("/{id}", s.handler.GetStudy)

			r.Route("/{id}/executions", func(r chi.Router) {
				r.Post("/", s.handler.ExecuteStudy)
				r.Get("/", s.handler.ListExecutions)
				r.Get("/{exec_id}/status", s.handler.ExecutionStatus)
				r.Get("/{exec_id}/results", s.handler.ExecutionResults)
				r.Get("/{exec_id}/logs", s.handler.ExecutionLogs)
			})
		})
	})

	return r
}

// TokenMiddleware requires the configured service token as a bearer
// credential on every API request.
func (s *Server) TokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.API.ServiceToken)) != 1 {
			s.handler.errorResponse(w, "missing or invalid service token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router.
func (s *Server) Router() chi.Router {
	return s.router
}
