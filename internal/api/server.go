package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(MetricsMiddleware)      // Request latency histogram
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Ops endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(AnalystMiddleware)

		// Payment scoring
		r.Post("/payments", handler.SubmitPayment)
		r.Post("/payments/async", handler.SubmitPaymentAsync)
		r.Get("/payments/{id}", handler.GetPayment)
		r.Get("/payments/{id}/score", handler.GetScore)

		// Review queue
		r.Get("/alerts", handler.ListAlerts)
		r.Post("/alerts/next/claim", handler.ClaimNextAlert)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/claim", handler.ClaimAlert)
		r.Post("/alerts/{id}/release", handler.ReleaseAlert)
		r.Post("/alerts/{id}/resolve", handler.ResolveAlert)
		r.Post("/alerts/{id}/reopen", handler.ReopenAlert)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Recalibration
		r.Get("/policy", handler.GetPolicy)
		r.Get("/policy/proposals", handler.ListProposals)
		r.Post("/policy/recalibrate", handler.Recalibrate)
		r.Post("/policy/activate", handler.ActivatePolicy)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
