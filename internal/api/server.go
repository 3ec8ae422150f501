// Package api exposes the step-up authentication service over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kestrel-sec/kestrel/internal/domain"
	"github.com/kestrel-sec/kestrel/internal/risk"
	"github.com/kestrel-sec/kestrel/internal/stepup"
)

// Server is the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates the API server and wires the routes.
func NewServer(cfg domain.ServerConfig, svc *stepup.Service, engine *risk.Engine, repo domain.Repository, store Pinger, version string) *Server {
	handler := NewHandler(svc, engine, repo, store, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TelemetryMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Transaction evaluation
		r.Post("/transactions/evaluate", handler.EvaluateTransaction)
		r.Get("/transactions/{id}", handler.GetTransaction)

		// One-time code verification
		r.Post("/otp/verify", handler.VerifyOTP)

		// Credential ceremonies
		r.Post("/webauthn/register/start", handler.StartRegistration)
		r.Post("/webauthn/register/finish", handler.FinishRegistration)
		r.Post("/webauthn/authenticate/start", handler.StartAuthentication)
		r.Post("/webauthn/authenticate/finish", handler.FinishAuthentication)

		// Merchant rule management
		r.Get("/merchants/rules", handler.ListMerchantRules)
		r.Get("/merchants/{id}/rules", handler.GetMerchantRules)
		r.Put("/merchants/{id}/rules", handler.PutMerchantRules)
		r.Post("/merchants/rules/reload", handler.ReloadMerchantRules)
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

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
