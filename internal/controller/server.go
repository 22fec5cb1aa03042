// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"labplane/internal/auth"
	"labplane/internal/controller/handlers"
	"labplane/internal/controller/middleware"
)

// Options configures a controller server.
type Options struct {
	Addr string
	Keys *auth.KeyRing
	// RateLimit is the per-user request rate in requests per second. 0 is unlimited.
	RateLimit      float64
	RateLimitBurst int
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(opts Options, store handlers.Store, logger *slog.Logger) *Server {
	h := handlers.New(store, logger)
	authMW := middleware.AuthMiddleware(opts.Keys)
	rateMW := middleware.NewRateLimiter(opts.RateLimit, opts.RateLimitBurst).Middleware()

	protected := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Public authenticated apis
	mux.Handle("POST /invocations", protected(h.CreateInvocation))
	mux.Handle("POST /invocations/{id}/stop", protected(h.StopInvocation))
	mux.Handle("GET /executions/{id}", protected(h.GetExecution))
	mux.Handle("GET /executions/{id}/messages", protected(h.GetMessages))
	mux.Handle("GET /labs/{id}", protected(h.GetLab))

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      middleware.RequestLogger(logger)(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the root handler, routes and middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
