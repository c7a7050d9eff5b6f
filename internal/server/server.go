// Package server assembles the HTTP surface: the interception proxy under
// /proxy, the collaborator REST API under /api, plus health and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentguard/agentguard/internal/telemetry"
)

const apiTimeout = 30 * time.Second

type Server struct {
	Router *chi.Mux
	http   *http.Server
	logger *slog.Logger
}

// New builds the router. The proxy mount carries no request timeout; the
// interceptor governs its own upstream deadline and must keep running after a
// caller disconnect to finish the audit record.
func New(port int, logger *slog.Logger, proxy http.Handler, api http.Handler, metrics http.Handler) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, telemetry.ServiceName)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Mount("/proxy", proxy)
	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(apiTimeout))
		r.Mount("/api", api)
	})

	return &Server{
		Router: r,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving requests until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.http.Shutdown(ctx)
}
