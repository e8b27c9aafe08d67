package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidbz/relayd/internal/config"
	"github.com/davidbz/relayd/internal/http/middleware"
	"github.com/davidbz/relayd/internal/observability"
)

const shutdownGrace = 5 * time.Second

// Server represents the HTTP server.
type Server struct {
	config      *config.ServerConfig
	handler     *Handler
	middlewares middleware.Middleware
	metrics     *observability.Metrics
	srv         *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.ServerConfig,
	handler *Handler,
	middlewares middleware.Middleware,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		config:      cfg,
		handler:     handler,
		middlewares: middlewares,
		metrics:     metrics,
	}
}

// Routes builds the router with every endpoint and the middleware chain.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	if s.middlewares != nil {
		r.Use(s.middlewares)
	}

	r.Get("/health", s.handler.HandleHealth)
	if s.metrics != nil {
		r.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handler.HandleModels)
		r.Post("/messages", s.handler.HandleMessage)
		r.Delete("/streams/{handleID}", s.handler.HandleCancel)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.handler.HandleHistory)
			r.Delete("/", s.handler.HandleReset)
			r.Post("/messages", s.handler.HandleConversationMessage)
			r.Post("/compare", s.handler.HandleCompare)
		})
	})

	return r
}

// Start serves until ctx is done, then shuts the listener down gracefully.
// Write timeouts default to none so long streams are not cut off.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: time.Duration(s.config.ReadTimeout) * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	logger := observability.FromContext(ctx)
	logger.Info("starting HTTP server", observability.Int("port", s.config.Port))

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
