// Package api exposes the router over HTTP for serve mode.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/switchyard/internal/auth"
	"github.com/mattjoyce/switchyard/internal/dispatch"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/registry"
)

// Dispatcher runs one raw command.
type Dispatcher interface {
	Dispatch(ctx context.Context, input string) *dispatch.Result
}

// Registry serves and rebuilds the routing table.
type Registry interface {
	Current() *registry.Table
	Rediscover(ctx context.Context) (*registry.Table, error)
}

// EventSource is the read side of the events hub.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token for every /v1 endpoint. Tokens grant
	// narrower scopes. With neither set, /v1 is closed.
	APIKey string
	Tokens []auth.TokenConfig
	// MaxConcurrent bounds dispatches running through the API at once.
	MaxConcurrent int
	// MaxTimeout caps the per-request timeout; zero means uncapped.
	MaxTimeout time.Duration
	// DefaultTimeout applies when a request names none.
	DefaultTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	dispatcher Dispatcher
	registry   Registry
	events     EventSource
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	slots      chan struct{}
}

// New creates an API server.
func New(config Config, d Dispatcher, reg Registry, ev EventSource, logger *slog.Logger) *Server {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 16
	}
	return &Server{
		config:     config,
		dispatcher: d,
		registry:   reg,
		events:     ev,
		logger:     logger,
		startedAt:  time.Now(),
		slots:      make(chan struct{}, config.MaxConcurrent),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: dispatches and the event stream are long-lived.
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeDispatch)).Post("/dispatch", s.handleDispatch)
		r.With(s.requireScopes(auth.ScopeAppsRO)).Get("/apps", s.handleListApps)
		r.With(s.requireScopes(auth.ScopeAppsRO)).Get("/apps/{app}", s.handleGetApp)
		r.With(s.requireScopes(auth.ScopeAppsRW)).Post("/apps/rediscover", s.handleRediscover)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		r.Get("/openapi.json", s.handleOpenAPI)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
