// Package api provides the HTTP API server for factgraph.
// It uses Echo framework to serve health and readiness endpoints over the
// graph database pool and the search client.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/factgraph/factgraph/internal/config"
	"github.com/factgraph/factgraph/internal/version"
)

// GraphStore is the connection-pool surface the server reports on.
type GraphStore interface {
	Ping(ctx context.Context) error
	Size() int
	Idle() int
}

// SearchStore is the search-client surface the server reports on.
type SearchStore interface {
	Ping(ctx context.Context) error
}

// Server represents the factgraph API server.
type Server struct {
	echo   *echo.Echo
	config *config.Config
	graph  GraphStore
	search SearchStore
	log    zerolog.Logger
}

// New creates a new API server instance.
func New(cfg *config.Config, graph GraphStore, search SearchStore) *Server {
	e := echo.New()

	// Configure Echo
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug

	// Set custom error handler
	e.HTTPErrorHandler = HTTPErrorHandler

	server := &Server{
		echo:   e,
		config: cfg,
		graph:  graph,
		search: search,
		log:    log.With().Str("component", "api").Logger(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	// Request logging through zerolog
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	// Recover middleware
	s.echo.Use(middleware.Recover())

	// Security headers middleware
	s.echo.Use(SecurityHeaders)

	// CORS middleware
	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	// Request ID middleware
	s.echo.Use(middleware.RequestID())

	// Rate limiting
	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}

	// Content-Type validation middleware for API routes
	s.echo.Use(ValidateContentType)
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/", s.healthCheck)
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/ready", s.readinessCheck)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.log.Info().Str("addr", addr).Bool("debug", s.config.Server.Debug).
		Msg("starting API server")

	// Configure server timeouts
	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server. Closing the underlying
// stores is the caller's responsibility; they outlive in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down API server")

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

// healthCheck reports liveness. It never touches the backends, so a broken
// dependency degrades readiness without making the process look dead.
func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "factgraph",
		"version": version.Version,
	})
}

// readinessCheck verifies both backends answer a round trip. Pool gauge
// values are included so operators can spot lease exhaustion.
func (s *Server) readinessCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	deps := map[string]interface{}{
		"surrealdb": map[string]interface{}{
			"status":    "up",
			"pool_size": s.graph.Size(),
			"pool_idle": s.graph.Idle(),
		},
		"elasticsearch": map[string]interface{}{
			"status": "up",
		},
	}
	ready := true

	if err := s.graph.Ping(ctx); err != nil {
		ready = false
		deps["surrealdb"] = map[string]interface{}{
			"status": "down",
			"error":  err.Error(),
		}
	}
	if err := s.search.Ping(ctx); err != nil {
		ready = false
		deps["elasticsearch"] = map[string]interface{}{
			"status": "down",
			"error":  err.Error(),
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}

	return c.JSON(status, map[string]interface{}{
		"status":       state,
		"dependencies": deps,
	})
}

// ServeHTTP allows Server to implement http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
