// Package http serves the metapod command surface over HTTP.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	"github.com/fyrsmithlabs/metapod/internal/resilience"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// Service is the command surface the server exposes.
type Service interface {
	Start(ctx context.Context, req coordinator.StartRequest) (coordinator.Summary, error)
	Resume(ctx context.Context, id string) (coordinator.Summary, error)
	Cancel(ctx context.Context, id string) (coordinator.Summary, error)
	Status(ctx context.Context, id string) (coordinator.Summary, error)
	List(ctx context.Context) ([]session.Info, error)
	Report(ctx context.Context, id string) (string, error)
	Approve(ctx context.Context, requestID string, d autonomy.Decision) (autonomy.Request, error)
	Pending() []autonomy.Request
}

// BreakerSource reports circuit breaker states for /health.
type BreakerSource interface {
	BreakerStates() map[string]resilience.State
}

// Server provides HTTP endpoints for metapod.
type Server struct {
	echo     *echo.Echo
	svc      Service
	breakers BreakerSource
	registry *prometheus.Registry
	logger   *zap.Logger
	config   *Config
	version  string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithBreakers reports breaker states on /health.
func WithBreakers(b BreakerSource) Option {
	return func(s *Server) { s.breakers = b }
}

// WithRegistry serves reg on /metrics instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithVersion reports v on /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e.DefaultHTTPErrorHandler)

	s := &Server{
		echo:   e,
		svc:    svc,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(apiMetrics(logger))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleStart)
	v1.GET("/sessions", s.handleList)
	v1.GET("/sessions/:id", s.handleStatus)
	v1.POST("/sessions/:id/resume", s.handleResume)
	v1.POST("/sessions/:id/cancel", s.handleCancel)
	v1.GET("/sessions/:id/report", s.handleReport)
	v1.GET("/approvals", s.handlePending)
	v1.POST("/approvals/:id", s.handleApprove)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.version}
	if s.breakers != nil {
		resp.Breakers = make(map[string]string)
		for kind, st := range s.breakers.BreakerStates() {
			resp.Breakers[kind] = string(st)
			if st == resilience.StateOpen {
				resp.Status = "degraded"
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStart(c echo.Context) error {
	var req coordinator.StartRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sum, err := s.svc.Start(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sum)
}

func (s *Server) handleList(c echo.Context) error {
	infos, err := s.svc.List(c.Request().Context())
	if err != nil {
		return err
	}
	if infos == nil {
		infos = []session.Info{}
	}
	return c.JSON(http.StatusOK, ListResponse{Sessions: infos})
}

func (s *Server) handleStatus(c echo.Context) error {
	sum, err := s.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleResume(c echo.Context) error {
	sum, err := s.svc.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleCancel(c echo.Context) error {
	sum, err := s.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleReport(c echo.Context) error {
	text, err := s.svc.Report(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(text))
}

func (s *Server) handlePending(c echo.Context) error {
	pending := s.svc.Pending()
	if pending == nil {
		pending = []autonomy.Request{}
	}
	return c.JSON(http.StatusOK, PendingResponse{Approvals: pending})
}

func (s *Server) handleApprove(c echo.Context) error {
	var d autonomy.Decision
	if err := c.Bind(&d); err != nil {
		s.logger.Warn("invalid decision", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	r, err := s.svc.Approve(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
