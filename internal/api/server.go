// Package api exposes the pipeline over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/orchestrator"
)

// Pipeline is the engine surface the API drives.
type Pipeline interface {
	Run(ctx context.Context, req orchestrator.Request, out orchestrator.Emitter) (*orchestrator.Outcome, error)
	Start(ctx context.Context, req orchestrator.Request, out orchestrator.Emitter) (string, <-chan struct{}, error)
	Repair(ctx context.Context, req orchestrator.RepairRequest) ([]string, error)
	Deploy(ctx context.Context, projectID, name string) (string, error)
	Sessions() []orchestrator.SessionInfo
	Session(id string) (orchestrator.SessionInfo, bool)
	Hub() *orchestrator.Hub
}

// Memory is the part of the memory store served by the API.
type Memory interface {
	ListSuccesses(ctx context.Context, userID string, limit int) ([]models.Success, error)
	GetPreference(ctx context.Context, scope, key string) (string, bool, error)
	SetPreference(ctx context.Context, scope, key, value string) error
	Preferences(ctx context.Context, scope string) (map[string]string, error)
	SaveWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, userID, name string) (*models.Workflow, error)
	Mode() string
}

type Config struct {
	Addr string
	// ProjectsDir is served under /projects.
	ProjectsDir string
	// WriteTimeout bounds each WebSocket event write.
	WriteTimeout time.Duration
	// AllowOrigins for CORS; empty allows any origin.
	AllowOrigins []string
}

type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	memory   Memory
	logger   *zap.Logger
	config   Config
}

func NewServer(p Pipeline, m Memory, logger *zap.Logger, cfg Config) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	if m == nil {
		return nil, errors.New("memory cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, pipeline: p, memory: m, logger: logger, config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/ws", s.handleSessionSocket)
	s.echo.POST("/sessions", s.handleStartSession)
	s.echo.GET("/sessions", s.handleListSessions)
	s.echo.GET("/sessions/:id", s.handleGetSession)
	s.echo.GET("/sessions/:id/events", s.handleSessionEvents)

	s.echo.POST("/debug", s.handleDebug)
	s.echo.POST("/deploy", s.handleDeploy)
	s.echo.GET("/projects/list", s.handleListProjects)
	if s.config.ProjectsDir != "" {
		s.echo.Static("/projects", s.config.ProjectsDir)
	}

	s.echo.GET("/preferences", s.handleListPreferences)
	s.echo.GET("/preferences/:key", s.handleGetPreference)
	s.echo.PUT("/preferences/:key", s.handlePutPreference)
	s.echo.GET("/workflows/:name", s.handleGetWorkflow)
	s.echo.PUT("/workflows/:name", s.handlePutWorkflow)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

type HealthResponse struct {
	Status string `json:"status"`
	Memory string `json:"memory"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Memory: s.memory.Mode()})
}

func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
