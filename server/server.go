// Package server exposes the run service over HTTP with echo.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pithecene-io/namazing/log"
	"github.com/pithecene-io/namazing/metrics"
	"github.com/pithecene-io/namazing/runtime"
	"github.com/pithecene-io/namazing/service"
	"github.com/pithecene-io/namazing/types"
)

// Defaults.
const (
	DefaultAddr      = ":8080"
	DefaultBodyLimit = "64K"
	DefaultHeartbeat = 15 * time.Second
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address (default :8080).
	Addr string
	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string
	// BodyLimit caps request bodies, e.g. "64K".
	BodyLimit string
	// Heartbeat is the idle interval between SSE comments and WebSocket pings.
	Heartbeat time.Duration
}

// Deps are the collaborators the handlers use.
type Deps struct {
	Service   *service.Service
	Registry  *runtime.Registry
	Collector *metrics.Collector
	Logger    *log.Logger
}

// Server is the HTTP boundary.
type Server struct {
	config    Config
	echo      *echo.Echo
	svc       *service.Service
	registry  *runtime.Registry
	collector *metrics.Collector
	logger    *log.Logger
	upgrader  websocket.Upgrader
}

// New creates a server with routes and middleware registered.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("server requires a service")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = DefaultBodyLimit
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}

	s := &Server{
		config:    cfg,
		echo:      echo.New(),
		svc:       deps.Service,
		registry:  deps.Registry,
		collector: deps.Collector,
		logger:    log.OrNop(deps.Logger).Named("server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError

	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger(s.logger))
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.origins(),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}))
	s.echo.Use(middleware.BodyLimit(cfg.BodyLimit))

	s.RegisterRoutes(s.echo)
	return s, nil
}

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/run", s.StartRun)
	e.GET("/run/:runId", s.GetRun)
	e.DELETE("/run/:runId", s.DeleteRun)
	e.GET("/events/:runId", s.StreamEvents)
	e.GET("/ws/:runId", s.StreamWebSocket)
	e.GET("/result/:runId", s.GetResult)

	e.GET("/healthz", s.Health)
	e.GET("/metrics", s.Metrics)
}

// Echo exposes the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.Addr
}

// Start listens and serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("listening", map[string]any{"addr": s.config.Addr})
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) origins() []string {
	if len(s.config.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.config.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// handleError renders errors escaping handlers as JSON.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	} else {
		s.logger.Error("unhandled error", map[string]any{
			"path":  c.Path(),
			"error": err.Error(),
		})
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorBody{Error: msg})
}

// healthBody is returned by /healthz.
type healthBody struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Runs    int    `json:"runs"`
	Running int    `json:"running"`
}

// Health returns liveness and counts of the runs known in memory.
// GET /healthz
func (s *Server) Health(c echo.Context) error {
	body := healthBody{Status: "ok", Version: types.Version}
	if s.registry != nil {
		for _, lr := range s.registry.List() {
			body.Runs++
			if lr.Status() == types.StatusRunning {
				body.Running++
			}
		}
	}
	return c.JSON(http.StatusOK, body)
}

// Metrics returns the counter snapshot.
// GET /metrics
func (s *Server) Metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.collector.Snapshot())
}
