// Package api exposes run submission, inspection and event streaming over
// HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/pipeline"
)

const (
	DefaultAddr      = "127.0.0.1:7070"
	defaultKeepalive = 15 * time.Second
)

type Server struct {
	svc       *pipeline.Service
	addr      string
	stream    []observe.AdapterOption
	keepalive time.Duration
	logger    logr.Logger
	upgrader  websocket.Upgrader

	echo *echo.Echo
	once sync.Once
}

type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) {
		if strings.TrimSpace(addr) != "" {
			s.addr = addr
		}
	}
}

// WithStreamOptions sets the default event filter of the streaming
// endpoints. Query parameters can widen it per request.
func WithStreamOptions(opts ...observe.AdapterOption) Option {
	return func(s *Server) { s.stream = opts }
}

func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepalive = d
		}
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(svc *pipeline.Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("pipeline service is required")
	}
	s := &Server{
		svc:       svc,
		addr:      DefaultAddr,
		keepalive: defaultKeepalive,
		logger:    logr.Discard(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware("agentcrew.api")))
	s.RegisterRoutes(e)
	s.echo = e
	return s, nil
}

// RegisterRoutes registers the run routes on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.Health)

	runs := e.Group("/api/v1/runs")
	runs.POST("", s.CreateRun)
	runs.GET("/:threadId", s.GetRun)
	runs.DELETE("/:threadId", s.DeleteRun)
	runs.GET("/:threadId/checkpoints", s.ListCheckpoints)
	runs.POST("/:threadId/resume", s.ResumeRun)
	runs.POST("/:threadId/cancel", s.CancelRun)
	runs.GET("/:threadId/events", s.StreamEvents)
	runs.GET("/:threadId/ws", s.StreamWebSocket)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		err := s.echo.Start(s.addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		if err := s.Close(); err != nil {
			s.logger.Error(err, "api shutdown failed")
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.echo.Shutdown(shutdownCtx)
	})
	return outErr
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func errorJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}
