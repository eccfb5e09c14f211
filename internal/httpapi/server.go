// Package httpapi exposes sessions over HTTP: starting runs, inspecting
// state, cancelling, and tailing the event stream over SSE.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
	"github.com/fyrsmithlabs/refinery/internal/session"
)

// Runner starts sessions. Satisfied by *orchestrator.Orchestrator.
type Runner interface {
	Run(ctx context.Context, cfg orchestrator.RunConfig) (*session.Session, error)
}

// Server is the refinery HTTP API.
type Server struct {
	echo   *echo.Echo
	runner Runner
	store  session.Store
	broker *session.Broker
	cfg    *config.Config
	logger *logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewServer creates the API server and registers its routes.
func NewServer(runner Runner, store session.Store, broker *session.Broker, cfg *config.Config, reg *prometheus.Registry, logger *logging.Logger) (*Server, error) {
	if runner == nil || store == nil || broker == nil {
		return nil, fmt.Errorf("runner, store and broker are required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:    e,
		runner:  runner,
		store:   store,
		broker:  broker,
		cfg:     cfg,
		logger:  logger.Named("http"),
		cancels: map[string]context.CancelFunc{},
	}
	s.registerRoutes(reg)
	return s, nil
}

func (s *Server) registerRoutes(reg *prometheus.Registry) {
	s.echo.GET("/healthz", s.handleHealth)
	if reg != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleStartSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.GET("/sessions/:id/events", s.handleStreamEvents)
	v1.DELETE("/sessions/:id", s.handleCancelSession)
}

// StartSessionRequest is the body for POST /api/v1/sessions.
type StartSessionRequest struct {
	ProjectPath string `json:"project_path"`
	Mission     string `json:"mission,omitempty"`
}

// StartSessionResponse acknowledges an accepted run.
type StartSessionResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartSession accepts a run and executes it on a background
// goroutine; the response carries only the session id.
func (s *Server) handleStartSession(c echo.Context) error {
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_path is required")
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel()
		}()
		_, err := s.runner.Run(runCtx, orchestrator.RunConfig{
			SessionID:   id,
			ProjectPath: req.ProjectPath,
			Mission:     req.Mission,
			Preset:      s.cfg.Preset,
			Session:     s.cfg.Session,
		})
		if err != nil {
			s.logger.Warn(runCtx, "session ended with error",
				zap.String("session.id", id), zap.Error(err))
		}
	}()

	return c.JSON(http.StatusAccepted, StartSessionResponse{ID: id})
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions, err := s.store.ListSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing sessions")
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if err == session.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "loading session")
	}
	return c.JSON(http.StatusOK, sess)
}

// handleCancelSession aborts an in-flight session. Cancelling an already
// finished session is a no-op 204.
func (s *Server) handleCancelSession(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request().Context(), id); err != nil {
		if err == session.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "loading session")
	}

	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return c.NoContent(http.StatusNoContent)
}

// handleStreamEvents serves the session's event stream as SSE: stored
// events are replayed first, then live events are tailed until the client
// disconnects or the session reaches a terminal status.
func (s *Server) handleStreamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.store.GetSession(ctx, id); err != nil {
		if err == session.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "loading session")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	// Subscribe before replay so no live event falls into the gap.
	live, unsubscribe := s.broker.Subscribe(id)
	defer unsubscribe()

	stored, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return fmt.Errorf("replaying events: %w", err)
	}
	var maxSeq int64
	for _, ev := range stored {
		if err := writeSSE(res, ev.Payload); err != nil {
			return err
		}
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	res.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case env, ok := <-live:
			if !ok {
				return nil
			}
			// Events published between Subscribe and replay arrive both
			// ways; the sequence number identifies the duplicates.
			if env.Seq > 0 && env.Seq <= maxSeq {
				continue
			}
			payload, err := session.Encode(env.Event)
			if err != nil {
				s.logger.Warn(ctx, "dropping unencodable event", zap.Error(err))
				continue
			}
			if err := writeSSE(res, payload); err != nil {
				return nil
			}
			res.Flush()
			if env.Event.Kind() == session.KindResult {
				return nil
			}
		}
	}
}

func writeSSE(res *echo.Response, payload []byte) error {
	_, err := fmt.Fprintf(res, "data: %s\n\n", payload)
	return err
}

// Start runs the server until ctx is cancelled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info(ctx, "http server started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	for _, cancelRun := range s.cancels {
		cancelRun()
	}
	s.mu.Unlock()

	return s.echo.Shutdown(shutdownCtx)
}
