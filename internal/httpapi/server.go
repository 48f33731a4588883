// Package httpapi is the Echo application exposing the websocket control
// route and a small read-only admin surface: middleware.Recover, a slog
// request-logging middleware, graceful shutdown on context cancellation.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/thunder45/translate-control-plane/internal/control"
	"github.com/thunder45/translate-control-plane/internal/store"
)

// Server is the Echo application.
type Server struct {
	echo       *echo.Echo
	control    *control.Handler
	store      store.Store
	serverName string
	tlsConfig  *tls.Config
}

// New constructs an Echo app with the websocket control route and the
// admin REST surface. tlsConfig may be nil, in which case Run serves
// plain HTTP — callers that need TLS should pass the config produced by
// generateTLSConfig.
func New(ctl *control.Handler, st store.Store, serverName string, tlsConfig *tls.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, control: ctl, store: st, serverName: serverName, tlsConfig: tlsConfig}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			if path == "/ws" || path == "/healthz" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/api/sessions/:sessionId", s.handleGetSession)
	s.control.Register(s.echo)
}

// Run starts Echo over the given TLS config and blocks until ctx
// cancellation or a startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthzResponse struct {
	Status string `json:"status"`
	Server string `json:"server"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok", Server: s.serverName})
}

type sessionSnapshot struct {
	SessionID      string `json:"sessionId"`
	SourceLanguage string `json:"sourceLanguage"`
	QualityTier    string `json:"qualityTier"`
	IsActive       bool   `json:"isActive"`
	Paused         bool   `json:"paused"`
	ListenerCount  int    `json:"listenerCount"`
	CreatedAt      int64  `json:"createdAt"`
	ExpiresAt      int64  `json:"expiresAt"`
}

func (s *Server) handleGetSession(c echo.Context) error {
	id := c.Param("sessionId")
	session, found, err := s.store.GetSession(c.Request().Context(), id)
	if err != nil {
		slog.Error("admin session lookup failed", "session_id", id, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "session lookup failed")
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sessionSnapshot{
		SessionID:      session.SessionID,
		SourceLanguage: session.SourceLanguage,
		QualityTier:    string(session.QualityTier),
		IsActive:       session.IsActive,
		Paused:         session.Paused,
		ListenerCount:  session.ListenerCount,
		CreatedAt:      session.CreatedAt,
		ExpiresAt:      session.ExpiresAt,
	})
}
