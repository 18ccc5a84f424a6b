// Package httpapi serves the read-only admin surface: a health probe, a
// state snapshot, and the WebSocket ingress. It never mutates the
// directory on its own.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"jircd/internal/core"
	"jircd/internal/ws"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	dp   *core.Dispatcher
	name string
}

// New constructs an Echo app with the admin and WebSocket routes. name is
// the human-readable server name reported by /health.
func New(dp *core.Dispatcher, name string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, dp: dp, name: name}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	ws.NewHandler(s.dp).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
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
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Name:    s.name,
		Clients: s.dp.Directory().ConnCount(),
	})
}

type stateResponse struct {
	Clients  int                `json:"clients"`
	Users    []core.UserView    `json:"users"`
	Channels []core.ChannelView `json:"channels"`
}

func (s *Server) handleState(c echo.Context) error {
	users, channels := s.dp.Directory().Snapshot()
	return c.JSON(http.StatusOK, stateResponse{
		Clients:  s.dp.Directory().ConnCount(),
		Users:    users,
		Channels: channels,
	})
}
