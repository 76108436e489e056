// Package api assembles the HTTP surface of the daemon. The same
// contract the local native server speaks is served at the root, so
// peers address this daemon and a bare port server interchangeably.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/midimesh/midimesh/internal/api/core"
	"github.com/midimesh/midimesh/internal/api/handlers/peers"
	"github.com/midimesh/midimesh/internal/api/handlers/ports"
	"github.com/midimesh/midimesh/internal/api/handlers/routes"
	"github.com/midimesh/midimesh/internal/api/handlers/status"
	"github.com/midimesh/midimesh/internal/api/handlers/virtualports"
	"github.com/midimesh/midimesh/internal/metrics"
	"github.com/midimesh/midimesh/internal/realtime"
)

// Server is the daemon's HTTP API server.
type Server struct {
	echo *echo.Echo
	deps *core.Deps
	addr string
}

// Config holds server configuration.
type Config struct {
	Addr     string // e.g. ":8300"
	Metrics  *metrics.Metrics
	Realtime *realtime.Node // optional; enables the websocket endpoint
}

// NewServer creates the API server and registers every route.
func NewServer(deps *core.Deps, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	s := &Server{
		echo: e,
		deps: deps,
		addr: cfg.Addr,
	}

	statusHandler := status.New(deps)
	statusHandler.RegisterHealth(e)

	g := e.Group("")
	ports.New(deps).RegisterRoutes(g)
	routes.New(deps).RegisterRoutes(g)
	virtualports.New(deps).RegisterRoutes(g)
	peers.New(deps).RegisterRoutes(g)
	statusHandler.RegisterRoutes(g)

	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics.Handler()))
	}
	if cfg.Realtime != nil {
		e.GET("/realtime", echo.WrapHandler(cfg.Realtime.WebSocketHandler()))
	}

	return s
}

// Echo exposes the underlying router, for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start begins serving. Blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	err := s.echo.Start(s.addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
