// Package status provides the health probe and the aggregate status
// endpoint.
package status

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/midimesh/midimesh/internal/api/core"
	"github.com/midimesh/midimesh/internal/engine"
	"github.com/midimesh/midimesh/internal/midid"
	"github.com/midimesh/midimesh/internal/portserver"
)

// Handler handles status HTTP requests.
type Handler struct {
	deps    *core.Deps
	started time.Time
}

// New creates a new status handler.
func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps, started: time.Now()}
}

// RegisterHealth registers the public health probe. Peers poll it, so it
// lives outside the versioned group.
func (h *Handler) RegisterHealth(e *echo.Echo) {
	e.GET("/health", h.Health)
}

// RegisterRoutes registers the status endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/status", h.Status)
}

// Health answers liveness probes.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, portserver.HealthStatus{
		Status:  "ok",
		Running: true,
	})
}

// StatusResponse is the aggregate daemon status.
type StatusResponse struct {
	ServerName    string               `json:"serverName"`
	Address       string               `json:"address"`
	UptimeSeconds int64                `json:"uptimeSeconds"`
	Midid         midid.Status         `json:"midid"`
	PeerCount     int                  `json:"peerCount"`
	Routes        []engine.RouteStatus `json:"routes"`
}

// Status reports the daemon's aggregate state: native server health,
// peer count, and per-route status.
// GET /status
func (h *Handler) Status(c echo.Context) error {
	resp := StatusResponse{
		ServerName:    h.deps.ServerName,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Routes:        h.deps.Engine.Statuses(),
	}
	if h.deps.LocalAddress != nil {
		resp.Address = h.deps.LocalAddress()
	}
	if h.deps.Midid != nil {
		resp.Midid = h.deps.Midid.Status()
	}
	if h.deps.Discovery != nil {
		resp.PeerCount = len(h.deps.Discovery.RemotePeers())
	}
	if resp.Routes == nil {
		resp.Routes = []engine.RouteStatus{}
	}
	return c.JSON(http.StatusOK, resp)
}
