// Package peers provides HTTP handlers for the discovered peer table.
package peers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/midimesh/midimesh/internal/api/core"
	"github.com/midimesh/midimesh/internal/discovery"
)

// Handler handles peer-related HTTP requests.
type Handler struct {
	deps *core.Deps
}

// New creates a new peers handler.
func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers the peer endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/peers", h.List)
	g.POST("/peers/sync", h.Sync)
}

// ListResponse wraps the peer table for API responses.
type ListResponse struct {
	Peers []discovery.DiscoveredServer `json:"peers"`
	Count int                          `json:"count"`
}

// List returns every server currently in the peer table, including this
// one.
// GET /peers
func (h *Handler) List(c echo.Context) error {
	var peers []discovery.DiscoveredServer
	if h.deps.Discovery != nil {
		peers = h.deps.Discovery.Peers()
	}
	if peers == nil {
		peers = []discovery.DiscoveredServer{}
	}
	return c.JSON(http.StatusOK, ListResponse{Peers: peers, Count: len(peers)})
}

// Sync runs a peer route reconciliation immediately instead of waiting
// for the periodic pass.
// POST /peers/sync
func (h *Handler) Sync(c echo.Context) error {
	if h.deps.Propagator == nil {
		return c.JSON(http.StatusOK, map[string]any{"created": 0})
	}
	created := h.deps.Propagator.SyncFromPeers(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"created": created})
}
