// Package virtualports provides HTTP handlers for declaring and removing
// software-facing MIDI ports. Declarations persist locally and are
// materialized against the native server.
package virtualports

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/midimesh/midimesh/internal/api/core"
	"github.com/midimesh/midimesh/internal/portserver"
	"github.com/midimesh/midimesh/internal/store"
)

// Handler handles virtual-port HTTP requests.
type Handler struct {
	deps *core.Deps
}

// New creates a new virtual-ports handler.
func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers the virtual-port endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/virtual-ports", h.List)
	g.POST("/virtual-ports", h.Create)
	g.DELETE("/virtual-ports/:id", h.Delete)
}

// List returns every declared virtual port.
// GET /virtual-ports
func (h *Handler) List(c echo.Context) error {
	all := h.deps.VirtualPorts.GetAll()
	if all == nil {
		all = []portserver.VirtualPortConfig{}
	}
	return c.JSON(http.StatusOK, map[string]any{"virtualPorts": all})
}

// Create declares a virtual port and materializes it.
// POST /virtual-ports
func (h *Handler) Create(c echo.Context) error {
	var vp portserver.VirtualPortConfig
	if err := c.Bind(&vp); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if vp.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}
	if vp.Type != portserver.PortTypeInput && vp.Type != portserver.PortTypeOutput {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type must be input or output"})
	}
	if vp.ID == "" {
		vp.ID = store.NewPrefixedID("vp")
	}
	if vp.CreatedAt.IsZero() {
		vp.CreatedAt = time.Now().UTC()
	}

	if err := h.deps.VirtualPorts.Create(vp); err != nil {
		if errors.Is(err, store.ErrExists) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "virtual port already exists"})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	// The declaration persists even when materialization fails; the
	// engine retries it on the next start.
	if err := h.deps.Clients.Local().CreateVirtualPort(c.Request().Context(), vp); err != nil {
		h.deps.Logf("virtualports: materialize %q: %v", vp.Name, err)
	}

	return c.JSON(http.StatusCreated, vp)
}

// Delete removes a declared virtual port.
// DELETE /virtual-ports/:id
func (h *Handler) Delete(c echo.Context) error {
	id := c.Param("id")
	if err := h.deps.VirtualPorts.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "virtual port not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if err := h.deps.Clients.Local().DeleteVirtualPort(c.Request().Context(), id); err != nil {
		h.deps.Logf("virtualports: remove %s from native server: %v", id, err)
	}

	h.deps.Engine.TriggerSync()
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
