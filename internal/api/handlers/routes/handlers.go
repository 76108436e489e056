// Package routes provides HTTP handlers for route CRUD. Every mutation
// persists first, then triggers engine reconciliation, then replicates
// to peers best-effort. A peer's own push carries the origin header and
// is not replicated again; the persisted ownerPeer field is provenance
// only, so editing an adopted route still fans out.
package routes

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/midimesh/midimesh/internal/api/core"
	"github.com/midimesh/midimesh/internal/history"
	"github.com/midimesh/midimesh/internal/portserver"
	"github.com/midimesh/midimesh/internal/realtime"
	"github.com/midimesh/midimesh/internal/store"
)

// Handler handles route-related HTTP requests.
type Handler struct {
	deps *core.Deps
}

// New creates a new routes handler.
func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers the route endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/routes", h.List)
	g.POST("/routes", h.Create)
	g.GET("/routes/:id", h.Get)
	g.PUT("/routes/:id", h.Update)
	g.DELETE("/routes/:id", h.Delete)
	g.GET("/routes/:id/status", h.Status)
	g.GET("/routes/:id/history", h.History)
}

// validate rejects routes the engine could never act on. Unknown port
// ids are allowed; they surface as route errors, not request errors.
func validate(route portserver.Route) error {
	if route.Source.PortID == "" {
		return errors.New("source portId is required")
	}
	if route.Destination.PortID == "" {
		return errors.New("destination portId is required")
	}
	if route.Source == route.Destination {
		return errors.New("source and destination must differ")
	}
	return nil
}

// pushOrigin returns the advertised address of the peer whose push
// produced this request, or "" for an operator-originated request. The
// persisted ownerPeer field is deliberately not consulted: clients PUT
// back objects exactly as fetched, so a stored marker cannot
// distinguish an echo from a genuine local edit.
func pushOrigin(c echo.Context) string {
	return c.Request().Header.Get(portserver.OriginHeader)
}

func (h *Handler) record(routeID, eventType, status, detail string) {
	if h.deps.History == nil {
		return
	}
	if _, err := h.deps.History.RecordRouteEvent(routeID, eventType, status, detail); err != nil {
		h.deps.Logf("routes: record %s for %s: %v", eventType, routeID, err)
	}
}

// List returns every stored route.
// GET /routes
func (h *Handler) List(c echo.Context) error {
	all := h.deps.Routes.GetAll()
	if all == nil {
		all = []portserver.Route{}
	}
	return c.JSON(http.StatusOK, map[string]any{"routes": all})
}

// Get returns one route.
// GET /routes/:id
func (h *Handler) Get(c echo.Context) error {
	route, ok := h.deps.Routes.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "route not found"})
	}
	return c.JSON(http.StatusOK, route)
}

// Create stores a new route and brings it live.
// POST /routes
func (h *Handler) Create(c echo.Context) error {
	var route portserver.Route
	if err := c.Bind(&route); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := validate(route); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if route.ID == "" {
		route.ID = store.NewPrefixedID("rt")
	}

	if err := h.deps.Routes.Create(route); err != nil {
		if errors.Is(err, store.ErrExists) {
			return c.JSON(http.StatusConflict, map[string]string{"error": fmt.Sprintf("route %s already exists", route.ID)})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	h.deps.Engine.TriggerSync()
	h.record(route.ID, history.EventRouteCreated, "", "")
	if h.deps.Broadcaster != nil {
		h.deps.Broadcaster.PublishRouteEvent(realtime.EventRouteCreated, route.ID, map[string]any{"route": route})
	}

	// Replicate only operations that originated here; the origin header
	// means a peer already fanned this out.
	if origin := pushOrigin(c); origin == "" && h.deps.Propagator != nil {
		h.deps.Propagator.PushCreate(route, origin)
	}

	return c.JSON(http.StatusCreated, route)
}

// Update replaces a stored route.
// PUT /routes/:id
func (h *Handler) Update(c echo.Context) error {
	var route portserver.Route
	if err := c.Bind(&route); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	route.ID = c.Param("id")
	if err := validate(route); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if err := h.deps.Routes.Update(route); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "route not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	h.deps.Engine.TriggerSync()
	h.record(route.ID, history.EventRouteUpdated, "", "")
	if h.deps.Broadcaster != nil {
		h.deps.Broadcaster.PublishRouteEvent(realtime.EventRouteUpdated, route.ID, map[string]any{"route": route})
	}
	if origin := pushOrigin(c); origin == "" && h.deps.Propagator != nil {
		h.deps.Propagator.PushUpdate(route, origin)
	}

	return c.JSON(http.StatusOK, route)
}

// Delete removes a route and any virtual ports created for it.
// DELETE /routes/:id
func (h *Handler) Delete(c echo.Context) error {
	id := c.Param("id")
	if err := h.deps.Routes.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "route not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if h.deps.VirtualPorts != nil {
		for _, vp := range h.deps.VirtualPorts.DeleteByRoute(id) {
			ctx := c.Request().Context()
			if err := h.deps.Clients.Local().DeleteVirtualPort(ctx, vp.ID); err != nil {
				h.deps.Logf("routes: delete virtual port %s for route %s: %v", vp.ID, id, err)
			}
		}
	}

	h.deps.Engine.TriggerSync()
	h.record(id, history.EventRouteDeleted, "", "")
	if h.deps.Broadcaster != nil {
		h.deps.Broadcaster.PublishRouteEvent(realtime.EventRouteDeleted, id, nil)
	}
	if origin := pushOrigin(c); origin == "" && h.deps.Propagator != nil {
		h.deps.Propagator.PushDelete(id, origin)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// Status returns the engine's health record for one route.
// GET /routes/:id/status
func (h *Handler) Status(c echo.Context) error {
	id := c.Param("id")
	if _, ok := h.deps.Routes.Get(id); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "route not found"})
	}
	st, ok := h.deps.Engine.Status(id)
	if !ok {
		// Stored but not yet reconciled.
		return c.JSON(http.StatusOK, map[string]any{"routeId": id, "status": "pending"})
	}
	return c.JSON(http.StatusOK, st)
}

// History returns the recorded events for one route, newest first.
// GET /routes/:id/history
func (h *Handler) History(c echo.Context) error {
	if h.deps.History == nil {
		return c.JSON(http.StatusOK, map[string]any{"events": []any{}})
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
	}

	events, err := h.deps.History.ListRouteEvents(c.Param("id"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		item := map[string]any{
			"id":        ev.ID,
			"eventType": ev.EventType,
			"createdAt": ev.CreatedAt,
		}
		if ev.Status.Valid {
			item["status"] = ev.Status.String
		}
		if ev.Detail.Valid {
			item["detail"] = ev.Detail.String
		}
		out = append(out, item)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": out})
}
