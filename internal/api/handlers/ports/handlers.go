// Package ports provides HTTP handlers for MIDI port enumeration and
// message I/O. Requests are served against the local native server by
// default; the "server" query parameter targets a peer instead.
package ports

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/midimesh/midimesh/internal/api/core"
	"github.com/midimesh/midimesh/internal/portserver"
)

// Handler handles port-related HTTP requests.
type Handler struct {
	deps *core.Deps
}

// New creates a new ports handler.
func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers the port routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ports", h.List)
	g.POST("/port/:id", h.Open)
	g.DELETE("/port/:id", h.Close)
	g.GET("/port/:id/messages", h.Messages)
	g.POST("/port/:id/send", h.Send)
}

func (h *Handler) client(c echo.Context) portserver.Client {
	if server := c.QueryParam("server"); server != "" {
		return h.deps.Clients.For(server)
	}
	return h.deps.Clients.Local()
}

func fail(c echo.Context, err error) error {
	code := http.StatusBadGateway
	if errors.Is(err, portserver.ErrNotFound) {
		code = http.StatusNotFound
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

// List enumerates MIDI ports.
// GET /ports
func (h *Handler) List(c echo.Context) error {
	list, err := h.client(c).ListPorts(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	if list.Inputs == nil {
		list.Inputs = []portserver.PortInfo{}
	}
	if list.Outputs == nil {
		list.Outputs = []portserver.PortInfo{}
	}
	return c.JSON(http.StatusOK, list)
}

type openRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Open opens a port for reading or writing.
// POST /port/:id
func (h *Handler) Open(c echo.Context) error {
	var req openRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	portID := c.Param("id")
	if req.Type == "" {
		// Infer from the id scheme when the caller omits it.
		if t, _, ok := portserver.ParsePortID(portID); ok {
			req.Type = t
		}
	}

	if err := h.client(c).OpenPort(c.Request().Context(), portID, req.Name, req.Type); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "open"})
}

// Close closes a port.
// DELETE /port/:id
func (h *Handler) Close(c echo.Context) error {
	if err := h.client(c).ClosePort(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "closed"})
}

// Messages drains the queued messages of an open input port. Bytes go
// out as JSON number arrays, matching the native server's encoding.
// GET /port/:id/messages
func (h *Handler) Messages(c echo.Context) error {
	msgs, err := h.client(c).GetMessages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}

	out := make([][]int, 0, len(msgs))
	for _, m := range msgs {
		row := make([]int, len(m))
		for i, b := range m {
			row[i] = int(b)
		}
		out = append(out, row)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": out})
}

type sendRequest struct {
	Message []int `json:"message"`
}

// Send writes one raw MIDI message to an open output port.
// POST /port/:id/send
func (h *Handler) Send(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(req.Message) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}

	msg := make([]byte, len(req.Message))
	for i, v := range req.Message {
		if v < 0 || v > 255 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "message bytes must be 0-255"})
		}
		msg[i] = byte(v)
	}

	if err := h.client(c).SendMessage(c.Request().Context(), c.Param("id"), msg); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}
