package portserver

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the target server reports that a port or
// route does not exist. Callers treat it as a reprovisioning signal, not
// as a terminal failure.
var ErrNotFound = errors.New("not found")

// ErrServerUnavailable is returned when the target server cannot be
// reached at all (native process not running, connection refused).
var ErrServerUnavailable = errors.New("server unavailable")

// Client talks the port server wire contract to one MIDI-capable server.
// Implementations must be safe for concurrent use; open and close are
// idempotent from the caller's perspective ("already open" and "not
// found" are non-fatal).
type Client interface {
	// Health probes the server for liveness.
	Health(ctx context.Context) (*HealthStatus, error)

	// ListPorts enumerates the server's input and output ports.
	ListPorts(ctx context.Context) (*PortList, error)

	// OpenPort opens a port for reading or writing.
	OpenPort(ctx context.Context, portID, name, portType string) error

	// ClosePort closes a previously opened port.
	ClosePort(ctx context.Context, portID string) error

	// GetMessages drains and returns all raw MIDI messages queued on the
	// port since the previous call. At-most-once delivery per call.
	GetMessages(ctx context.Context, portID string) ([][]byte, error)

	// SendMessage writes one raw MIDI message to the port.
	SendMessage(ctx context.Context, portID string, message []byte) error

	// Route CRUD proxied to the server's own routing store.
	GetRoutes(ctx context.Context) ([]Route, error)
	CreateRoute(ctx context.Context, route Route) error
	UpdateRoute(ctx context.Context, route Route) error
	DeleteRoute(ctx context.Context, routeID string) error

	// Virtual-port CRUD proxied to the server's own store.
	GetVirtualPorts(ctx context.Context) ([]VirtualPortConfig, error)
	CreateVirtualPort(ctx context.Context, vp VirtualPortConfig) error
	DeleteVirtualPort(ctx context.Context, id string) error
}
