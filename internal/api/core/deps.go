// Package core contains shared dependencies for API handlers.
package core

import (
	"github.com/midimesh/midimesh/internal/discovery"
	"github.com/midimesh/midimesh/internal/engine"
	"github.com/midimesh/midimesh/internal/history"
	"github.com/midimesh/midimesh/internal/midid"
	"github.com/midimesh/midimesh/internal/portserver"
	"github.com/midimesh/midimesh/internal/propagation"
	"github.com/midimesh/midimesh/internal/realtime"
	"github.com/midimesh/midimesh/internal/store"
)

// Deps holds everything the API handlers need. Passed to handler
// constructors; nil fields degrade the corresponding endpoints rather
// than crash them.
type Deps struct {
	ServerName string

	Routes       *store.RouteStore
	VirtualPorts *store.VirtualPortStore
	Clients      *portserver.Registry
	Engine       *engine.Engine
	Discovery    *discovery.Service
	Propagator   *propagation.Propagator
	Broadcaster  *realtime.Broadcaster
	History      *history.DB
	Midid        *midid.Manager

	// LocalAddress resolves this node's advertised "host:port".
	LocalAddress func() string

	Logf func(format string, args ...any)
}
