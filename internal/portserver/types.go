// Package portserver implements the wire contract spoken by every MIDI port
// server, local or remote: port enumeration, open/close, message drain/send,
// and proxied route and virtual-port CRUD.
package portserver

import "time"

// LocalServer is the sentinel server address meaning "this instance".
// It is meaningless off-instance and must be rewritten to a concrete
// address before a route leaves this node.
const LocalServer = "local"

// Port types.
const (
	PortTypeInput  = "input"
	PortTypeOutput = "output"
)

// Endpoint identifies one side of a route.
type Endpoint struct {
	// ServerAddress is either LocalServer or the "host:port" of a peer's
	// port server.
	ServerAddress string `json:"serverAddress"`

	// PortID is the stable port identifier on that server, e.g. "input-0"
	// or "virtual:vp-17289...".
	PortID string `json:"portId"`

	// PortName is the human-readable port name at resolution time.
	PortName string `json:"portName,omitempty"`
}

// IsLocal reports whether the endpoint refers to this instance.
func (e Endpoint) IsLocal() bool {
	return e.ServerAddress == "" || e.ServerAddress == LocalServer
}

// Route is a forwarding rule from one input port to one output port,
// possibly across servers. Route ids are globally unique across the
// whole peer set.
type Route struct {
	ID          string   `json:"id"`
	Enabled     bool     `json:"enabled"`
	Source      Endpoint `json:"source"`
	Destination Endpoint `json:"destination"`

	// OwnerPeer is the api address of the peer the route was propagated
	// from, when known. Empty for locally created routes.
	OwnerPeer string `json:"ownerPeer,omitempty"`
}

// VirtualPortConfig declares a software-facing MIDI port that the native
// server should materialize. Owned by this instance only; recreated
// against the native server at startup from the persisted list.
type VirtualPortConfig struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"` // PortTypeInput or PortTypeOutput
	IsAutoCreated     bool      `json:"isAutoCreated"`
	AssociatedRouteID string    `json:"associatedRouteId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// PortInfo describes one enumerated MIDI port.
type PortInfo struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Name  string `json:"name"`
	Type  string `json:"type"`
}

// PortList is the result of enumerating a server's ports.
type PortList struct {
	Inputs  []PortInfo `json:"inputs"`
	Outputs []PortInfo `json:"outputs"`
}

// HealthStatus is the result of a liveness probe.
type HealthStatus struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Version string `json:"version,omitempty"`
}
