package engine

import "time"

// Route status values. Transitions are driven purely by poll/forward
// outcomes and by reconciliation; there is no separate health-check
// timer.
const (
	StatusActive   = "active"
	StatusError    = "error"
	StatusDisabled = "disabled"
)

// RouteStatus is the derived, non-persisted health record kept per
// known route. It is created when a route first becomes known to the
// engine and removed when the route is deleted.
type RouteStatus struct {
	RouteID         string     `json:"routeId"`
	Status          string     `json:"status"`
	Error           string     `json:"error,omitempty"`
	MessagesRouted  uint64     `json:"messagesRouted"`
	LastMessageTime *time.Time `json:"lastMessageTime,omitempty"`
}

// portKey identifies a port on a particular server.
type portKey struct {
	server string
	portID string
}

// openPort tracks a port the engine itself opened so it can be closed
// once no enabled route references it. Owned exclusively by the engine.
type openPort struct {
	key      portKey
	portType string
	name     string
	refCount int
}
