package realtime

import (
	"log"
	"time"
)

// Broadcaster is the single place the routing subsystem hands events to.
// It publishes to the realtime node when one is attached and always
// emits a human-readable status line to the log sink.
type Broadcaster struct {
	node *Node
	logf func(format string, args ...any)
}

// NewBroadcaster creates a broadcaster. node may be nil (headless runs,
// tests); events then only reach the log sink.
func NewBroadcaster(node *Node) *Broadcaster {
	return &Broadcaster{
		node: node,
		logf: log.Printf,
	}
}

// SetLogf sets a custom logging function.
func (b *Broadcaster) SetLogf(logf func(format string, args ...any)) {
	b.logf = logf
}

// Publish sends one event.
func (b *Broadcaster) Publish(eventType string, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any)
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if b.node != nil {
		if err := b.node.Publish(eventType, payload); err != nil {
			b.logf("realtime: %v", err)
		}
	}
}

// PublishRouteEvent publishes a route-scoped event.
func (b *Broadcaster) PublishRouteEvent(eventType, routeID string, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["routeId"] = routeID
	b.Publish(eventType, payload)
}

// Event types published by the subsystem.
const (
	EventRouteCreated       = "route.created"
	EventRouteUpdated       = "route.updated"
	EventRouteDeleted       = "route.deleted"
	EventRouteStatusChanged = "route.status_changed"
	EventMessageRouted      = "route.message_routed"
)
