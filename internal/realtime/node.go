// Package realtime streams routing and discovery events to dashboard
// clients over Centrifuge websockets.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/centrifugal/centrifuge"
)

// Node wraps a Centrifuge node for real-time event delivery. Peer trust
// is assumed on the local network, so clients connect anonymously.
type Node struct {
	node *centrifuge.Node
	logf func(format string, args ...any)
}

// Config holds configuration for the realtime node.
type Config struct {
	// ClientQueueMaxSize is the max bytes buffered per client before
	// disconnect (default 1MB).
	ClientQueueMaxSize int

	// ClientChannelLimit is the max channels per client (default 32).
	ClientChannelLimit int
}

// NewNode creates a new Centrifuge node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.ClientQueueMaxSize == 0 {
		cfg.ClientQueueMaxSize = 1024 * 1024
	}
	if cfg.ClientChannelLimit == 0 {
		cfg.ClientChannelLimit = 32
	}

	node, err := centrifuge.New(centrifuge.Config{
		LogLevel:           centrifuge.LogLevelError,
		ClientQueueMaxSize: cfg.ClientQueueMaxSize,
		ClientChannelLimit: cfg.ClientChannelLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	n := &Node{node: node, logf: log.Printf}
	n.setupHandlers()
	return n, nil
}

func (n *Node) setupHandlers() {
	n.node.OnConnecting(func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
		// LAN trust model: anonymous clients, auto-subscribed to the
		// global event stream.
		return centrifuge.ConnectReply{
			Credentials: &centrifuge.Credentials{UserID: ""},
			Subscriptions: map[string]centrifuge.SubscribeOptions{
				"global": {},
			},
		}, nil
	})

	n.node.OnConnect(func(client *centrifuge.Client) {
		client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
			if !validChannel(e.Channel) {
				cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
				return
			}
			cb(centrifuge.SubscribeReply{}, nil)
		})
	})
}

// validChannel limits subscriptions to the channels this node publishes.
func validChannel(channel string) bool {
	if channel == "global" || channel == "routes" || channel == "peers" {
		return true
	}
	return strings.HasPrefix(channel, "route:")
}

// Run starts the Centrifuge node.
func (n *Node) Run() error {
	return n.node.Run()
}

// Shutdown gracefully stops the node.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.node.Shutdown(ctx)
}

// WebSocketHandler returns the HTTP handler for websocket connections.
func (n *Node) WebSocketHandler() http.Handler {
	return centrifuge.NewWebsocketHandler(n.node, centrifuge.WebsocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	})
}

// Publish fans an event out to the channels it belongs on.
func (n *Node) Publish(eventType string, payload map[string]any) error {
	payload["type"] = eventType
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	for _, channel := range routeEvent(eventType, payload) {
		if _, err := n.node.Publish(channel, data); err != nil {
			n.logf("realtime: publish to %s: %v", channel, err)
		}
	}
	return nil
}

// routeEvent determines which channels an event is published to.
func routeEvent(eventType string, payload map[string]any) []string {
	channels := []string{"global"}

	switch {
	case strings.HasPrefix(eventType, "route."):
		channels = append(channels, "routes")
		if routeID, ok := payload["routeId"].(string); ok && routeID != "" {
			channels = append(channels, "route:"+routeID)
		}
	case strings.HasPrefix(eventType, "peer."):
		channels = append(channels, "peers")
	}
	return channels
}
