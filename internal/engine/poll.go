package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/midimesh/midimesh/internal/portserver"
)

func (e *Engine) pollLoop() {
	defer e.loopDone.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.pollOnce()
		}
	}
}

// sourceGroup holds every enabled route sharing one source port, so the
// source is polled once per tick regardless of fan-out.
type sourceGroup struct {
	key    portKey
	routes []portserver.Route
}

func (e *Engine) groupBySource() []sourceGroup {
	enabled := e.routes.GetEnabled()

	byKey := make(map[portKey]*sourceGroup)
	var order []portKey
	for _, r := range enabled {
		key := portKey{server: normalizeServer(r.Source.ServerAddress), portID: r.Source.PortID}
		g, ok := byKey[key]
		if !ok {
			g = &sourceGroup{key: key}
			byKey[key] = g
			order = append(order, key)
		}
		g.routes = append(g.routes, r)
	}

	out := make([]sourceGroup, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// pollOnce drains every distinct source once and fans messages out.
// Groups poll concurrently so one slow peer does not stall the rest; a
// tick overlapping a still-running poll of a previous tick is fine
// because GetMessages drains rather than peeks.
func (e *Engine) pollOnce() {
	for _, g := range e.groupBySource() {
		go e.pollGroup(g)
	}
}

func (e *Engine) pollGroup(g sourceGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), portserver.DefaultRequestTimeout)
	defer cancel()

	messages, err := e.clients.For(g.key.server).GetMessages(ctx, g.key.portID)
	if err != nil {
		e.metrics.PollFailures.Inc()
		for _, r := range g.routes {
			e.markError(r.ID, err.Error())
		}
		e.logPollError(g.key, err)
		// A vanished source (native server restart, unplugged device)
		// is reprovisioned the same way a vanished destination is.
		e.maybeReopenPort(g.key, g.routes[0].Source.PortName, portserver.PortTypeInput, err)
		return
	}

	for _, msg := range messages {
		for _, r := range g.routes {
			e.forward(ctx, r, msg)
		}
	}
}

func (e *Engine) forward(ctx context.Context, route portserver.Route, message []byte) {
	dst := route.Destination
	dstServer := normalizeServer(dst.ServerAddress)

	err := e.clients.For(dstServer).SendMessage(ctx, dst.PortID, message)
	if err != nil {
		e.metrics.ForwardFailures.Inc()
		e.markError(route.ID, err.Error())
		e.maybeReopenPort(portKey{server: dstServer, portID: dst.PortID}, dst.PortName, portserver.PortTypeOutput, err)
		return
	}

	e.markRouted(route.ID)
}

// markRouted records a successful forward and emits the status-changed
// and message-routed events.
func (e *Engine) markRouted(routeID string) {
	now := e.now()

	e.mu.Lock()
	st, ok := e.statuses[routeID]
	if !ok {
		st = &RouteStatus{RouteID: routeID}
		e.statuses[routeID] = st
	}
	wasActive := st.Status == StatusActive
	st.Status = StatusActive
	st.Error = ""
	st.MessagesRouted++
	st.LastMessageTime = &now
	snapshot := *st
	e.mu.Unlock()

	e.metrics.MessagesRouted.WithLabelValues(routeID).Inc()
	if !wasActive {
		e.recordTransition(snapshot)
	}
	e.publishStatus(snapshot)
	if e.events != nil {
		e.events.PublishRouteEvent("route.message_routed", routeID, map[string]any{
			"messagesRouted": snapshot.MessagesRouted,
		})
	}
}

// markError degrades one route to the error status. Status updates are
// never throttled; only poll-failure logging is.
func (e *Engine) markError(routeID, message string) {
	e.mu.Lock()
	st, ok := e.statuses[routeID]
	if !ok {
		st = &RouteStatus{RouteID: routeID}
		e.statuses[routeID] = st
	}
	wasError := st.Status == StatusError
	alreadySame := wasError && st.Error == message
	st.Status = StatusError
	st.Error = message
	snapshot := *st
	e.mu.Unlock()

	// Record the first degradation only; a changed error message on an
	// already-degraded route is published but not re-recorded.
	if !wasError {
		e.recordTransition(snapshot)
	}
	if !alreadySame {
		e.publishStatus(snapshot)
	}
}

// logPollError logs a source poll failure at most once per
// PollErrorLogWindow per source, so an offline peer does not flood the
// operational logs.
func (e *Engine) logPollError(key portKey, err error) {
	now := e.now()

	e.mu.Lock()
	last, seen := e.lastPollErrLog[key]
	if seen && now.Sub(last) < e.config.PollErrorLogWindow {
		e.mu.Unlock()
		return
	}
	e.lastPollErrLog[key] = now
	e.mu.Unlock()

	e.logf("engine: poll %s on %s: %v", key.portID, key.server, err)
}

// maybeReopenPort attempts one re-open of a port when a poll or forward
// failure suggests it is missing or its server just came back,
// rate-limited per (server, port) by the reopen cooldown to avoid a
// reconnect storm against a server that is down. Not-found is treated
// as a signal to reprovision, never as terminal.
func (e *Engine) maybeReopenPort(key portKey, name, portType string, cause error) {
	if !indicatesMissingPort(cause) {
		return
	}

	now := e.now()

	e.mu.Lock()
	last, seen := e.reopenAt[key]
	if seen && now.Sub(last) < e.config.ReopenCooldown {
		e.mu.Unlock()
		return
	}
	e.reopenAt[key] = now
	e.mu.Unlock()

	e.metrics.PortReopens.Inc()
	e.logf("engine: reopening %s on %s after: %v", key.portID, key.server, cause)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), portserver.DefaultRequestTimeout)
		defer cancel()
		if err := e.clients.For(key.server).OpenPort(ctx, key.portID, name, portType); err != nil {
			e.logf("engine: reopen %s on %s: %v", key.portID, key.server, err)
		}
	}()
}

// indicatesMissingPort reports whether a failure looks like a missing
// port or unreachable server rather than a malformed request.
func indicatesMissingPort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, portserver.ErrNotFound) || errors.Is(err, portserver.ErrServerUnavailable) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range []string{
		"not found",
		"not open",
		"no such port",
		"connection refused",
		"connection reset",
		"unavailable",
		"timeout",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
