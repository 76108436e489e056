package engine

import (
	"context"

	"github.com/midimesh/midimesh/internal/portserver"
)

// TriggerSync requests a port reconciliation. At most one pass runs at
// a time; a trigger arriving mid-pass coalesces into a single pending
// flag and re-runs exactly once after the current pass completes. The
// two-state flag (running, pending) deliberately replaces a queue so
// rapid route edits converge with at most one extra pass.
func (e *Engine) TriggerSync() {
	e.mu.Lock()
	if e.syncRunning {
		e.syncPending = true
		e.mu.Unlock()
		return
	}
	e.syncRunning = true
	e.mu.Unlock()

	go e.runSync()
}

func (e *Engine) runSync() {
	for {
		e.syncPorts()

		e.mu.Lock()
		if e.syncPending {
			e.syncPending = false
			e.mu.Unlock()
			continue
		}
		e.syncRunning = false
		e.mu.Unlock()
		return
	}
}

// requiredPort is one entry of the port set the enabled routes demand.
type requiredPort struct {
	portType string
	name     string
	refCount int
}

// syncPorts reconciles the provisioned port set with the enabled route
// set: closes ports no longer required, opens ports newly required, and
// recomputes the status entry for every known route. Port open/close
// calls are fire-and-forget; a failed open never blocks the rest of the
// pass.
func (e *Engine) syncPorts() {
	enabled := e.routes.GetEnabled()

	required := make(map[portKey]*requiredPort)
	add := func(ep portserver.Endpoint, portType string) {
		key := portKey{server: normalizeServer(ep.ServerAddress), portID: ep.PortID}
		if rp, ok := required[key]; ok {
			rp.refCount++
			return
		}
		required[key] = &requiredPort{portType: portType, name: ep.PortName, refCount: 1}
	}
	for _, r := range enabled {
		add(r.Source, portserver.PortTypeInput)
		add(r.Destination, portserver.PortTypeOutput)
	}

	e.mu.Lock()
	var toClose []*openPort
	for key, p := range e.open {
		if _, ok := required[key]; !ok {
			toClose = append(toClose, p)
			delete(e.open, key)
		}
	}
	var toOpen []*openPort
	for key, rp := range required {
		if p, ok := e.open[key]; ok {
			p.refCount = rp.refCount
			continue
		}
		p := &openPort{key: key, portType: rp.portType, name: rp.name, refCount: rp.refCount}
		e.open[key] = p
		toOpen = append(toOpen, p)
	}
	openCount := len(e.open)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), portserver.DefaultRequestTimeout)
	defer cancel()

	for _, p := range toClose {
		if err := e.clients.For(p.key.server).ClosePort(ctx, p.key.portID); err != nil {
			e.logf("engine: close %s on %s: %v", p.key.portID, p.key.server, err)
		}
	}
	for _, p := range toOpen {
		if err := e.clients.For(p.key.server).OpenPort(ctx, p.key.portID, p.name, p.portType); err != nil {
			e.logf("engine: open %s on %s: %v", p.key.portID, p.key.server, err)
		}
	}

	e.metrics.OpenPorts.Set(float64(openCount))
	e.refreshStatuses()
}

// refreshStatuses recomputes the status table against the full route
// set: entries appear for newly known routes, flip between disabled and
// provisioned on toggles, and disappear for deleted routes.
func (e *Engine) refreshStatuses() {
	all := e.routes.GetAll()

	e.mu.Lock()
	var changed []RouteStatus

	known := make(map[string]bool, len(all))
	for _, r := range all {
		known[r.ID] = true

		st, ok := e.statuses[r.ID]
		if !ok {
			st = &RouteStatus{RouteID: r.ID}
			if r.Enabled {
				st.Status = StatusActive
			} else {
				st.Status = StatusDisabled
			}
			e.statuses[r.ID] = st
			changed = append(changed, *st)
			continue
		}

		switch {
		case !r.Enabled && st.Status != StatusDisabled:
			st.Status = StatusDisabled
			st.Error = ""
			changed = append(changed, *st)
		case r.Enabled && st.Status == StatusDisabled:
			st.Status = StatusActive
			st.Error = ""
			changed = append(changed, *st)
		}
	}

	for id := range e.statuses {
		if !known[id] {
			delete(e.statuses, id)
		}
	}
	e.mu.Unlock()

	for _, st := range changed {
		e.recordTransition(st)
		e.publishStatus(st)
	}
}

// normalizeServer collapses the empty address to the local sentinel so
// the open-port table has one key per real port.
func normalizeServer(addr string) string {
	if addr == "" {
		return portserver.LocalServer
	}
	return addr
}
