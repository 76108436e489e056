// Package engine provisions MIDI ports for enabled routes and
// continuously relays messages from route sources to route
// destinations, tracking per-route health.
package engine

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/midimesh/midimesh/internal/metrics"
	"github.com/midimesh/midimesh/internal/portserver"
)

// Defaults for the engine timers. All of them are configuration, not
// constants; see Config.
const (
	DefaultPollInterval       = 50 * time.Millisecond
	DefaultReopenCooldown     = 5 * time.Second
	DefaultPollErrorLogWindow = time.Minute
)

// RouteSource supplies the engine's view of the route table.
type RouteSource interface {
	GetAll() []portserver.Route
	GetEnabled() []portserver.Route
}

// VirtualPortSource supplies the persisted virtual-port declarations.
type VirtualPortSource interface {
	GetAll() []portserver.VirtualPortConfig
}

// ClientSource resolves a port server client per server address.
type ClientSource interface {
	For(addr string) portserver.Client
}

// Publisher receives engine events.
type Publisher interface {
	Publish(event string, payload map[string]any)
	PublishRouteEvent(event, routeID string, payload map[string]any)
}

// Config holds the engine's tunables.
type Config struct {
	// PollInterval is the poll/forward tick. Fast, to keep perceived
	// MIDI latency low.
	PollInterval time.Duration

	// ReopenCooldown is the minimum gap between re-open attempts for
	// the same destination port after forward failures.
	ReopenCooldown time.Duration

	// PollErrorLogWindow throttles poll-failure logging per source.
	// Status updates are never throttled.
	PollErrorLogWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReopenCooldown <= 0 {
		c.ReopenCooldown = DefaultReopenCooldown
	}
	if c.PollErrorLogWindow <= 0 {
		c.PollErrorLogWindow = DefaultPollErrorLogWindow
	}
}

// Engine is the routing engine. No failure inside it is process-fatal:
// every network error degrades only the affected routes to the error
// status and is retried on a later tick or cooldown window.
type Engine struct {
	routes       RouteSource
	virtualPorts VirtualPortSource
	clients      ClientSource
	events       Publisher
	metrics      *metrics.Metrics
	config       Config
	logf         func(format string, args ...any)
	now          func() time.Time

	// recordStatus persists a status transition, typically into the
	// history store. Called only when a route's status actually changes,
	// never per forwarded message.
	recordStatus func(routeID, status, detail string)

	mu             sync.Mutex
	open           map[portKey]*openPort
	statuses       map[string]*RouteStatus
	reopenAt       map[portKey]time.Time
	lastPollErrLog map[portKey]time.Time
	syncRunning    bool
	syncPending    bool
	stop           chan struct{}
	loopDone       sync.WaitGroup
}

// New creates a routing engine. events may be nil.
func New(routes RouteSource, virtualPorts VirtualPortSource, clients ClientSource, events Publisher, m *metrics.Metrics, cfg Config) *Engine {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		routes:         routes,
		virtualPorts:   virtualPorts,
		clients:        clients,
		events:         events,
		metrics:        m,
		config:         cfg,
		logf:           log.Printf,
		now:            time.Now,
		open:           make(map[portKey]*openPort),
		statuses:       make(map[string]*RouteStatus),
		reopenAt:       make(map[portKey]time.Time),
		lastPollErrLog: make(map[portKey]time.Time),
	}
}

// SetLogf sets a custom logging function.
func (e *Engine) SetLogf(logf func(format string, args ...any)) {
	e.logf = logf
}

// SetStatusRecorder sets the hook invoked on every route status
// transition. Must be called before Start.
func (e *Engine) SetStatusRecorder(fn func(routeID, status, detail string)) {
	e.recordStatus = fn
}

// Start restores persisted virtual ports, runs an initial
// reconciliation, and begins the poll/forward loop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.stop != nil {
		e.mu.Unlock()
		return
	}
	e.stop = make(chan struct{})
	e.mu.Unlock()

	e.restoreVirtualPorts()
	e.TriggerSync()

	e.loopDone.Add(1)
	go e.pollLoop()

	e.logf("engine: started (poll every %s)", e.config.PollInterval)
}

// Stop halts the poll loop and best-effort closes every port the engine
// opened. In-flight network calls are not aborted; their results are
// discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stop == nil {
		e.mu.Unlock()
		return
	}
	close(e.stop)
	e.stop = nil

	toClose := make([]*openPort, 0, len(e.open))
	for _, p := range e.open {
		toClose = append(toClose, p)
	}
	e.open = make(map[portKey]*openPort)
	e.statuses = make(map[string]*RouteStatus)
	e.mu.Unlock()

	e.loopDone.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), portserver.DefaultRequestTimeout)
	defer cancel()
	for _, p := range toClose {
		if err := e.clients.For(p.key.server).ClosePort(ctx, p.key.portID); err != nil {
			e.logf("engine: close %s on %s: %v", p.key.portID, p.key.server, err)
		}
	}
	e.metrics.OpenPorts.Set(0)
	e.logf("engine: stopped")
}

// Statuses returns a snapshot of every known route status, ordered by
// route id.
func (e *Engine) Statuses() []RouteStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RouteStatus, 0, len(e.statuses))
	for _, st := range e.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// Status returns the status record for one route.
func (e *Engine) Status(routeID string) (RouteStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[routeID]
	if !ok {
		return RouteStatus{}, false
	}
	return *st, true
}

// restoreVirtualPorts recreates every persisted virtual-port
// declaration against the native server. Failures are logged; the
// declarations stay persisted so the next start retries.
func (e *Engine) restoreVirtualPorts() {
	if e.virtualPorts == nil {
		return
	}
	declared := e.virtualPorts.GetAll()
	if len(declared) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), portserver.DefaultRequestTimeout)
	defer cancel()

	local := e.clients.For(portserver.LocalServer)
	for _, vp := range declared {
		if err := local.CreateVirtualPort(ctx, vp); err != nil {
			e.logf("engine: restore virtual port %q: %v", vp.Name, err)
			continue
		}
		e.logf("engine: restored virtual port %q (%s)", vp.Name, vp.Type)
	}
}

func (e *Engine) publishStatus(st RouteStatus) {
	if e.events == nil {
		return
	}
	payload := map[string]any{
		"status":         st.Status,
		"messagesRouted": st.MessagesRouted,
	}
	if st.Error != "" {
		payload["error"] = st.Error
	}
	e.events.PublishRouteEvent("route.status_changed", st.RouteID, payload)
}

func (e *Engine) recordTransition(st RouteStatus) {
	if e.recordStatus == nil {
		return
	}
	e.recordStatus(st.RouteID, st.Status, st.Error)
}
