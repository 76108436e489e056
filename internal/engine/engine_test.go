package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midimesh/midimesh/internal/portserver"
	"github.com/midimesh/midimesh/internal/store"
)

// fakeClient is an in-memory port server.
type fakeClient struct {
	mu        sync.Mutex
	queued    map[string][][]byte
	sent      map[string][][]byte
	openCalls map[string]int
	closed    map[string]int
	sendErr   map[string]error
	getErr    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		queued:    make(map[string][][]byte),
		sent:      make(map[string][][]byte),
		openCalls: make(map[string]int),
		closed:    make(map[string]int),
		sendErr:   make(map[string]error),
	}
}

func (f *fakeClient) queue(portID string, msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[portID] = append(f.queued[portID], msg)
}

func (f *fakeClient) sentTo(portID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent[portID]))
	copy(out, f.sent[portID])
	return out
}

func (f *fakeClient) opens(portID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls[portID]
}

func (f *fakeClient) closes(portID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[portID]
}

func (f *fakeClient) Health(ctx context.Context) (*portserver.HealthStatus, error) {
	return &portserver.HealthStatus{Status: "ok", Running: true}, nil
}

func (f *fakeClient) ListPorts(ctx context.Context) (*portserver.PortList, error) {
	return &portserver.PortList{}, nil
}

func (f *fakeClient) OpenPort(ctx context.Context, portID, name, portType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls[portID]++
	return nil
}

func (f *fakeClient) ClosePort(ctx context.Context, portID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[portID]++
	return nil
}

func (f *fakeClient) GetMessages(ctx context.Context, portID string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	msgs := f.queued[portID]
	f.queued[portID] = nil
	return msgs, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, portID string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[portID]; err != nil {
		return err
	}
	f.sent[portID] = append(f.sent[portID], message)
	return nil
}

func (f *fakeClient) GetRoutes(ctx context.Context) ([]portserver.Route, error) {
	return nil, nil
}
func (f *fakeClient) CreateRoute(ctx context.Context, route portserver.Route) error  { return nil }
func (f *fakeClient) UpdateRoute(ctx context.Context, route portserver.Route) error  { return nil }
func (f *fakeClient) DeleteRoute(ctx context.Context, routeID string) error          { return nil }
func (f *fakeClient) GetVirtualPorts(ctx context.Context) ([]portserver.VirtualPortConfig, error) {
	return nil, nil
}
func (f *fakeClient) CreateVirtualPort(ctx context.Context, vp portserver.VirtualPortConfig) error {
	return nil
}
func (f *fakeClient) DeleteVirtualPort(ctx context.Context, id string) error { return nil }

// fakeClients resolves one fakeClient per server address.
type fakeClients struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
}

func newFakeClients() *fakeClients {
	return &fakeClients{clients: make(map[string]*fakeClient)}
}

func (f *fakeClients) For(addr string) portserver.Client {
	return f.at(addr)
}

func (f *fakeClients) at(addr string) *fakeClient {
	if addr == "" {
		addr = portserver.LocalServer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[addr]
	if !ok {
		c = newFakeClient()
		f.clients[addr] = c
	}
	return c
}

func newTestEngine(t *testing.T) (*Engine, *store.RouteStore, *fakeClients) {
	t.Helper()

	routes, err := store.NewRouteStore(filepath.Join(t.TempDir(), "routes.json"), time.Millisecond)
	require.NoError(t, err)

	clients := newFakeClients()
	e := New(routes, nil, clients, nil, nil, Config{})
	e.SetLogf(func(format string, args ...any) {})
	return e, routes, clients
}

func mkRoute(id string, srcServer, srcPort, dstServer, dstPort string) portserver.Route {
	return portserver.Route{
		ID:      id,
		Enabled: true,
		Source: portserver.Endpoint{
			ServerAddress: srcServer,
			PortID:        srcPort,
		},
		Destination: portserver.Endpoint{
			ServerAddress: dstServer,
			PortID:        dstPort,
		},
	}
}

// pollSync drains every source group synchronously for deterministic
// assertions.
func pollSync(e *Engine) {
	for _, g := range e.groupBySource() {
		e.pollGroup(g)
	}
}

func TestSyncPorts_OpensRequiredPorts(t *testing.T) {
	e, routes, clients := newTestEngine(t)

	require.NoError(t, routes.Create(mkRoute("rt-1", portserver.LocalServer, "input-0", "10.0.0.5:7321", "output-1")))
	e.syncPorts()

	assert.Equal(t, 1, clients.at(portserver.LocalServer).opens("input-0"))
	assert.Equal(t, 1, clients.at("10.0.0.5:7321").opens("output-1"))

	st, ok := e.Status("rt-1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, st.Status)
}

func TestPoll_FanOutForwardsToEveryRouteOnce(t *testing.T) {
	e, routes, clients := newTestEngine(t)

	// Two routes share the same source; each has its own destination.
	require.NoError(t, routes.Create(mkRoute("rt-1", portserver.LocalServer, "input-0", "10.0.0.5:7321", "output-1")))
	require.NoError(t, routes.Create(mkRoute("rt-2", portserver.LocalServer, "input-0", "10.0.0.6:7321", "output-0")))
	e.syncPorts()

	msg := []byte{0x90, 60, 100}
	clients.at(portserver.LocalServer).queue("input-0", msg)
	pollSync(e)

	sentB := clients.at("10.0.0.5:7321").sentTo("output-1")
	sentC := clients.at("10.0.0.6:7321").sentTo("output-0")
	require.Len(t, sentB, 1)
	require.Len(t, sentC, 1)
	assert.Equal(t, msg, sentB[0])
	assert.Equal(t, msg, sentC[0])

	st1, _ := e.Status("rt-1")
	st2, _ := e.Status("rt-2")
	assert.Equal(t, uint64(1), st1.MessagesRouted)
	assert.Equal(t, uint64(1), st2.MessagesRouted)
	assert.Equal(t, StatusActive, st1.Status)
	require.NotNil(t, st1.LastMessageTime)

	// The drained queue yields nothing on the next tick.
	pollSync(e)
	assert.Len(t, clients.at("10.0.0.5:7321").sentTo("output-1"), 1)
}

func TestSyncPorts_RefCountKeepsSharedPortOpen(t *testing.T) {
	e, routes, clients := newTestEngine(t)
	shared := "10.0.0.5:7321"

	// Two routes share the destination port.
	require.NoError(t, routes.Create(mkRoute("rt-1", portserver.LocalServer, "input-0", shared, "output-1")))
	require.NoError(t, routes.Create(mkRoute("rt-2", portserver.LocalServer, "input-1", shared, "output-1")))
	e.syncPorts()
	require.Equal(t, 1, clients.at(shared).opens("output-1"))

	// Disabling one route keeps the shared port open.
	r, _ := routes.Get("rt-1")
	r.Enabled = false
	require.NoError(t, routes.Update(r))
	e.syncPorts()
	assert.Equal(t, 0, clients.at(shared).closes("output-1"))
	assert.Equal(t, 1, clients.at(portserver.LocalServer).closes("input-0"))

	st, _ := e.Status("rt-1")
	assert.Equal(t, StatusDisabled, st.Status)

	// Disabling the last route closes it.
	r2, _ := routes.Get("rt-2")
	r2.Enabled = false
	require.NoError(t, routes.Update(r2))
	e.syncPorts()
	assert.Equal(t, 1, clients.at(shared).closes("output-1"))

	// Re-enabling reprovisions.
	r2.Enabled = true
	require.NoError(t, routes.Update(r2))
	e.syncPorts()
	assert.Equal(t, 2, clients.at(shared).opens("output-1"))
}

func TestForwardFailure_ErrorStatusAndCooldownReopen(t *testing.T) {
	e, routes, clients := newTestEngine(t)
	dst := "10.0.0.5:7321"

	base := time.Now()
	e.now = func() time.Time { return base }

	require.NoError(t, routes.Create(mkRoute("rt-1", portserver.LocalServer, "input-0", dst, "output-1")))
	e.syncPorts()
	openedDuringSync := clients.at(dst).opens("output-1")

	clients.at(dst).mu.Lock()
	clients.at(dst).sendErr["output-1"] = errors.New("connection refused")
	clients.at(dst).mu.Unlock()

	// Several poll ticks inside one cooldown window: exactly one reopen
	// attempt, not one per tick.
	for i := 0; i < 5; i++ {
		clients.at(portserver.LocalServer).queue("input-0", []byte{0x90, 60, 100})
		pollSync(e)
	}
	waitFor(t, func() bool {
		return clients.at(dst).opens("output-1") == openedDuringSync+1
	})

	st, _ := e.Status("rt-1")
	assert.Equal(t, StatusError, st.Status)
	assert.Contains(t, st.Error, "connection refused")
	assert.Equal(t, uint64(0), st.MessagesRouted)

	// After the cooldown elapses, exactly one more attempt per window.
	e.now = func() time.Time { return base.Add(e.config.ReopenCooldown + time.Second) }
	for i := 0; i < 3; i++ {
		clients.at(portserver.LocalServer).queue("input-0", []byte{0x90, 60, 100})
		pollSync(e)
	}
	waitFor(t, func() bool {
		return clients.at(dst).opens("output-1") == openedDuringSync+2
	})

	// Destination recovers: next forward flips the route back to active.
	clients.at(dst).mu.Lock()
	delete(clients.at(dst).sendErr, "output-1")
	clients.at(dst).mu.Unlock()

	clients.at(portserver.LocalServer).queue("input-0", []byte{0x80, 60, 0})
	pollSync(e)

	st, _ = e.Status("rt-1")
	assert.Equal(t, StatusActive, st.Status)
	assert.Empty(t, st.Error)
	assert.Equal(t, uint64(1), st.MessagesRouted)
}

func TestPollFailure_MissingSourceCooldownReopen(t *testing.T) {
	e, routes, clients := newTestEngine(t)
	src := "10.0.0.6:7321"

	base := time.Now()
	e.now = func() time.Time { return base }

	require.NoError(t, routes.Create(mkRoute("rt-1", src, "input-3", portserver.LocalServer, "output-0")))
	e.syncPorts()
	openedDuringSync := clients.at(src).opens("input-3")

	// Native server restarted on the source host: the port is gone.
	clients.at(src).mu.Lock()
	clients.at(src).getErr = fmt.Errorf("GET /port/input-3/messages: %w", portserver.ErrNotFound)
	clients.at(src).mu.Unlock()

	// Several poll ticks inside one cooldown window: exactly one re-open
	// attempt for the source port, not one per tick.
	for i := 0; i < 5; i++ {
		pollSync(e)
	}
	waitFor(t, func() bool {
		return clients.at(src).opens("input-3") == openedDuringSync+1
	})

	st, _ := e.Status("rt-1")
	assert.Equal(t, StatusError, st.Status)

	// After the cooldown elapses, exactly one more attempt per window.
	e.now = func() time.Time { return base.Add(e.config.ReopenCooldown + time.Second) }
	for i := 0; i < 3; i++ {
		pollSync(e)
	}
	waitFor(t, func() bool {
		return clients.at(src).opens("input-3") == openedDuringSync+2
	})

	// Source recovers: the next poll flips the route back to active.
	clients.at(src).mu.Lock()
	clients.at(src).getErr = nil
	clients.at(src).mu.Unlock()

	clients.at(src).queue("input-3", []byte{0x90, 60, 100})
	pollSync(e)

	st, _ = e.Status("rt-1")
	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, uint64(1), st.MessagesRouted)
}

func TestPollFailure_DegradesEveryRouteInGroup(t *testing.T) {
	e, routes, clients := newTestEngine(t)

	require.NoError(t, routes.Create(mkRoute("rt-1", "10.0.0.9:7321", "input-0", portserver.LocalServer, "output-0")))
	require.NoError(t, routes.Create(mkRoute("rt-2", "10.0.0.9:7321", "input-0", portserver.LocalServer, "output-1")))
	e.syncPorts()

	src := clients.at("10.0.0.9:7321")
	src.mu.Lock()
	src.getErr = errors.New("dial tcp: connection refused")
	src.mu.Unlock()

	pollSync(e)

	for _, id := range []string{"rt-1", "rt-2"} {
		st, ok := e.Status(id)
		require.True(t, ok, id)
		assert.Equal(t, StatusError, st.Status, id)
		assert.Contains(t, st.Error, "connection refused")
	}
}

func TestPollErrorLogging_ThrottledPerSource(t *testing.T) {
	e, routes, clients := newTestEngine(t)

	var mu sync.Mutex
	var lines []string
	e.SetLogf(func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, args...))
	})

	base := time.Now()
	e.now = func() time.Time { return base }

	require.NoError(t, routes.Create(mkRoute("rt-1", "10.0.0.9:7321", "input-0", portserver.LocalServer, "output-0")))
	src := clients.at("10.0.0.9:7321")
	src.mu.Lock()
	src.getErr = errors.New("connection refused")
	src.mu.Unlock()

	countPollLines := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, l := range lines {
			if len(l) >= 12 && l[:12] == "engine: poll" {
				n++
			}
		}
		return n
	}

	for i := 0; i < 10; i++ {
		pollSync(e)
	}
	assert.Equal(t, 1, countPollLines())

	// Status kept updating even while logging was suppressed.
	st, _ := e.Status("rt-1")
	assert.Equal(t, StatusError, st.Status)

	e.now = func() time.Time { return base.Add(e.config.PollErrorLogWindow + time.Second) }
	pollSync(e)
	assert.Equal(t, 2, countPollLines())
}

func TestStatusRecorder_RecordsTransitionsNotTraffic(t *testing.T) {
	e, routes, clients := newTestEngine(t)
	dst := "10.0.0.5:7321"

	type rec struct {
		routeID, status, detail string
	}
	var mu sync.Mutex
	var recorded []rec
	e.SetStatusRecorder(func(routeID, status, detail string) {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, rec{routeID, status, detail})
	})
	snapshot := func() []rec {
		mu.Lock()
		defer mu.Unlock()
		out := make([]rec, len(recorded))
		copy(out, recorded)
		return out
	}

	require.NoError(t, routes.Create(mkRoute("rt-1", portserver.LocalServer, "input-0", dst, "output-1")))
	e.syncPorts()

	got := snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, rec{"rt-1", StatusActive, ""}, got[0])

	// Steady-state traffic is not a transition.
	for i := 0; i < 5; i++ {
		clients.at(portserver.LocalServer).queue("input-0", []byte{0x90, 60, 100})
		pollSync(e)
	}
	assert.Len(t, snapshot(), 1)

	// Destination failure records the degradation once, even across
	// repeated failing ticks.
	clients.at(dst).mu.Lock()
	clients.at(dst).sendErr["output-1"] = errors.New("connection refused")
	clients.at(dst).mu.Unlock()
	for i := 0; i < 3; i++ {
		clients.at(portserver.LocalServer).queue("input-0", []byte{0x90, 60, 100})
		pollSync(e)
	}

	got = snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "rt-1", got[1].routeID)
	assert.Equal(t, StatusError, got[1].status)
	assert.Contains(t, got[1].detail, "connection refused")

	// Recovery records the flip back to active.
	clients.at(dst).mu.Lock()
	delete(clients.at(dst).sendErr, "output-1")
	clients.at(dst).mu.Unlock()
	clients.at(portserver.LocalServer).queue("input-0", []byte{0x80, 60, 0})
	pollSync(e)

	got = snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, rec{"rt-1", StatusActive, ""}, got[2])

	// Disabling the route is a transition too.
	r, _ := routes.Get("rt-1")
	r.Enabled = false
	require.NoError(t, routes.Update(r))
	e.syncPorts()

	got = snapshot()
	require.Len(t, got, 4)
	assert.Equal(t, rec{"rt-1", StatusDisabled, ""}, got[3])
}

func TestRefreshStatuses_DropsDeletedRoutes(t *testing.T) {
	e, routes, _ := newTestEngine(t)

	require.NoError(t, routes.Create(mkRoute("rt-1", portserver.LocalServer, "input-0", portserver.LocalServer, "output-0")))
	e.syncPorts()
	_, ok := e.Status("rt-1")
	require.True(t, ok)

	require.NoError(t, routes.Delete("rt-1"))
	e.syncPorts()
	_, ok = e.Status("rt-1")
	assert.False(t, ok)
	assert.Empty(t, e.Statuses())
}

func TestTriggerSync_CoalescesIntoOnePendingPass(t *testing.T) {
	e, routes, _ := newTestEngine(t)
	require.NoError(t, routes.Create(mkRoute("rt-1", portserver.LocalServer, "input-0", portserver.LocalServer, "output-0")))

	// Simulate a pass in flight.
	e.mu.Lock()
	e.syncRunning = true
	e.mu.Unlock()

	// Many triggers during the pass collapse to a single pending flag.
	for i := 0; i < 10; i++ {
		e.TriggerSync()
	}
	e.mu.Lock()
	assert.True(t, e.syncPending)
	e.mu.Unlock()

	// The in-flight pass finishing runs exactly one more pass and
	// clears both flags.
	e.runSync()
	e.mu.Lock()
	assert.False(t, e.syncRunning)
	assert.False(t, e.syncPending)
	e.mu.Unlock()
}

// waitFor polls for an async condition driven by fire-and-forget
// goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not reached")
}
