// Package propagation replicates route operations to discovered peers,
// best-effort, and reconciles route sets on startup. It is explicitly
// subordinate to local correctness: no peer failure ever fails the
// originating operation.
package propagation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/midimesh/midimesh/internal/discovery"
	"github.com/midimesh/midimesh/internal/metrics"
	"github.com/midimesh/midimesh/internal/portserver"
)

// DefaultSyncInterval is the cadence of the periodic peer
// reconciliation after the startup pass.
const DefaultSyncInterval = time.Minute

// PeerSource supplies the current peer table.
type PeerSource interface {
	RemotePeers() []discovery.DiscoveredServer
}

// RouteStore is the slice of the local route store propagation needs.
type RouteStore interface {
	GetAll() []portserver.Route
	Create(route portserver.Route) error
}

// ClientSource resolves a port server client per server address.
type ClientSource interface {
	For(addr string) portserver.Client
}

// Propagator pushes route operations to peers and pulls missing routes
// from them.
type Propagator struct {
	peers   PeerSource
	clients ClientSource
	routes  RouteStore
	metrics *metrics.Metrics
	logf    func(format string, args ...any)

	// localAddress resolves this node's concrete port server address;
	// the LocalServer sentinel is rewritten to it before any route
	// leaves this node.
	localAddress func() string

	// onRoutesAdded fires after SyncFromPeers created at least one
	// route, so the composition root can trigger engine reconciliation.
	onRoutesAdded func(count int)

	mu   sync.Mutex
	stop chan struct{}
	done sync.WaitGroup
}

// New creates a propagator.
func New(peers PeerSource, clients ClientSource, routes RouteStore, m *metrics.Metrics, localAddress func() string) *Propagator {
	if m == nil {
		m = metrics.New()
	}
	return &Propagator{
		peers:        peers,
		clients:      clients,
		routes:       routes,
		metrics:      m,
		logf:         log.Printf,
		localAddress: localAddress,
	}
}

// SetLogf sets a custom logging function.
func (p *Propagator) SetLogf(logf func(format string, args ...any)) {
	p.logf = logf
}

// OnRoutesAdded registers the callback fired after a peer sync created
// routes locally.
func (p *Propagator) OnRoutesAdded(fn func(count int)) {
	p.onRoutesAdded = fn
}

// Start runs the startup reconciliation, then repeats it on the given
// interval.
func (p *Propagator) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	p.done.Add(1)
	go func() {
		defer p.done.Done()

		p.SyncFromPeers(context.Background())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.SyncFromPeers(context.Background())
			}
		}
	}()
}

// Stop halts the periodic reconciliation.
func (p *Propagator) Stop() {
	p.mu.Lock()
	if p.stop == nil {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	p.stop = nil
	p.mu.Unlock()
	p.done.Wait()
}

// rewriteLocal replaces the local sentinel in a route's endpoints with
// addr. The sentinel is meaningless off-instance.
func rewriteLocal(route portserver.Route, addr string) portserver.Route {
	if route.Source.IsLocal() {
		route.Source.ServerAddress = addr
	}
	if route.Destination.IsLocal() {
		route.Destination.ServerAddress = addr
	}
	return route
}

// targets returns every remote peer with a usable port server address,
// excluding the operation's origin.
func (p *Propagator) targets(origin string) []discovery.DiscoveredServer {
	var out []discovery.DiscoveredServer
	for _, peer := range p.peers.RemotePeers() {
		addr := peer.PortServerAddress()
		if addr == "" {
			continue
		}
		if origin != "" && (addr == origin || peer.APIAddress == origin) {
			continue
		}
		out = append(out, peer)
	}
	return out
}

// PushCreate replicates a route creation to every peer except origin.
// Fire-and-forget per peer.
func (p *Propagator) PushCreate(route portserver.Route, origin string) {
	local := p.localAddress()
	out := rewriteLocal(route, local)
	out.OwnerPeer = local

	for _, peer := range p.targets(origin) {
		addr := peer.PortServerAddress()
		go func() {
			ctx, cancel := context.WithTimeout(portserver.WithOrigin(context.Background(), local), portserver.DefaultRequestTimeout)
			defer cancel()
			p.metrics.PropagationPushes.Inc()
			if err := p.clients.For(addr).CreateRoute(ctx, out); err != nil {
				p.metrics.PropagationFailures.Inc()
				p.logf("propagation: create %s on %s: %v", out.ID, addr, err)
			}
		}()
	}
}

// PushUpdate replicates a route update to every peer except origin.
func (p *Propagator) PushUpdate(route portserver.Route, origin string) {
	local := p.localAddress()
	out := rewriteLocal(route, local)
	out.OwnerPeer = local

	for _, peer := range p.targets(origin) {
		addr := peer.PortServerAddress()
		go func() {
			ctx, cancel := context.WithTimeout(portserver.WithOrigin(context.Background(), local), portserver.DefaultRequestTimeout)
			defer cancel()
			p.metrics.PropagationPushes.Inc()
			if err := p.clients.For(addr).UpdateRoute(ctx, out); err != nil {
				p.metrics.PropagationFailures.Inc()
				p.logf("propagation: update %s on %s: %v", out.ID, addr, err)
			}
		}()
	}
}

// PushDelete replicates a route deletion to every peer except origin.
func (p *Propagator) PushDelete(routeID, origin string) {
	local := p.localAddress()
	for _, peer := range p.targets(origin) {
		addr := peer.PortServerAddress()
		go func() {
			ctx, cancel := context.WithTimeout(portserver.WithOrigin(context.Background(), local), portserver.DefaultRequestTimeout)
			defer cancel()
			p.metrics.PropagationPushes.Inc()
			if err := p.clients.For(addr).DeleteRoute(ctx, routeID); err != nil {
				p.metrics.PropagationFailures.Inc()
				p.logf("propagation: delete %s on %s: %v", routeID, addr, err)
			}
		}()
	}
}

// SyncFromPeers fetches each discovered peer's route set and creates
// locally any route id not already present, rewriting that peer's local
// sentinel to the peer's concrete address. Strictly additive and
// idempotent; safe to re-run at any time. Returns the number of routes
// created.
func (p *Propagator) SyncFromPeers(ctx context.Context) int {
	have := make(map[string]bool)
	for _, r := range p.routes.GetAll() {
		have[r.ID] = true
	}

	created := 0
	for _, peer := range p.peers.RemotePeers() {
		addr := peer.PortServerAddress()
		if addr == "" {
			continue
		}

		peerCtx, cancel := context.WithTimeout(ctx, portserver.DefaultRequestTimeout)
		peerRoutes, err := p.clients.For(addr).GetRoutes(peerCtx)
		cancel()
		if err != nil {
			// A peer being unreachable is routine; the next sync pass
			// retries.
			p.logf("propagation: fetch routes from %s: %v", addr, err)
			continue
		}

		for _, r := range peerRoutes {
			if r.ID == "" || have[r.ID] {
				continue
			}
			local := rewriteLocal(r, addr)
			local.OwnerPeer = addr
			if err := p.routes.Create(local); err != nil {
				p.logf("propagation: adopt %s from %s: %v", r.ID, addr, err)
				continue
			}
			have[r.ID] = true
			created++
			p.logf("propagation: adopted route %s from %s", r.ID, addr)
		}
	}

	if created > 0 && p.onRoutesAdded != nil {
		p.onRoutesAdded(created)
	}
	return created
}
