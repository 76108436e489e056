package portserver

import "sync"

// Registry caches one Client per distinct server address so HTTP
// connections are reused. The local native server is cached under the
// LocalServer sentinel regardless of which localhost port it is bound to
// at the time. The registry is owned by the composition root and
// injected into the components that need clients; there is no package
// global.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client

	// newClient builds a client for a concrete remote address.
	// Overridable for tests.
	newClient func(addr string) Client

	// resolveLocal resolves the local native server's base URL, e.g.
	// "http://127.0.0.1:7321". It returns an error while the native
	// process is not running.
	resolveLocal func() (string, error)
}

// NewRegistry creates a client registry. resolveLocal supplies the local
// native server's base URL on demand.
func NewRegistry(resolveLocal func() (string, error)) *Registry {
	return &Registry{
		clients:      make(map[string]Client),
		newClient:    func(addr string) Client { return NewHTTPClient(addr) },
		resolveLocal: resolveLocal,
	}
}

// SetClientFactory overrides remote client construction. Used by tests
// to inject fakes.
func (r *Registry) SetClientFactory(f func(addr string) Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newClient = f
}

// Put installs a pre-built client for addr. Used by tests.
func (r *Registry) Put(addr string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[addr] = c
}

// For returns the cached client for the given server address, creating
// one on first use. An empty address or the LocalServer sentinel maps to
// the local native server.
func (r *Registry) For(addr string) Client {
	if addr == "" {
		addr = LocalServer
	}

	r.mu.RLock()
	c, ok := r.clients[addr]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[addr]; ok {
		return c
	}

	if addr == LocalServer {
		c = NewDynamicClient(r.resolveLocal)
	} else {
		c = r.newClient(addr)
	}
	r.clients[addr] = c
	return c
}

// Local returns the client for the local native server.
func (r *Registry) Local() Client {
	return r.For(LocalServer)
}
