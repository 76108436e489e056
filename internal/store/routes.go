package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/midimesh/midimesh/internal/portserver"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a record whose id is already taken.
var ErrExists = errors.New("already exists")

// routesDocument is the on-disk shape of the route store.
type routesDocument struct {
	Routes []portserver.Route `json:"routes"`
}

// RouteStore holds this instance's routing rules. The in-memory map is
// the source of truth at runtime; the JSON document on disk is a backup
// rewritten (debounced) after every mutation.
type RouteStore struct {
	mu     sync.RWMutex
	routes map[string]portserver.Route
	writer *fileWriter
}

// NewRouteStore opens the route store backed by the JSON document at
// path, loading any existing records.
func NewRouteStore(path string, debounce time.Duration) (*RouteStore, error) {
	s := &RouteStore{
		routes: make(map[string]portserver.Route),
	}
	s.writer = newFileWriter(path, debounce, s.marshal)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read route store: %w", err)
	}

	var doc routesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse route store: %w", err)
	}
	for _, r := range doc.Routes {
		s.routes[r.ID] = r
	}
	return s, nil
}

func (s *RouteStore) marshal() ([]byte, error) {
	return json.MarshalIndent(routesDocument{Routes: s.GetAll()}, "", "  ")
}

// GetAll returns every route, ordered by id for stable output.
func (s *RouteStore) GetAll() []portserver.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]portserver.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetEnabled returns every enabled route, ordered by id.
func (s *RouteStore) GetEnabled() []portserver.Route {
	all := s.GetAll()
	out := all[:0]
	for _, r := range all {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the route with the given id.
func (s *RouteStore) Get(id string) (portserver.Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	return r, ok
}

// Create inserts a new route. The id must be caller-assigned; ids minted
// here use NewPrefixedID so they stay unique across the peer set.
func (s *RouteStore) Create(route portserver.Route) error {
	if route.ID == "" {
		return fmt.Errorf("route id is required")
	}

	s.mu.Lock()
	if _, ok := s.routes[route.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("route %s: %w", route.ID, ErrExists)
	}
	s.routes[route.ID] = route
	s.mu.Unlock()

	s.writer.schedule()
	return nil
}

// Update replaces an existing route.
func (s *RouteStore) Update(route portserver.Route) error {
	s.mu.Lock()
	if _, ok := s.routes[route.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("route %s: %w", route.ID, ErrNotFound)
	}
	s.routes[route.ID] = route
	s.mu.Unlock()

	s.writer.schedule()
	return nil
}

// Delete removes a route.
func (s *RouteStore) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.routes[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	delete(s.routes, id)
	s.mu.Unlock()

	s.writer.schedule()
	return nil
}

// Flush forces any pending debounced write to disk. Called at shutdown.
func (s *RouteStore) Flush() error {
	return s.writer.Flush()
}
