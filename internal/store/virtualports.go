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

// virtualPortsDocument is the on-disk shape of the virtual-port store.
type virtualPortsDocument struct {
	VirtualPorts []portserver.VirtualPortConfig `json:"virtualPorts"`
}

// VirtualPortStore holds this instance's declared virtual ports. Same
// persistence model as RouteStore: in-memory map, debounced JSON backup.
type VirtualPortStore struct {
	mu     sync.RWMutex
	ports  map[string]portserver.VirtualPortConfig
	writer *fileWriter
}

// NewVirtualPortStore opens the virtual-port store backed by the JSON
// document at path.
func NewVirtualPortStore(path string, debounce time.Duration) (*VirtualPortStore, error) {
	s := &VirtualPortStore{
		ports: make(map[string]portserver.VirtualPortConfig),
	}
	s.writer = newFileWriter(path, debounce, s.marshal)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read virtual-port store: %w", err)
	}

	var doc virtualPortsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse virtual-port store: %w", err)
	}
	for _, vp := range doc.VirtualPorts {
		s.ports[vp.ID] = vp
	}
	return s, nil
}

func (s *VirtualPortStore) marshal() ([]byte, error) {
	return json.MarshalIndent(virtualPortsDocument{VirtualPorts: s.GetAll()}, "", "  ")
}

// GetAll returns every declared virtual port, ordered by creation time
// then id.
func (s *VirtualPortStore) GetAll() []portserver.VirtualPortConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]portserver.VirtualPortConfig, 0, len(s.ports))
	for _, vp := range s.ports {
		out = append(out, vp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetByType returns declared virtual ports of the given type.
func (s *VirtualPortStore) GetByType(portType string) []portserver.VirtualPortConfig {
	all := s.GetAll()
	out := all[:0]
	for _, vp := range all {
		if vp.Type == portType {
			out = append(out, vp)
		}
	}
	return out
}

// Get returns the virtual port with the given id.
func (s *VirtualPortStore) Get(id string) (portserver.VirtualPortConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vp, ok := s.ports[id]
	return vp, ok
}

// Create inserts a new virtual-port declaration.
func (s *VirtualPortStore) Create(vp portserver.VirtualPortConfig) error {
	if vp.ID == "" {
		return fmt.Errorf("virtual port id is required")
	}
	if vp.Type != portserver.PortTypeInput && vp.Type != portserver.PortTypeOutput {
		return fmt.Errorf("virtual port type must be %q or %q", portserver.PortTypeInput, portserver.PortTypeOutput)
	}

	s.mu.Lock()
	if _, ok := s.ports[vp.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("virtual port %s: %w", vp.ID, ErrExists)
	}
	s.ports[vp.ID] = vp
	s.mu.Unlock()

	s.writer.schedule()
	return nil
}

// Delete removes a virtual-port declaration.
func (s *VirtualPortStore) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.ports[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("virtual port %s: %w", id, ErrNotFound)
	}
	delete(s.ports, id)
	s.mu.Unlock()

	s.writer.schedule()
	return nil
}

// DeleteByRoute removes auto-created virtual ports associated with the
// given route. Returns the removed declarations.
func (s *VirtualPortStore) DeleteByRoute(routeID string) []portserver.VirtualPortConfig {
	s.mu.Lock()
	var removed []portserver.VirtualPortConfig
	for id, vp := range s.ports {
		if vp.IsAutoCreated && vp.AssociatedRouteID == routeID {
			removed = append(removed, vp)
			delete(s.ports, id)
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.writer.schedule()
	}
	return removed
}

// Flush forces any pending debounced write to disk.
func (s *VirtualPortStore) Flush() error {
	return s.writer.Flush()
}
