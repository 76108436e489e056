// Package discovery announces this instance over UDP broadcast and
// maintains a time-bounded table of peer servers heard on the local
// network.
package discovery

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/midimesh/midimesh/internal/metrics"
)

// AnnounceKind is the datagram discriminator; anything else is dropped.
const AnnounceKind = "midimesh-announce"

// ProtocolVersion is bumped when the datagram shape changes. Datagrams
// from other versions are silently dropped.
const ProtocolVersion = 1

// DefaultPort is the well-known UDP port announcements are exchanged on.
const DefaultPort = 41414

// Defaults for the announce cadence and peer expiry.
const (
	DefaultAnnounceInterval = 5 * time.Second
	DefaultPeerTTL          = 30 * time.Second
)

// Announcement is the JSON datagram broadcast by every instance.
type Announcement struct {
	Kind           string `json:"kind"`
	Version        int    `json:"version"`
	ServerName     string `json:"serverName"`
	APIAddress     string `json:"apiAddress"`
	PortServerPort int    `json:"portServerPort"`
	Timestamp      int64  `json:"timestamp"`
}

// DiscoveredServer is one entry in the peer table, keyed by APIAddress.
type DiscoveredServer struct {
	ServerName     string    `json:"serverName"`
	APIAddress     string    `json:"apiAddress"`
	PortServerPort int       `json:"portServerPort"`
	LastSeen       time.Time `json:"lastSeen"`
	IsLocal        bool      `json:"isLocal"`
}

// PortServerAddress returns the "host:port" of the peer's port server,
// derived from the announcement's API host and port server port.
func (d DiscoveredServer) PortServerAddress() string {
	host, _, err := net.SplitHostPort(d.APIAddress)
	if err != nil || host == "" {
		return ""
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", d.PortServerPort))
}

// Publisher receives discovery events for the realtime surface.
type Publisher interface {
	Publish(event string, payload map[string]any)
}

// Event names published to the realtime surface.
const (
	EventPeerDiscovered = "peer.discovered"
	EventPeerRemoved    = "peer.removed"
)

// Config holds the discovery service configuration.
type Config struct {
	// ServerName is this instance's human-readable name.
	ServerName string

	// AdvertiseAddress is this instance's own "host:port" API address as
	// peers should dial it.
	AdvertiseAddress string

	// PortServerPort is the TCP port of this instance's port server.
	PortServerPort int

	// Port is the well-known UDP broadcast port.
	Port int

	// AnnounceInterval is the broadcast cadence.
	AnnounceInterval time.Duration

	// PeerTTL removes entries not re-announced within this window.
	PeerTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = DefaultPeerTTL
	}
}

// Service broadcasts announcements and maintains the peer table.
type Service struct {
	config    Config
	publisher Publisher
	metrics   *metrics.Metrics
	logf      func(format string, args ...any)
	now       func() time.Time

	mu    sync.RWMutex
	peers map[string]*DiscoveredServer
	conn  *net.UDPConn
	stop  chan struct{}
	done  sync.WaitGroup
}

// New creates a discovery service. publisher may be nil.
func New(cfg Config, publisher Publisher) *Service {
	cfg.applyDefaults()
	return &Service{
		config:    cfg,
		publisher: publisher,
		logf:      log.Printf,
		now:       time.Now,
		peers:     make(map[string]*DiscoveredServer),
	}
}

// SetLogf sets a custom logging function.
func (s *Service) SetLogf(logf func(format string, args ...any)) {
	s.logf = logf
}

// SetMetrics attaches the metrics registry; the discovered peer gauge
// then tracks the remote entry count.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start binds the broadcast port, announces immediately, and begins the
// announce and expiry loops.
func (s *Service) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.config.Port})
	if err != nil {
		return fmt.Errorf("discovery listen on :%d: %w", s.config.Port, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.logf("discovery: listening on :%d as %q", s.config.Port, s.config.ServerName)

	s.done.Add(3)
	go s.readLoop(conn)
	go s.announceLoop()
	go s.sweepLoop()

	return nil
}

// Stop clears the timers and closes the socket. The peer table is
// retained so a restart reuses it.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.stop = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.done.Wait()
	s.logf("discovery: stopped")
}

// Peers returns a snapshot of the current peer table.
func (s *Service) Peers() []DiscoveredServer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredServer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// RemotePeers returns every non-local peer.
func (s *Service) RemotePeers() []DiscoveredServer {
	all := s.Peers()
	out := all[:0]
	for _, p := range all {
		if !p.IsLocal {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) announceLoop() {
	defer s.done.Done()

	s.announce()

	ticker := time.NewTicker(s.config.AnnounceInterval)
	defer ticker.Stop()

	stop := s.stopChan()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) sweepLoop() {
	defer s.done.Done()

	ticker := time.NewTicker(s.config.PeerTTL / 2)
	defer ticker.Stop()

	stop := s.stopChan()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) stopChan() chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stop
}

func (s *Service) announce() {
	ann := Announcement{
		Kind:           AnnounceKind,
		Version:        ProtocolVersion,
		ServerName:     s.config.ServerName,
		APIAddress:     s.config.AdvertiseAddress,
		PortServerPort: s.config.PortServerPort,
		Timestamp:      s.now().UnixMilli(),
	}
	data, err := json.Marshal(ann)
	if err != nil {
		s.logf("discovery: marshal announcement: %v", err)
		return
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	for _, addr := range broadcastAddrs() {
		dst := &net.UDPAddr{IP: addr, Port: s.config.Port}
		if _, err := conn.WriteToUDP(data, dst); err != nil {
			// Interfaces come and go; one unroutable broadcast address
			// is not worth more than a log line.
			s.logf("discovery: broadcast to %s: %v", dst, err)
		}
	}
}

func (s *Service) readLoop(conn *net.UDPConn) {
	defer s.done.Done()

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed on Stop.
			return
		}
		s.handleDatagram(buf[:n])
	}
}

// handleDatagram parses and applies one announcement. Malformed or
// version-mismatched datagrams are silently dropped.
func (s *Service) handleDatagram(data []byte) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		return
	}
	if ann.Kind != AnnounceKind || ann.Version != ProtocolVersion {
		return
	}
	if ann.APIAddress == "" {
		return
	}

	isLocal := ann.APIAddress == s.config.AdvertiseAddress

	s.mu.Lock()
	existing, known := s.peers[ann.APIAddress]
	if known {
		existing.ServerName = ann.ServerName
		existing.PortServerPort = ann.PortServerPort
		existing.LastSeen = s.now()
		existing.IsLocal = isLocal
		s.mu.Unlock()
		return
	}

	peer := &DiscoveredServer{
		ServerName:     ann.ServerName,
		APIAddress:     ann.APIAddress,
		PortServerPort: ann.PortServerPort,
		LastSeen:       s.now(),
		IsLocal:        isLocal,
	}
	s.peers[ann.APIAddress] = peer
	remote := s.remoteCount()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PeersDiscovered.Set(float64(remote))
	}

	// The self-seeded local entry is not a peer event.
	if isLocal {
		return
	}
	s.logf("discovery: found %q at %s", ann.ServerName, ann.APIAddress)
	if s.publisher != nil {
		s.publisher.Publish(EventPeerDiscovered, map[string]any{
			"serverName": peer.ServerName,
			"apiAddress": peer.APIAddress,
			"isLocal":    peer.IsLocal,
		})
	}
}

// remoteCount counts non-local table entries. Caller holds s.mu.
func (s *Service) remoteCount() int {
	n := 0
	for _, p := range s.peers {
		if !p.IsLocal {
			n++
		}
	}
	return n
}

// sweep removes non-local peers whose last announcement is older than
// the TTL, emitting one removal event per entry.
func (s *Service) sweep() {
	cutoff := s.now().Add(-s.config.PeerTTL)

	s.mu.Lock()
	var removed []*DiscoveredServer
	for addr, p := range s.peers {
		if p.IsLocal {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			removed = append(removed, p)
			delete(s.peers, addr)
		}
	}
	remote := s.remoteCount()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PeersDiscovered.Set(float64(remote))
	}

	for _, p := range removed {
		s.logf("discovery: lost %q at %s", p.ServerName, p.APIAddress)
		if s.publisher != nil {
			s.publisher.Publish(EventPeerRemoved, map[string]any{
				"serverName": p.ServerName,
				"apiAddress": p.APIAddress,
			})
		}
	}
}
