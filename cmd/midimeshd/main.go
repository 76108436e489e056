// Command midimeshd runs one node of the MIDI routing mesh: it fronts
// the local native MIDI server, discovers peers on the LAN, and keeps
// routes flowing between them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/midimesh/midimesh/internal/api"
	"github.com/midimesh/midimesh/internal/api/core"
	"github.com/midimesh/midimesh/internal/config"
	"github.com/midimesh/midimesh/internal/discovery"
	"github.com/midimesh/midimesh/internal/engine"
	"github.com/midimesh/midimesh/internal/history"
	"github.com/midimesh/midimesh/internal/metrics"
	"github.com/midimesh/midimesh/internal/midid"
	"github.com/midimesh/midimesh/internal/portserver"
	"github.com/midimesh/midimesh/internal/propagation"
	"github.com/midimesh/midimesh/internal/realtime"
	"github.com/midimesh/midimesh/internal/store"
)

const version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	addr := flag.String("addr", "", "API bind address, overrides config (e.g. :8300)")
	serverName := flag.String("name", "", "Server name, overrides config")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("midimeshd v%s\n", version)
		os.Exit(0)
	}

	if err := run(*configPath, *addr, *serverName); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride, nameOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.ListenAddr = addrOverride
	}
	if nameOverride != "" {
		cfg.ServerName = nameOverride
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	logf := log.Printf
	logf("midimeshd v%s starting as %q (data: %s)", version, cfg.ServerName, cfg.DataDir)

	advertise := cfg.AdvertiseAddress
	if advertise == "" {
		advertise = deriveAdvertiseAddress(cfg.ListenAddr)
	}
	logf("advertising as %s", advertise)

	// Stores.
	routeStore, err := store.NewRouteStore(cfg.RoutesPath(), cfg.Store.DebounceWindow.Std())
	if err != nil {
		return fmt.Errorf("open route store: %w", err)
	}
	vpStore, err := store.NewVirtualPortStore(cfg.VirtualPortsPath(), cfg.Store.DebounceWindow.Std())
	if err != nil {
		return fmt.Errorf("open virtual port store: %w", err)
	}
	logf("loaded %d routes, %d virtual ports", len(routeStore.GetAll()), len(vpStore.GetAll()))

	// Event history.
	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = hist.Close() }()
	if err := hist.Migrate(); err != nil {
		return fmt.Errorf("migrate history: %w", err)
	}

	m := metrics.New()

	// Native MIDI server.
	mididMgr := midid.New(cfg.DataDir, cfg.Midid.BinPath, cfg.Midid.Port, logf)
	if cfg.Midid.BinPath != "" {
		startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := mididMgr.Start(startCtx); err != nil {
			logf("midid: %v (continuing; routes to local ports degrade until it is up)", err)
		}
		cancel()
	}
	registry := portserver.NewRegistry(mididMgr.Resolve)

	// Realtime events.
	node, err := realtime.NewNode(realtime.Config{})
	if err != nil {
		return fmt.Errorf("create realtime node: %w", err)
	}
	if err := node.Run(); err != nil {
		return fmt.Errorf("run realtime node: %w", err)
	}
	broadcaster := realtime.NewBroadcaster(node)

	// Peer discovery.
	disco := discovery.New(discovery.Config{
		ServerName:       cfg.ServerName,
		AdvertiseAddress: advertise,
		PortServerPort:   listenPort(cfg.ListenAddr),
		Port:             cfg.Discovery.Port,
		AnnounceInterval: cfg.Discovery.AnnounceInterval.Std(),
		PeerTTL:          cfg.Discovery.PeerTTL.Std(),
	}, broadcaster)
	disco.SetMetrics(m)
	if err := disco.Start(); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer disco.Stop()

	// Routing engine.
	eng := engine.New(routeStore, vpStore, registry, broadcaster, m, engine.Config{
		PollInterval:       cfg.Engine.PollInterval.Std(),
		ReopenCooldown:     cfg.Engine.ReopenCooldown.Std(),
		PollErrorLogWindow: cfg.Engine.PollErrorLogWindow.Std(),
	})
	eng.SetStatusRecorder(func(routeID, status, detail string) {
		if _, err := hist.RecordRouteEvent(routeID, history.EventStatusChanged, status, detail); err != nil {
			logf("history: record status change for %s: %v", routeID, err)
		}
	})
	eng.Start()
	defer eng.Stop()

	// Cross-server propagation.
	prop := propagation.New(disco, registry, routeStore, m, func() string { return advertise })
	prop.OnRoutesAdded(func(count int) {
		logf("adopted %d routes from peers", count)
		eng.TriggerSync()
	})
	prop.Start(cfg.Propagation.SyncInterval.Std())
	defer prop.Stop()

	// HTTP API.
	server := api.NewServer(&core.Deps{
		ServerName:   cfg.ServerName,
		Routes:       routeStore,
		VirtualPorts: vpStore,
		Clients:      registry,
		Engine:       eng,
		Discovery:    disco,
		Propagator:   prop,
		Broadcaster:  broadcaster,
		History:      hist,
		Midid:        mididMgr,
		LocalAddress: func() string { return advertise },
		Logf:         logf,
	}, api.Config{
		Addr:     cfg.ListenAddr,
		Metrics:  m,
		Realtime: node,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	logf("api listening on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("api shutdown: %v", err)
	}
	if err := node.Shutdown(shutdownCtx); err != nil {
		logf("realtime shutdown: %v", err)
	}

	// Pending debounced writes must reach disk before exit.
	if err := routeStore.Flush(); err != nil {
		logf("flush routes: %v", err)
	}
	if err := vpStore.Flush(); err != nil {
		logf("flush virtual ports: %v", err)
	}

	logf("midimeshd stopped")
	return nil
}

// deriveAdvertiseAddress combines the first non-loopback IPv4 address
// with the listen port. Falls back to the hostname when no interface
// qualifies.
func deriveAdvertiseAddress(listenAddr string) string {
	port := listenPort(listenAddr)

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return fmt.Sprintf("%s:%d", ip4, port)
			}
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s:%d", hostname, port)
}

// listenPort extracts the numeric port from a bind address like ":8300"
// or "0.0.0.0:8300".
func listenPort(listenAddr string) int {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		portStr = strings.TrimPrefix(listenAddr, ":")
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 8300
	}
	return port
}
