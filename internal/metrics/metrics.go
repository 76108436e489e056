// Package metrics exposes Prometheus instrumentation for the routing
// subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the subsystem's collectors on a private registry owned
// by the composition root; nothing registers globally.
type Metrics struct {
	registry *prometheus.Registry

	MessagesRouted      *prometheus.CounterVec
	ForwardFailures     prometheus.Counter
	PollFailures        prometheus.Counter
	PortReopens         prometheus.Counter
	PropagationPushes   prometheus.Counter
	PropagationFailures prometheus.Counter
	PeersDiscovered     prometheus.Gauge
	OpenPorts           prometheus.Gauge
}

// New creates and registers the subsystem collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "midimesh_messages_routed_total",
			Help: "MIDI messages forwarded, per route.",
		}, []string{"route_id"}),
		ForwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midimesh_forward_failures_total",
			Help: "Failed sendMessage calls to route destinations.",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midimesh_poll_failures_total",
			Help: "Failed getMessages calls against route sources.",
		}),
		PortReopens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midimesh_port_reopen_attempts_total",
			Help: "Destination port re-open attempts after forward failures.",
		}),
		PropagationPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midimesh_propagation_pushes_total",
			Help: "Route operations pushed to peers.",
		}),
		PropagationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midimesh_propagation_failures_total",
			Help: "Route operations that failed to reach a peer.",
		}),
		PeersDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_discovered_peers",
			Help: "Peers currently present in the discovery table.",
		}),
		OpenPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_open_ports",
			Help: "Ports currently provisioned by the routing engine.",
		}),
	}

	m.registry.MustRegister(
		m.MessagesRouted,
		m.ForwardFailures,
		m.PollFailures,
		m.PortReopens,
		m.PropagationPushes,
		m.PropagationFailures,
		m.PeersDiscovered,
		m.OpenPorts,
	)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
