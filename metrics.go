package chatsync

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics instruments an engine. Each instance owns its registry so several
// engines can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// FramesReceived counts decoded inbound frames by action.
	FramesReceived *prometheus.CounterVec
	// FramesDropped counts inbound frames that were not applied, by reason:
	// "decode", "protocol" or "unknown_action".
	FramesDropped *prometheus.CounterVec
	// IntentsSent counts outbound frames written to the socket, by action.
	IntentsSent *prometheus.CounterVec
	// IntentsDropped counts outbound frames discarded because the socket was not open.
	IntentsDropped *prometheus.CounterVec
	// Connected is 1 while the socket is open.
	Connected prometheus.Gauge
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_frames_received_total",
			Help: "Inbound frames decoded, by action",
		}, []string{"action"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Inbound frames dropped without being applied",
		}, []string{"reason"}), // reason = "decode", "protocol", "unknown_action"
		IntentsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_intents_sent_total",
			Help: "Outbound frames written to the socket, by action",
		}, []string{"action"}),
		IntentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_intents_dropped_total",
			Help: "Outbound frames discarded while disconnected, by action",
		}, []string{"action"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_connected",
			Help: "1 while the WebSocket connection is open",
		}),
	}
	m.registry.MustRegister(
		m.FramesReceived,
		m.FramesDropped,
		m.IntentsSent,
		m.IntentsDropped,
		m.Connected,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for Gather in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) setConnected(open bool) {
	if open {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
