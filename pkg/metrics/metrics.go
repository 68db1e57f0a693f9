// Package metrics exposes the server's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "docsync"
)

type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	PeersEvicted      prometheus.Counter

	// Room metrics
	ActiveRooms  prometheus.Gauge
	RoomsEvicted prometheus.Counter

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	OpsApplied       prometheus.Counter

	// Awareness metrics
	AwarenessRemovals *prometheus.CounterVec

	// Persistence metrics
	SnapshotWrites   *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	RelayPublishDrop prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		}),
		PeersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Connections dropped from a room after a failed send",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of documents held in memory",
		}),
		RoomsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_evicted_total",
			Help:      "Idle rooms saved and dropped from memory",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Protocol messages received by type",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Protocol messages dropped by reason",
		}, []string{"reason"}),
		OpsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_applied_total",
			Help:      "Document operations merged into rooms",
		}),
		AwarenessRemovals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "awareness_removals_total",
			Help:      "Presence entries removed by cause",
		}, []string{"cause"}),
		SnapshotWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Document snapshot writes by result",
		}, []string{"result"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one persistence sweep",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		RelayPublishDrop: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_publish_dropped_total",
			Help:      "Relay messages dropped because the publish queue was full",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) PeerEvicted() {
	if m == nil {
		return
	}
	m.PeersEvicted.Inc()
}

func (m *Metrics) RoomsInMemory(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

func (m *Metrics) RoomEvicted() {
	if m == nil {
		return
	}
	m.RoomsEvicted.Inc()
}

func (m *Metrics) MessageReceived(typ string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) OperationsApplied(n int) {
	if m == nil {
		return
	}
	m.OpsApplied.Add(float64(n))
}

func (m *Metrics) AwarenessRemoved(cause string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AwarenessRemovals.WithLabelValues(cause).Add(float64(n))
}

func (m *Metrics) SnapshotWritten(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SnapshotWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) SweepFinished(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RelayDropped() {
	if m == nil {
		return
	}
	m.RelayPublishDrop.Inc()
}
