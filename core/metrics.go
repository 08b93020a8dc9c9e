package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConnectorMetrics holds the prometheus instruments the connector maintains.
// A fresh registry per node keeps tests and embedded instances independent.
type ConnectorMetrics struct {
	Registry *prometheus.Registry

	PacketsForwarded *prometheus.CounterVec
	PacketDuration   prometheus.Histogram
	PeersConfigured  prometheus.Gauge
	PeersReady       prometheus.Gauge
	PendingRequests  prometheus.Gauge
	TelemetryDropped prometheus.CounterFunc
	SettlementSignal *prometheus.CounterVec
}

// NewConnectorMetrics registers the connector instrument set on a private
// registry. droppedFn reports the telemetry bus overflow counter.
func NewConnectorMetrics(nodeID string, droppedFn func() float64) *ConnectorMetrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": nodeID}

	m := &ConnectorMetrics{
		Registry: reg,
		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "connector_packets_forwarded_total",
			Help:        "Forwarded packets by terminal result.",
			ConstLabels: labels,
		}, []string{"result"}),
		PacketDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "connector_packet_duration_seconds",
			Help:        "End-to-end duration of one forwarded packet.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		PeersConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "connector_peers_configured",
			Help:        "Number of statically configured peers.",
			ConstLabels: labels,
		}),
		PeersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "connector_peers_ready",
			Help:        "Number of peers whose transport is READY.",
			ConstLabels: labels,
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "connector_pending_requests",
			Help:        "Outstanding request correlations across all transports.",
			ConstLabels: labels,
		}),
		SettlementSignal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "connector_settlement_signals_total",
			Help:        "Settlement monitor transitions by signal kind.",
			ConstLabels: labels,
		}, []string{"signal"}),
	}
	m.TelemetryDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "connector_telemetry_dropped_total",
		Help:        "Telemetry events dropped on bus overflow.",
		ConstLabels: labels,
	}, droppedFn)

	reg.MustRegister(
		m.PacketsForwarded,
		m.PacketDuration,
		m.PeersConfigured,
		m.PeersReady,
		m.PendingRequests,
		m.TelemetryDropped,
		m.SettlementSignal,
	)
	return m
}
