package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics contains Prometheus metrics for the websocket fanout hub.
type HubMetrics struct {
	ClientsConnected prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	Rejected         *prometheus.CounterVec
	Broadcasts       *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	Dropped          prometheus.Counter
}

// NewHubMetrics creates and registers hub metrics.
func NewHubMetrics(namespace string) *HubMetrics {
	m := &HubMetrics{
		ClientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "clients_connected",
				Help:      "Number of live websocket subscribers",
			},
		),
		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "connections_total",
				Help:      "Total number of accepted websocket subscribers",
			},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "rejected_total",
				Help:      "Handshakes closed before registration",
			},
			[]string{"reason"}, // reason: missing_token, invalid_token, upgrade, closed
		),
		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "broadcasts_total",
				Help:      "Events broadcast, by channel (empty for all subscribers)",
			},
			[]string{"channel"},
		),
		DeliveryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "delivery_failures_total",
				Help:      "Writes to a subscriber that failed and dropped it",
			},
		),
		Dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "dropped_total",
				Help:      "Events dropped because a subscriber queue was full",
			},
		),
	}

	MustRegister(
		m.ClientsConnected,
		m.ConnectionsTotal,
		m.Rejected,
		m.Broadcasts,
		m.DeliveryFailures,
		m.Dropped,
	)

	return m
}
