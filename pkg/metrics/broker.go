package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics contains Prometheus metrics for the MQTT client.
type BrokerMetrics struct {
	ConnectionStatus prometheus.Gauge
	Reconnects       prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	Publishes        *prometheus.CounterVec
}

// NewBrokerMetrics creates and registers MQTT client metrics.
func NewBrokerMetrics(namespace string) *BrokerMetrics {
	m := &BrokerMetrics{
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "messages_received_total",
				Help:      "Messages delivered by the broker, by subscription filter",
			},
			[]string{"filter"},
		),
		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publishes_total",
				Help:      "Outbound publishes",
			},
			[]string{"status"},
		),
	}

	MustRegister(
		m.ConnectionStatus,
		m.Reconnects,
		m.MessagesReceived,
		m.Publishes,
	)

	return m
}
