package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the fleet simulator.
type SimulatorMetrics struct {
	MessagesGenerated  *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	OTAResponses       *prometheus.CounterVec
	SimulatedSources   *prometheus.GaugeVec
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		MessagesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "messages_generated_total",
				Help:      "Total number of telemetry messages published",
			},
			[]string{"kind"}, // kind: device, gateway
		),
		GenerationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "generation_failures_total",
				Help:      "Total number of failed telemetry publishes",
			},
			[]string{"kind", "reason"},
		),
		OTAResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "ota_responses_total",
				Help:      "OTA responses sent back to the hub",
			},
			[]string{"status"},
		),
		SimulatedSources: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "sources",
				Help:      "Number of simulated sources",
			},
			[]string{"kind"}, // kind: device, gateway, node
		),
	}

	MustRegister(
		m.MessagesGenerated,
		m.GenerationFailures,
		m.OTAResponses,
		m.SimulatedSources,
	)

	return m
}
