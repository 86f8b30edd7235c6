package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RouterMetrics contains Prometheus metrics for the ingestion router.
type RouterMetrics struct {
	MessagesTotal      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	AutoRegistrations  *prometheus.CounterVec
	ReadingsStored     *prometheus.CounterVec
	Dropped            *prometheus.CounterVec
	InFlight           prometheus.Gauge
}

// NewRouterMetrics creates and registers router metrics.
func NewRouterMetrics(namespace string) *RouterMetrics {
	m := &RouterMetrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "messages_total",
				Help:      "Total number of broker messages handled",
			},
			[]string{"route", "status"}, // status: ok, dropped, error
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "processing_duration_seconds",
				Help:      "Time spent handling a single broker message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		AutoRegistrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "auto_registrations_total",
				Help:      "Entities created on first sight",
			},
			[]string{"kind"}, // kind: device, gateway, node
		),
		ReadingsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "readings_stored_total",
				Help:      "Sensor readings persisted",
			},
			[]string{"source_type"},
		),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "dropped_total",
				Help:      "Messages dropped before any state change",
			},
			[]string{"reason"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "in_flight",
				Help:      "Messages currently being handled",
			},
		),
	}

	MustRegister(
		m.MessagesTotal,
		m.ProcessingDuration,
		m.AutoRegistrations,
		m.ReadingsStored,
		m.Dropped,
		m.InFlight,
	)

	return m
}
