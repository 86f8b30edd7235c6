package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SweeperMetrics contains Prometheus metrics for the inactivity sweeper.
type SweeperMetrics struct {
	Scans        *prometheus.CounterVec
	Demotions    *prometheus.CounterVec
	ScanDuration prometheus.Histogram
}

// NewSweeperMetrics creates and registers sweeper metrics.
func NewSweeperMetrics(namespace string) *SweeperMetrics {
	m := &SweeperMetrics{
		Scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "scans_total",
				Help:      "Per-kind inactivity scans",
			},
			[]string{"kind", "status"},
		),
		Demotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "demotions_total",
				Help:      "Entities marked offline (nodes count inactivity reports)",
			},
			[]string{"kind"},
		),
		ScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "scan_duration_seconds",
				Help:      "Duration of a full sweep",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(m.Scans, m.Demotions, m.ScanDuration)

	return m
}
