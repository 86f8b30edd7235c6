// Package metrics provides Prometheus metrics for the hub components.
//
// Every component takes an optional metric set; a nil set disables
// instrumentation, which is how unit tests run.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric the hub exports.
const Namespace = "iot_hub"

// Registry is the global Prometheus registry for all metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the global registry.
// Panics if registration fails.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}

// Set bundles the metric sets of a running hub.
type Set struct {
	Router  *RouterMetrics
	Hub     *HubMetrics
	Sweeper *SweeperMetrics
	Broker  *BrokerMetrics
	Relay   *RelayMetrics
}

// NewSet creates and registers every hub metric under namespace.
func NewSet(namespace string) *Set {
	return &Set{
		Router:  NewRouterMetrics(namespace),
		Hub:     NewHubMetrics(namespace),
		Sweeper: NewSweeperMetrics(namespace),
		Broker:  NewBrokerMetrics(namespace),
		Relay:   NewRelayMetrics(namespace),
	}
}
