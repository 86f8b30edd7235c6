// Package router turns broker messages into stored entities, readings and
// dashboard events.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/iot-hub/internal/audit"
	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/pkg/broker"
	"procodus.dev/iot-hub/pkg/clock"
	"procodus.dev/iot-hub/pkg/logger"
	"procodus.dev/iot-hub/pkg/metrics"
)

// Route names, also used as metric labels.
const (
	RouteSensorData  = "sensor_data"
	RouteGatewayData = "gateway_data"
	RouteOTAResponse = "ota_response"
	RouteUnmatched   = "unmatched"
)

// Payload fields the router understands.
const (
	fieldDeviceID        = "device_id"
	fieldGatewayID       = "gateway_id"
	fieldMAC             = "mac"
	fieldBeaconName      = "beacon_name"
	fieldStatus          = "status"
	fieldFirmwareVersion = "firmware_version"
	fieldError           = "error"
)

// errMissingField marks a message dropped for lack of a required field.
var errMissingField = errors.New("missing required field")

func missing(field string) error {
	return fmt.Errorf("%w: %s", errMissingField, field)
}

// Prefixes classify topics. They are checked in the order sensor data,
// gateway data, OTA response.
type Prefixes struct {
	SensorData  string
	GatewayData string
	OTAResponse string
}

// DefaultPrefixes returns the topic prefixes used by the device firmware.
func DefaultPrefixes() Prefixes {
	return Prefixes{
		SensorData:  "SensorData",
		GatewayData: "BLEGatewayData",
		OTAResponse: "OTA",
	}
}

// Filters are the broker subscriptions feeding the router.
type Filters struct {
	SensorData  string
	GatewayData string
	OTAResponse string
}

// DefaultFilters returns the subscriptions matching DefaultPrefixes.
func DefaultFilters() Filters {
	return Filters{
		SensorData:  "SensorData/#",
		GatewayData: "BLEGatewayData/#",
		OTAResponse: "OTA/+/response",
	}
}

// All returns the filters in subscription order, skipping empty ones.
func (f Filters) All() []string {
	var out []string
	for _, filter := range []string{f.SensorData, f.GatewayData, f.OTAResponse} {
		if filter != "" {
			out = append(out, filter)
		}
	}
	return out
}

// Config holds the configuration for the router.
type Config struct {
	Logger   *slog.Logger
	Store    store.Store
	Hub      hub.Broadcaster
	Clock    clock.Clock
	Prefixes *Prefixes
	Metrics  *metrics.RouterMetrics
	// Sinks receive every stored reading.
	Sinks []ReadingSink
}

type route struct {
	name   string
	match  func(topic string) bool
	handle func(ctx context.Context, doc model.Document) error
}

// Router handles messages from the sensor, gateway and OTA topics.
type Router struct {
	logger  *slog.Logger
	store   store.Store
	hub     hub.Broadcaster
	clock   clock.Clock
	audit   *audit.Recorder
	metrics *metrics.RouterMetrics
	sinks   []ReadingSink
	routes  []route

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates a router.
func New(cfg *Config) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("router config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}

	prefixes := DefaultPrefixes()
	if cfg.Prefixes != nil {
		prefixes = *cfg.Prefixes
	}
	if prefixes.SensorData == "" || prefixes.GatewayData == "" || prefixes.OTAResponse == "" {
		return nil, errors.New("topic prefixes cannot be empty")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	log := logger.Component(cfg.Logger, "router")
	recorder, err := audit.New(&audit.Config{Logger: log, Store: cfg.Store, Hub: cfg.Hub, Clock: clk})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit recorder: %w", err)
	}

	r := &Router{
		logger:  log,
		store:   cfg.Store,
		hub:     cfg.Hub,
		clock:   clk,
		audit:   recorder,
		metrics: cfg.Metrics,
		sinks:   cfg.Sinks,
	}

	r.routes = []route{
		{name: RouteSensorData, match: hasPrefix(prefixes.SensorData), handle: r.handleSensorData},
		{name: RouteGatewayData, match: hasPrefix(prefixes.GatewayData), handle: r.handleGatewayData},
		{name: RouteOTAResponse, match: hasPrefix(prefixes.OTAResponse), handle: r.handleOTAResponse},
	}

	return r, nil
}

func hasPrefix(prefix string) func(string) bool {
	return func(topic string) bool { return strings.HasPrefix(topic, prefix) }
}

// unmatched is the default route: the message is only passed through to
// dashboards.
var unmatched = route{
	name:   RouteUnmatched,
	match:  func(string) bool { return true },
	handle: func(context.Context, model.Document) error { return nil },
}

func (r *Router) classify(topic string) route {
	for _, rt := range r.routes {
		if rt.match(topic) {
			return rt
		}
	}
	return unmatched
}

// Attach subscribes the router to filters on b. Messages are handled with
// the values of ctx until Stop is called; canceling ctx does not abort
// messages already in flight, Stop drains them.
func (r *Router) Attach(ctx context.Context, b broker.ClientInterface, filters Filters) error {
	ctx = context.WithoutCancel(ctx)
	for _, filter := range filters.All() {
		if err := b.Subscribe(filter, func(topic string, payload []byte) {
			r.Handle(ctx, topic, payload)
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
		}
		r.logger.Info("subscribed", "filter", filter)
	}
	return nil
}

// Stop rejects further messages and waits for in-flight ones. It is safe
// to call more than once.
func (r *Router) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Router) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.wg.Add(1)
	return true
}

// Handle processes one broker message. It never returns an error: bad
// input is dropped with a warning and processing failures are logged and
// recorded so the next message is unaffected.
func (r *Router) Handle(ctx context.Context, topic string, payload []byte) {
	if !r.begin() {
		r.logger.Debug("router stopped, ignoring message", "topic", topic)
		return
	}
	defer r.wg.Done()

	if r.metrics != nil {
		r.metrics.InFlight.Inc()
		defer r.metrics.InFlight.Dec()
	}

	doc, err := model.ParseDocument(payload)
	if err != nil {
		r.logger.Warn("invalid JSON message", "topic", topic, "preview", preview(payload), "error", err)
		r.observe(RouteUnmatched, "dropped")
		r.drop("invalid_json")
		return
	}

	rt := r.classify(topic)

	var timer *prometheus.Timer
	if r.metrics != nil {
		timer = prometheus.NewTimer(r.metrics.ProcessingDuration.WithLabelValues(rt.name))
	}
	err = rt.handle(ctx, doc)
	if timer != nil {
		timer.ObserveDuration()
	}

	switch {
	case err == nil:
		r.observe(rt.name, "ok")
		r.logger.Debug("message handled", "topic", topic, "route", rt.name)
	case errors.Is(err, errMissingField):
		r.logger.Warn("dropping message", "topic", topic, "route", rt.name, "reason", err)
		r.observe(rt.name, "dropped")
		r.drop("missing_field")
	default:
		r.logger.Error("error handling message", "topic", topic, "route", rt.name, "error", err)
		r.observe(rt.name, "error")
		r.audit.Try(ctx, &model.SystemLog{
			Level:    model.LevelError,
			Category: model.CategoryMQTT,
			Message:  fmt.Sprintf("Message processing error on %s: %v", topic, err),
			Details:  model.Document{"topic": topic, "error": err.Error()},
		})
		return
	}

	r.hub.Broadcast(hub.MQTTMessage(topic, doc), "")
}

// stored finishes a persisted reading: metrics, dashboard event and sinks.
func (r *Router) stored(ctx context.Context, reading *model.SensorReading) {
	if r.metrics != nil {
		r.metrics.ReadingsStored.WithLabelValues(string(reading.SourceType)).Inc()
	}

	r.hub.Broadcast(hub.SensorData(reading), hub.ChannelSensorData)

	for _, sink := range r.sinks {
		if err := sink.Accept(ctx, reading); err != nil {
			r.logger.Warn("reading sink failed", "source_id", reading.SourceID, "error", err)
		}
	}
}

func (r *Router) now() time.Time {
	return r.clock.Now().UTC()
}

func (r *Router) observe(routeName, status string) {
	if r.metrics != nil {
		r.metrics.MessagesTotal.WithLabelValues(routeName, status).Inc()
	}
}

func (r *Router) drop(reason string) {
	if r.metrics != nil {
		r.metrics.Dropped.WithLabelValues(reason).Inc()
	}
}

func (r *Router) registered(kind string) {
	if r.metrics != nil {
		r.metrics.AutoRegistrations.WithLabelValues(kind).Inc()
	}
}

func preview(payload []byte) string {
	const limit = 100
	if len(payload) > limit {
		return string(payload[:limit])
	}
	return string(payload)
}
