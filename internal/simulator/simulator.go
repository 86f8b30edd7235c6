// Package simulator runs a fake fleet of devices and BLE gateways against
// the broker. It publishes telemetry on an interval and answers OTA update
// requests the way device firmware does.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"procodus.dev/iot-hub/pkg/broker"
	"procodus.dev/iot-hub/pkg/clock"
	"procodus.dev/iot-hub/pkg/generator"
	"procodus.dev/iot-hub/pkg/logger"
	"procodus.dev/iot-hub/pkg/metrics"
)

// Topic prefixes the firmware publishes on.
const (
	DefaultSensorPrefix  = "SensorData"
	DefaultGatewayPrefix = "BLEGatewayData"
	DefaultOTAPrefix     = "OTA"
)

const publishTimeout = 5 * time.Second

var (
	errInvalidInterval = errors.New("interval must be greater than 0")
	errEmptyFleet      = errors.New("fleet must have at least one device or gateway")
)

// Config holds the configuration for the simulator.
type Config struct {
	Logger  *slog.Logger
	Broker  broker.ClientInterface
	Clock   clock.Clock
	Metrics *metrics.SimulatorMetrics

	Devices         int
	Gateways        int
	NodesPerGateway int
	Interval        time.Duration

	SensorPrefix  string
	GatewayPrefix string
	OTAPrefix     string
}

type device struct {
	generator.Device
	readings *generator.ReadingGenerator
}

type node struct {
	generator.Node
	readings *generator.ReadingGenerator
}

type gateway struct {
	id    string
	nodes []*node
}

// Simulator publishes telemetry for its fleet.
type Simulator struct {
	logger   *slog.Logger
	broker   broker.ClientInterface
	clock    clock.Clock
	metrics  *metrics.SimulatorMetrics
	interval time.Duration

	sensorPrefix  string
	gatewayPrefix string
	otaPrefix     string

	mu       sync.Mutex
	devices  map[string]*device
	order    []string
	gateways []*gateway

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a simulator and its fleet.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Broker == nil {
		return nil, errors.New("broker cannot be nil")
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Devices < 0 || cfg.Gateways < 0 || cfg.NodesPerGateway < 0 {
		return nil, errors.New("fleet sizes cannot be negative")
	}

	if cfg.Devices == 0 && cfg.Gateways == 0 {
		return nil, errEmptyFleet
	}

	s := &Simulator{
		logger:        logger.Component(cfg.Logger, "simulator"),
		broker:        cfg.Broker,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		interval:      cfg.Interval,
		sensorPrefix:  orDefault(cfg.SensorPrefix, DefaultSensorPrefix),
		gatewayPrefix: orDefault(cfg.GatewayPrefix, DefaultGatewayPrefix),
		otaPrefix:     orDefault(cfg.OTAPrefix, DefaultOTAPrefix),
		devices:       make(map[string]*device, cfg.Devices),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}

	for len(s.order) < cfg.Devices {
		d := generator.NewDevice()
		if d == nil {
			return nil, errors.New("failed to generate device")
		}
		if _, dup := s.devices[d.DeviceID]; dup {
			continue
		}
		s.devices[d.DeviceID] = &device{Device: *d, readings: generator.NewReadingGenerator()}
		s.order = append(s.order, d.DeviceID)
	}

	nodes := 0
	for range cfg.Gateways {
		g := generator.NewGateway(cfg.NodesPerGateway)
		if g == nil {
			return nil, errors.New("failed to generate gateway")
		}
		gw := &gateway{id: g.GatewayID}
		for _, n := range g.Nodes {
			gw.nodes = append(gw.nodes, &node{Node: n, readings: generator.NewReadingGenerator()})
		}
		nodes += len(gw.nodes)
		s.gateways = append(s.gateways, gw)
	}

	if s.metrics != nil {
		s.metrics.SimulatedSources.WithLabelValues("device").Set(float64(len(s.order)))
		s.metrics.SimulatedSources.WithLabelValues("gateway").Set(float64(len(s.gateways)))
		s.metrics.SimulatedSources.WithLabelValues("node").Set(float64(nodes))
	}

	return s, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// DeviceIDs returns the simulated device ids in creation order.
func (s *Simulator) DeviceIDs() []string {
	return append([]string(nil), s.order...)
}

// GatewayIDs returns the simulated gateway ids.
func (s *Simulator) GatewayIDs() []string {
	ids := make([]string, 0, len(s.gateways))
	for _, g := range s.gateways {
		ids = append(ids, g.id)
	}
	return ids
}

// Firmware returns the firmware version a device currently runs.
func (s *Simulator) Firmware(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return "", false
	}
	return d.Firmware, true
}

// Start subscribes to OTA requests and publishes a round of telemetry
// every interval until Stop or ctx ends.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return nil
	}

	if err := s.broker.Subscribe(s.otaPrefix+"/+/update", s.handleOTARequest); err != nil {
		return fmt.Errorf("failed to subscribe to OTA requests: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	ticker := s.clock.NewTicker(s.interval)

	go s.loop(ctx, ticker, s.done)

	s.logger.Info("simulator started",
		"devices", len(s.order),
		"gateways", len(s.gateways),
		"interval", s.interval,
	)
	return nil
}

func (s *Simulator) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("failed to publish telemetry", "error", err)
			}
		}
	}
}

// Stop ends the publish loop and waits for it.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("simulator stopped")
}

// Run starts the simulator and blocks until ctx ends or a signal arrives.
func (s *Simulator) Run(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}
	return nil
}

// Tick publishes one reading per device and one per gateway node. A failed
// publish does not stop the round.
func (s *Simulator) Tick(ctx context.Context) error {
	now := s.clock.Now().UTC()
	var errs []error

	for _, id := range s.order {
		s.mu.Lock()
		d := s.devices[id]
		r := d.readings.Next(now)
		payload := map[string]any{
			"device_id":        id,
			"type":             "environment",
			"temperature":      r.Temperature,
			"humidity":         r.Humidity,
			"pressure":         r.Pressure,
			"battery":          r.Battery,
			"firmware_version": d.Firmware,
			"timestamp":        now.Format(time.RFC3339),
		}
		s.mu.Unlock()

		if err := s.publish(ctx, "device", s.sensorPrefix+"/"+id, payload); err != nil {
			errs = append(errs, err)
		}
	}

	for _, g := range s.gateways {
		for _, n := range g.nodes {
			s.mu.Lock()
			r := n.readings.Next(now)
			s.mu.Unlock()
			payload := map[string]any{
				"gateway_id":  g.id,
				"mac":         n.MAC,
				"beacon_name": n.BeaconName,
				"rssi":        generator.RSSI(),
				"temperature": r.Temperature,
				"humidity":    r.Humidity,
				"timestamp":   now.Format(time.RFC3339),
			}
			if err := s.publish(ctx, "gateway", s.gatewayPrefix+"/"+g.id, payload); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (s *Simulator) publish(ctx context.Context, kind, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		s.failed(kind, "marshal_error")
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := s.broker.Publish(ctx, topic, body); err != nil {
		reason := "publish_error"
		if errors.Is(err, broker.ErrNotConnected) {
			reason = "not_connected"
		}
		s.failed(kind, reason)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	if s.metrics != nil {
		s.metrics.MessagesGenerated.WithLabelValues(kind).Inc()
	}
	s.logger.Debug("telemetry published", "topic", topic)
	return nil
}

func (s *Simulator) failed(kind, reason string) {
	if s.metrics != nil {
		s.metrics.GenerationFailures.WithLabelValues(kind, reason).Inc()
	}
}

type otaRequest struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version"`
	FirmwareURL     string `json:"firmware_url"`
}

// handleOTARequest installs the requested firmware and reports back on
// <ota prefix>/<device id>/response.
func (s *Simulator) handleOTARequest(topic string, payload []byte) {
	var req otaRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("malformed OTA request", "topic", topic, "error", err)
		return
	}

	if req.DeviceID == "" {
		// OTA/<id>/update
		if levels := strings.Split(topic, "/"); len(levels) == 3 {
			req.DeviceID = levels[1]
		}
	}

	log := logger.WithContext(s.logger, slog.String("device_id", req.DeviceID))

	response := map[string]any{
		"device_id":        req.DeviceID,
		"firmware_version": req.FirmwareVersion,
		"timestamp":        s.clock.Now().UTC().Format(time.RFC3339),
	}

	s.mu.Lock()
	d, known := s.devices[req.DeviceID]
	switch {
	case !known:
		s.mu.Unlock()
		log.Debug("ignoring OTA request for another fleet")
		return
	case req.FirmwareVersion == "" || req.FirmwareURL == "":
		response["status"] = "failed"
		response["error"] = "missing firmware version or url"
	default:
		d.Firmware = req.FirmwareVersion
		response["status"] = "success"
	}
	s.mu.Unlock()

	status, _ := response["status"].(string)
	if s.metrics != nil {
		s.metrics.OTAResponses.WithLabelValues(status).Inc()
	}

	body, err := json.Marshal(response)
	if err != nil {
		log.Error("failed to encode OTA response", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.broker.Publish(ctx, s.otaPrefix+"/"+req.DeviceID+"/response", body); err != nil {
		log.Error("failed to publish OTA response", "error", err)
		return
	}
	log.Info("OTA update applied", "status", status, "firmware_version", req.FirmwareVersion)
}
