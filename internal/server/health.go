package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/pkg/clock"
)

// ServiceName is the gRPC health service name of the hub.
const ServiceName = "iot_hub.Hub"

// DefaultHealthInterval is how often the gRPC serving status is refreshed.
const DefaultHealthInterval = 5 * time.Second

// Health status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Connectivity reports whether the broker session is up.
type Connectivity interface {
	IsConnected() bool
}

// StatsSource returns a snapshot of the websocket subscribers.
type StatsSource interface {
	Stats() hub.Stats
}

// Pinger checks that the store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Timestamp        time.Time `json:"timestamp"`
	Status           string    `json:"status"`
	StoreError       string    `json:"store_error,omitempty"`
	Uptime           float64   `json:"uptime"`
	ConnectedClients int       `json:"connected_clients"`
	MQTTConnected    bool      `json:"mqtt_connected"`
	StoreReachable   bool      `json:"store_reachable"`
}

// HealthConfig holds the configuration for Health.
type HealthConfig struct {
	Logger *slog.Logger
	Clock  clock.Clock
	Broker Connectivity
	Hub    StatsSource
	// Store is optional; without it the store is reported reachable.
	Store Pinger
}

// Health answers GET /health and keeps the gRPC health service in step
// with broker connectivity.
type Health struct {
	logger  *slog.Logger
	clock   clock.Clock
	broker  Connectivity
	hub     StatsSource
	store   Pinger
	started time.Time
	grpc    *health.Server
}

// NewHealth creates a Health whose uptime starts now.
func NewHealth(cfg *HealthConfig) (*Health, error) {
	if cfg == nil {
		return nil, errors.New("health config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Broker == nil {
		return nil, errors.New("broker cannot be nil")
	}

	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	h := &Health{
		logger:  cfg.Logger,
		clock:   clk,
		broker:  cfg.Broker,
		hub:     cfg.Hub,
		store:   cfg.Store,
		started: clk.Now(),
		grpc:    health.NewServer(),
	}
	h.Sync()
	return h, nil
}

// GRPC returns the health service to register on a gRPC server.
func (h *Health) GRPC() *health.Server {
	return h.grpc
}

// Report builds the current health report.
func (h *Health) Report(ctx context.Context) HealthReport {
	now := h.clock.Now()
	report := HealthReport{
		Timestamp:        now.UTC(),
		Status:           StatusHealthy,
		Uptime:           now.Sub(h.started).Seconds(),
		ConnectedClients: h.hub.Stats().ConnectedClients,
		MQTTConnected:    h.broker.IsConnected(),
		StoreReachable:   true,
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			report.StoreReachable = false
			report.StoreError = err.Error()
		}
	}

	if !report.MQTTConnected || !report.StoreReachable {
		report.Status = StatusDegraded
	}
	return report
}

// ServeHTTP implements http.Handler.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Report(r.Context())); err != nil {
		h.logger.Error("failed to write health report", "error", err)
	}
}

// Sync publishes the broker state to the gRPC health service.
func (h *Health) Sync() {
	status := healthpb.HealthCheckResponse_SERVING
	if !h.broker.IsConnected() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.grpc.SetServingStatus("", status)
	h.grpc.SetServingStatus(ServiceName, status)
}

// Watch calls Sync every interval until ctx ends.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sync()
		}
	}
}

// Shutdown marks every service as not serving.
func (h *Health) Shutdown() {
	h.grpc.Shutdown()
}
