// Package sweeper marks devices and gateways offline once they stop
// reporting, independently of message traffic.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/iot-hub/internal/audit"
	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/pkg/clock"
	"procodus.dev/iot-hub/pkg/logger"
	"procodus.dev/iot-hub/pkg/metrics"
)

const (
	// InactivityThreshold is how long an entity may stay silent before it
	// is considered offline.
	InactivityThreshold = 5 * time.Minute
	// ScanInterval is the time between scans.
	ScanInterval = time.Minute
)

// Config holds the configuration for the sweeper.
type Config struct {
	Logger *slog.Logger
	Store  store.Store
	// Hub is optional; demotions are broadcast when it is set.
	Hub     hub.Broadcaster
	Clock   clock.Clock
	Metrics *metrics.SweeperMetrics
}

// Sweeper periodically demotes stale devices and gateways.
type Sweeper struct {
	logger  *slog.Logger
	store   store.Store
	hub     hub.Broadcaster
	clock   clock.Clock
	audit   *audit.Recorder
	metrics *metrics.SweeperMetrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sweeper. It does nothing until Start.
func New(cfg *Config) (*Sweeper, error) {
	if cfg == nil {
		return nil, errors.New("sweeper config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	log := logger.Component(cfg.Logger, "sweeper")
	recorder, err := audit.New(&audit.Config{Logger: log, Store: cfg.Store, Hub: cfg.Hub, Clock: clk})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit recorder: %w", err)
	}

	return &Sweeper{
		logger:  log,
		store:   cfg.Store,
		hub:     cfg.Hub,
		clock:   clk,
		audit:   recorder,
		metrics: cfg.Metrics,
	}, nil
}

// Start scans once immediately and then every ScanInterval until Stop or
// until ctx ends. Starting a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.clock.NewTicker(ScanInterval)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()

		_ = s.Scan(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Scan(ctx)
			}
		}
	}()

	s.logger.Info("sweeper started", "threshold", InactivityThreshold, "interval", ScanInterval)
}

// Stop halts the sweeper and waits for a running scan to finish. Stopping
// a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

// Scan runs one pass over devices, gateways and nodes. Each kind is
// scanned even if another failed; the failures are logged and joined.
func (s *Sweeper) Scan(ctx context.Context) error {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.ScanDuration)
		defer timer.ObserveDuration()
	}

	cutoff := s.clock.Now().UTC().Add(-InactivityThreshold)

	scans := []struct {
		kind string
		run  func(context.Context, time.Time) error
	}{
		{"device", s.scanDevices},
		{"gateway", s.scanGateways},
		{"node", s.scanNodes},
	}

	var errs []error
	for _, scan := range scans {
		status := "ok"
		if err := scan.run(ctx, cutoff); err != nil {
			status = "error"
			s.logger.Error("inactivity scan failed", "kind", scan.kind, "error", err)
			errs = append(errs, fmt.Errorf("%s scan: %w", scan.kind, err))
		}
		if s.metrics != nil {
			s.metrics.Scans.WithLabelValues(scan.kind, status).Inc()
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) scanDevices(ctx context.Context, cutoff time.Time) error {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for i := range devices {
		d := &devices[i]
		if !d.Status.IsLive() || !d.LastSeen.Before(cutoff) {
			continue
		}

		demoted, err := s.store.MarkDeviceOffline(ctx, d.DeviceID, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.DeviceID, err))
			continue
		}
		if !demoted {
			// Refreshed since the listing.
			continue
		}

		d.Status = model.StatusOffline
		s.demoted("device")
		s.logger.Warn("device marked offline", "device_id", d.DeviceID, "last_seen", d.LastSeen)

		if err := s.audit.Record(ctx, &model.SystemLog{
			Level:    model.LevelWarn,
			Category: model.CategoryDevice,
			Message:  "Device marked offline due to inactivity (last seen: " + stamp(d.LastSeen) + ")",
			Details:  model.Document{"last_seen": stamp(d.LastSeen), "threshold": InactivityThreshold.String()},
			SourceID: d.DeviceID,
		}); err != nil {
			errs = append(errs, err)
		}

		if s.hub != nil {
			s.hub.Broadcast(hub.DeviceStatus(d), hub.ChannelDevices)
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) scanGateways(ctx context.Context, cutoff time.Time) error {
	gateways, err := s.store.ListGateways(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for i := range gateways {
		g := &gateways[i]
		if !g.Status.IsLive() || !g.LastSeen.Before(cutoff) {
			continue
		}

		demoted, err := s.store.MarkGatewayOffline(ctx, g.GatewayID, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("gateway %s: %w", g.GatewayID, err))
			continue
		}
		if !demoted {
			continue
		}

		g.Status = model.StatusOffline
		s.demoted("gateway")
		s.logger.Warn("gateway marked offline", "gateway_id", g.GatewayID, "last_seen", g.LastSeen)

		if err := s.audit.Record(ctx, &model.SystemLog{
			Level:    model.LevelWarn,
			Category: model.CategoryGateway,
			Message:  "Gateway marked offline due to inactivity (last seen: " + stamp(g.LastSeen) + ")",
			Details:  model.Document{"last_seen": stamp(g.LastSeen), "threshold": InactivityThreshold.String()},
			SourceID: g.GatewayID,
		}); err != nil {
			errs = append(errs, err)
		}

		if s.hub != nil {
			s.hub.Broadcast(hub.GatewayStatus(g), hub.ChannelGateways)
		}
	}
	return errors.Join(errs...)
}

// scanNodes only reports: nodes have no status to demote, so a silent
// node is logged on every scan until it reports again.
func (s *Sweeper) scanNodes(ctx context.Context, cutoff time.Time) error {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, n := range nodes {
		if !n.LastSeen.Before(cutoff) {
			continue
		}

		name := n.Name
		if name == "" {
			name = n.MAC
		}
		s.logger.Warn("node inactive", "mac", n.MAC, "gateway_id", n.GatewayID, "last_seen", n.LastSeen)

		if err := s.audit.Record(ctx, &model.SystemLog{
			Level:    model.LevelWarn,
			Category: model.CategoryNode,
			Message:  fmt.Sprintf("Node %s inactive (last seen: %s)", name, stamp(n.LastSeen)),
			Details:  model.Document{"gateway_id": n.GatewayID, "last_seen": stamp(n.LastSeen)},
			SourceID: n.MAC,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) demoted(kind string) {
	if s.metrics != nil {
		s.metrics.Demotions.WithLabelValues(kind).Inc()
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
