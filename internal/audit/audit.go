// Package audit writes SystemLog entries and mirrors them to dashboard
// clients on the logs channel.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/pkg/clock"
)

// LogWriter is the store operation the recorder needs.
type LogWriter interface {
	InsertLog(ctx context.Context, entry *model.SystemLog) error
}

// Config holds the configuration for the recorder.
type Config struct {
	Logger *slog.Logger
	Store  LogWriter
	// Hub is optional; without it entries are only persisted.
	Hub   hub.Broadcaster
	Clock clock.Clock
}

// Recorder persists audit entries.
type Recorder struct {
	logger *slog.Logger
	store  LogWriter
	hub    hub.Broadcaster
	clock  clock.Clock
}

// New creates a recorder.
func New(cfg *Config) (*Recorder, error) {
	if cfg == nil {
		return nil, errors.New("audit config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	r := &Recorder{
		logger: cfg.Logger,
		store:  cfg.Store,
		hub:    cfg.Hub,
		clock:  cfg.Clock,
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	return r, nil
}

// Record stores entry and broadcasts it. Timestamp and Level default to
// now and info.
func (r *Recorder) Record(ctx context.Context, entry *model.SystemLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = model.LevelInfo
	}

	if err := r.store.InsertLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to write %s log: %w", entry.Category, err)
	}

	if r.hub != nil {
		r.hub.Broadcast(hub.SystemLog(entry), hub.ChannelLogs)
	}
	return nil
}

// Try is Record for callers that are already handling another outcome.
// A failure is reported to the process logger only.
func (r *Recorder) Try(ctx context.Context, entry *model.SystemLog) {
	if err := r.Record(ctx, entry); err != nil {
		r.logger.Error("failed to record system log",
			"category", entry.Category,
			"message", entry.Message,
			"error", err,
		)
	}
}
