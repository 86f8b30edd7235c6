// Package dispatcher publishes commands and OTA update requests to
// devices through the MQTT broker.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/iot-hub/internal/audit"
	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/pkg/broker"
	"procodus.dev/iot-hub/pkg/clock"
	"procodus.dev/iot-hub/pkg/logger"
)

// Default topic prefixes. Commands go to <CommandPrefix>/<device id> and
// OTA requests to <OTAPrefix>/<device id>/update.
const (
	DefaultCommandPrefix = "CommandRequest"
	DefaultOTAPrefix     = "OTA"
)

var (
	// ErrNotConnected is returned when the broker connection is down.
	// Nothing is published or recorded in that case.
	ErrNotConnected = broker.ErrNotConnected
	// ErrInvalidDeviceID is returned for ids that cannot form a topic level.
	ErrInvalidDeviceID = errors.New("invalid device id")
	// ErrEmptyCommand is returned when no command name is given.
	ErrEmptyCommand = errors.New("command cannot be empty")
	// ErrMissingFirmware is returned when the version or URL is missing.
	ErrMissingFirmware = errors.New("firmware version and url are required")
)

// CommandMessage is the body published for a command.
type CommandMessage struct {
	Timestamp time.Time      `json:"timestamp"`
	Params    map[string]any `json:"params"`
	DeviceID  string         `json:"device_id"`
	Command   string         `json:"command"`
}

// OTAMessage is the body published for a firmware update.
type OTAMessage struct {
	Timestamp       time.Time `json:"timestamp"`
	DeviceID        string    `json:"device_id"`
	FirmwareVersion string    `json:"firmware_version"`
	FirmwareURL     string    `json:"firmware_url"`
}

// Config holds the configuration for the dispatcher.
type Config struct {
	Logger *slog.Logger
	Broker broker.ClientInterface
	Store  store.Store
	// Hub is optional; OTA requests are announced on the ota channel.
	Hub           hub.Broadcaster
	Clock         clock.Clock
	CommandPrefix string
	OTAPrefix     string
}

// Dispatcher sends outbound device messages.
type Dispatcher struct {
	logger        *slog.Logger
	broker        broker.ClientInterface
	store         store.Store
	hub           hub.Broadcaster
	clock         clock.Clock
	audit         *audit.Recorder
	commandPrefix string
	otaPrefix     string
}

// New creates a dispatcher.
func New(cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Broker == nil {
		return nil, errors.New("broker cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	log := logger.Component(cfg.Logger, "dispatcher")
	recorder, err := audit.New(&audit.Config{Logger: log, Store: cfg.Store, Hub: cfg.Hub, Clock: clk})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit recorder: %w", err)
	}

	d := &Dispatcher{
		logger:        log,
		broker:        cfg.Broker,
		store:         cfg.Store,
		hub:           cfg.Hub,
		clock:         clk,
		audit:         recorder,
		commandPrefix: cfg.CommandPrefix,
		otaPrefix:     cfg.OTAPrefix,
	}
	if d.commandPrefix == "" {
		d.commandPrefix = DefaultCommandPrefix
	}
	if d.otaPrefix == "" {
		d.otaPrefix = DefaultOTAPrefix
	}
	return d, nil
}

// CommandTopic returns the topic commands for deviceID are published on.
func (d *Dispatcher) CommandTopic(deviceID string) string {
	return d.commandPrefix + "/" + deviceID
}

// OTATopic returns the topic OTA requests for deviceID are published on.
func (d *Dispatcher) OTATopic(deviceID string) string {
	return d.otaPrefix + "/" + deviceID + "/update"
}

// SendCommand publishes command with params to the device and records it.
// It returns once the broker acknowledged the publish.
func (d *Dispatcher) SendCommand(ctx context.Context, deviceID, command string, params map[string]any) error {
	if !broker.ValidTopicLevel(deviceID) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	if command == "" {
		return ErrEmptyCommand
	}
	if !d.broker.IsConnected() {
		return ErrNotConnected
	}
	if params == nil {
		params = map[string]any{}
	}

	msg := CommandMessage{
		DeviceID:  deviceID,
		Command:   command,
		Params:    params,
		Timestamp: d.clock.Now().UTC(),
	}
	if err := d.publish(ctx, d.CommandTopic(deviceID), msg); err != nil {
		return err
	}

	// The command is out; a failed audit write must not report it as unsent.
	d.audit.Try(ctx, &model.SystemLog{
		Level:    model.LevelInfo,
		Category: model.CategoryCommand,
		Message:  fmt.Sprintf("Command sent to %s: %s", deviceID, command),
		Details: model.Document{
			"device_id": deviceID,
			"command":   command,
			"params":    params,
			"timestamp": msg.Timestamp.Format(time.RFC3339Nano),
		},
		SourceID: deviceID,
	})

	d.logger.Info("command sent", "device_id", deviceID, "command", command)
	return nil
}

// SendOTAUpdate asks the device to install version from url. The pending
// history row is written before publishing so that a quick response from
// the device always finds it; a failed publish resolves it as failed.
func (d *Dispatcher) SendOTAUpdate(ctx context.Context, deviceID, version, url string) (*model.OTAUpdate, error) {
	if !broker.ValidTopicLevel(deviceID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	if version == "" || url == "" {
		return nil, ErrMissingFirmware
	}
	if !d.broker.IsConnected() {
		return nil, ErrNotConnected
	}

	now := d.clock.Now().UTC()
	update := &model.OTAUpdate{
		DeviceID:        deviceID,
		FirmwareVersion: version,
		FirmwareURL:     url,
		Status:          model.OTAPending,
		CreatedAt:       now,
	}
	if err := d.store.CreateOTAUpdate(ctx, update); err != nil {
		return nil, fmt.Errorf("failed to record OTA update for %s: %w", deviceID, err)
	}

	msg := OTAMessage{
		DeviceID:        deviceID,
		FirmwareVersion: version,
		FirmwareURL:     url,
		Timestamp:       now,
	}
	if err := d.publish(ctx, d.OTATopic(deviceID), msg); err != nil {
		if _, rerr := d.store.ResolveOTAUpdate(ctx, deviceID, version, model.OTAFailed, err.Error(), now); rerr != nil {
			d.logger.Error("failed to resolve unsent OTA update", "device_id", deviceID, "error", rerr)
		}
		return nil, err
	}

	d.audit.Try(ctx, &model.SystemLog{
		Level:    model.LevelInfo,
		Category: model.CategoryOTA,
		Message:  "OTA update command sent to " + deviceID,
		Details: model.Document{
			"device_id":        deviceID,
			"firmware_version": version,
			"firmware_url":     url,
			"timestamp":        now.Format(time.RFC3339Nano),
		},
		SourceID: deviceID,
	})

	if d.hub != nil {
		d.hub.Broadcast(hub.OTAUpdate(deviceID, model.OTAPending, update), hub.ChannelOTA)
	}

	d.logger.Info("OTA update sent", "device_id", deviceID, "firmware_version", version)
	return update, nil
}

func (d *Dispatcher) publish(ctx context.Context, topic string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", topic, err)
	}

	if err := d.broker.Publish(ctx, topic, body); err != nil {
		if errors.Is(err, broker.ErrNotConnected) {
			return ErrNotConnected
		}
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
