package router

import (
	"context"
	"errors"
	"fmt"

	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
)

// handleSensorData stores a reading published directly by a device. Every
// payload field except the device id is kept.
func (r *Router) handleSensorData(ctx context.Context, doc model.Document) error {
	deviceID, ok := doc.Identifier(fieldDeviceID)
	if !ok {
		return missing(fieldDeviceID)
	}

	now := r.now()
	if err := r.ensureDevice(ctx, deviceID); err != nil {
		return err
	}

	reading := &model.SensorReading{
		SourceID:   deviceID,
		SourceType: model.SourceDevice,
		Data:       doc.Without(fieldDeviceID),
		Timestamp:  now,
	}
	if err := r.store.InsertReading(ctx, reading); err != nil {
		return fmt.Errorf("failed to store reading for device %s: %w", deviceID, err)
	}
	r.stored(ctx, reading)

	return r.audit.Record(ctx, &model.SystemLog{
		Category: model.CategoryDevice,
		Message:  "Sensor data received from " + deviceID,
		Details:  doc,
		SourceID: deviceID,
	})
}

// ensureDevice auto-registers an unknown device or marks a known one
// active. Dashboards hear about it when the device was not live before.
func (r *Router) ensureDevice(ctx context.Context, deviceID string) error {
	now := r.now()

	device, err := r.store.GetDevice(ctx, deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		device = &model.Device{
			DeviceID: deviceID,
			Name:     deviceID,
			Status:   model.StatusActive,
			LastSeen: now,
		}
		if err := r.store.CreateDevice(ctx, device); err != nil {
			return fmt.Errorf("failed to register device %s: %w", deviceID, err)
		}
		r.registered("device")
		r.logger.Info("auto-registered device", "device_id", deviceID)

		if err := r.audit.Record(ctx, &model.SystemLog{
			Category: model.CategoryDevice,
			Message:  "New device auto-registered: " + deviceID,
			SourceID: deviceID,
		}); err != nil {
			return err
		}

	case err != nil:
		return fmt.Errorf("failed to look up device %s: %w", deviceID, err)

	default:
		wasLive := device.Status.IsLive()
		if err := r.store.TouchDevice(ctx, deviceID, now); err != nil {
			return fmt.Errorf("failed to refresh device %s: %w", deviceID, err)
		}
		if wasLive {
			return nil
		}
		device.Status = model.StatusActive
		device.LastSeen = now
	}

	r.hub.Broadcast(hub.DeviceStatus(device), hub.ChannelDevices)
	return nil
}
