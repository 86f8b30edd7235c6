package router

import (
	"context"
	"errors"
	"fmt"

	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
)

// otaOutcome maps a device reported status onto the OTA history. Matching
// is exact; progress reports and unknown spellings resolve nothing.
func otaOutcome(status string) (model.OTAStatus, bool) {
	switch status {
	case "success":
		return model.OTASuccess, true
	case "failed", "failure", "error":
		return model.OTAFailed, true
	}
	return "", false
}

// handleOTAResponse records a device's answer to an OTA update request.
func (r *Router) handleOTAResponse(ctx context.Context, doc model.Document) error {
	deviceID, ok := doc.Identifier(fieldDeviceID)
	if !ok {
		return missing(fieldDeviceID)
	}

	status, _ := doc.String(fieldStatus)
	version, _ := doc.Identifier(fieldFirmwareVersion)

	outcome, final := otaOutcome(status)
	succeeded := final && outcome == model.OTASuccess

	level := model.LevelError
	if succeeded {
		level = model.LevelInfo
	}
	if err := r.audit.Record(ctx, &model.SystemLog{
		Level:    level,
		Category: model.CategoryOTA,
		Message:  fmt.Sprintf("OTA update %s for device %s", status, deviceID),
		Details:  doc,
		SourceID: deviceID,
	}); err != nil {
		return err
	}

	if succeeded && version != "" {
		err := r.store.SetDeviceFirmware(ctx, deviceID, version)
		switch {
		case errors.Is(err, store.ErrNotFound):
			r.logger.Warn("OTA success for unknown device", "device_id", deviceID, "firmware_version", version)
		case err != nil:
			return fmt.Errorf("failed to update firmware of device %s: %w", deviceID, err)
		}
	}

	if final {
		detail, _ := doc.String(fieldError)
		resolved, err := r.store.ResolveOTAUpdate(ctx, deviceID, version, outcome, detail, r.now())
		if err != nil {
			return fmt.Errorf("failed to resolve OTA update for device %s: %w", deviceID, err)
		}
		if !resolved {
			r.logger.Debug("no pending OTA update to resolve", "device_id", deviceID, "firmware_version", version)
		}
	}

	r.hub.Broadcast(hub.OTAUpdate(deviceID, model.OTAStatus(status), doc), hub.ChannelOTA)
	return nil
}
