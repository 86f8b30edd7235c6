package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
)

// gatewayFields are the measurements kept from a gateway payload. The
// gateway protocol has a fixed schema, so anything else is discarded.
var gatewayFields = []string{"temperature", "humidity", "rssi"}

// handleGatewayData registers the gateway and the node that reported
// through it, and stores the node's known measurements.
func (r *Router) handleGatewayData(ctx context.Context, doc model.Document) error {
	gatewayID, hasGateway := doc.Identifier(fieldGatewayID)
	mac, hasMAC := doc.Identifier(fieldMAC)
	if !hasGateway || !hasMAC {
		return missing(fieldGatewayID + " or " + fieldMAC)
	}

	now := r.now()
	if err := r.ensureGateway(ctx, gatewayID); err != nil {
		return err
	}

	beacon, _ := doc.String(fieldBeaconName)
	beacon = strings.TrimSpace(beacon)

	if err := r.ensureNode(ctx, doc, mac, gatewayID, beacon); err != nil {
		return err
	}

	data := model.Document{}
	for _, key := range gatewayFields {
		if v, ok := doc.Number(key); ok {
			data[key] = v
		}
	}

	if len(data) > 0 {
		gw := gatewayID
		reading := &model.SensorReading{
			SourceID:   mac,
			SourceType: model.SourceNode,
			GatewayID:  &gw,
			Data:       data,
			Timestamp:  now,
		}
		if err := r.store.InsertReading(ctx, reading); err != nil {
			return fmt.Errorf("failed to store reading for node %s: %w", mac, err)
		}
		r.stored(ctx, reading)
	}

	label := beacon
	if label == "" {
		label = mac
	}
	return r.audit.Record(ctx, &model.SystemLog{
		Category: model.CategoryMQTT,
		Message:  fmt.Sprintf("Sensor data received from %s via %s", label, gatewayID),
		Details:  data.Clone(),
		SourceID: mac,
	})
}

func (r *Router) ensureGateway(ctx context.Context, gatewayID string) error {
	now := r.now()

	gateway, err := r.store.GetGateway(ctx, gatewayID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		gateway = &model.Gateway{
			GatewayID: gatewayID,
			Name:      gatewayID,
			Status:    model.StatusActive,
			LastSeen:  now,
		}
		if err := r.store.CreateGateway(ctx, gateway); err != nil {
			return fmt.Errorf("failed to register gateway %s: %w", gatewayID, err)
		}
		r.registered("gateway")
		r.logger.Info("auto-registered gateway", "gateway_id", gatewayID)

		if err := r.audit.Record(ctx, &model.SystemLog{
			Category: model.CategoryGateway,
			Message:  "New gateway auto-registered: " + gatewayID,
			SourceID: gatewayID,
		}); err != nil {
			return err
		}

	case err != nil:
		return fmt.Errorf("failed to look up gateway %s: %w", gatewayID, err)

	default:
		wasLive := gateway.Status.IsLive()
		if err := r.store.TouchGateway(ctx, gatewayID, now); err != nil {
			return fmt.Errorf("failed to refresh gateway %s: %w", gatewayID, err)
		}
		if wasLive {
			return nil
		}
		gateway.Status = model.StatusActive
		gateway.LastSeen = now
	}

	r.hub.Broadcast(hub.GatewayStatus(gateway), hub.ChannelGateways)
	return nil
}

// ensureNode registers the node under its gateway, or refreshes it. A
// refresh without an rssi keeps the previous one.
func (r *Router) ensureNode(ctx context.Context, doc model.Document, mac, gatewayID, beacon string) error {
	now := r.now()
	rssi, hasRSSI := doc.Number("rssi")

	_, err := r.store.GetNode(ctx, mac, gatewayID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		name := beacon
		if name == "" {
			name = mac
		}
		node := &model.Node{
			MAC:       mac,
			GatewayID: gatewayID,
			Name:      name,
			RSSI:      rssi,
			LastSeen:  now,
		}
		if err := r.store.CreateNode(ctx, node); err != nil {
			return fmt.Errorf("failed to register node %s: %w", mac, err)
		}
		r.registered("node")
		r.logger.Info("auto-registered node", "mac", mac, "gateway_id", gatewayID, "name", name)
		return nil

	case err != nil:
		return fmt.Errorf("failed to look up node %s: %w", mac, err)
	}

	var update *float64
	if hasRSSI {
		update = &rssi
	}
	if err := r.store.TouchNode(ctx, mac, gatewayID, update, now); err != nil {
		return fmt.Errorf("failed to refresh node %s: %w", mac, err)
	}
	return nil
}
