package hub

import (
	"time"

	"procodus.dev/iot-hub/internal/model"
)

// Channels a dashboard client can subscribe to.
const (
	ChannelDevices    = "devices"
	ChannelGateways   = "gateways"
	ChannelSensorData = "sensor_data"
	ChannelOTA        = "ota"
	ChannelLogs       = "logs"
)

// Server to client message types.
const (
	TypeConnected     = "connected"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypePong          = "pong"
	TypeError         = "error"
	TypeMQTTMessage   = "mqtt_message"
	TypeDeviceStatus  = "device_status"
	TypeGatewayStatus = "gateway_status"
	TypeSensorData    = "sensor_data"
	TypeOTAUpdate     = "ota_update"
	TypeSystemLog     = "system_log"
)

// Client to server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Event is a server to client message. Only the fields relevant to Type
// are set; the hub fills Timestamp when it is zero.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
	Data       any       `json:"data,omitempty"`
	Log        any       `json:"log,omitempty"`
	Type       string    `json:"type"`
	Channel    string    `json:"channel,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	Message    string    `json:"message,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	GatewayID  string    `json:"gateway_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	SourceType string    `json:"source_type,omitempty"`
	SourceID   string    `json:"source_id,omitempty"`
}

// MQTTMessage is the raw passthrough of a broker message.
func MQTTMessage(topic string, payload model.Document) Event {
	return Event{Type: TypeMQTTMessage, Topic: topic, Payload: payload}
}

// DeviceStatus reports a device status transition.
func DeviceStatus(d *model.Device) Event {
	return Event{Type: TypeDeviceStatus, DeviceID: d.DeviceID, Status: string(d.Status), Data: d}
}

// GatewayStatus reports a gateway status transition.
func GatewayStatus(g *model.Gateway) Event {
	return Event{Type: TypeGatewayStatus, GatewayID: g.GatewayID, Status: string(g.Status), Data: g}
}

// SensorData carries a freshly stored reading.
func SensorData(r *model.SensorReading) Event {
	e := Event{
		Type:       TypeSensorData,
		SourceType: string(r.SourceType),
		SourceID:   r.SourceID,
		Data:       r.Data,
	}
	if r.GatewayID != nil {
		e.GatewayID = *r.GatewayID
	}
	return e
}

// OTAUpdate reports progress of a firmware update.
func OTAUpdate(deviceID string, status model.OTAStatus, data any) Event {
	return Event{Type: TypeOTAUpdate, DeviceID: deviceID, Status: string(status), Data: data}
}

// SystemLog forwards an audit entry.
func SystemLog(entry *model.SystemLog) Event {
	return Event{Type: TypeSystemLog, Log: entry}
}
