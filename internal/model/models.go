// Package model holds the entities the hub persists: devices, gateways and
// their nodes, the append-only sensor readings and system logs, and the
// OTA update history.
package model

import (
	"time"
)

// Status is the liveness state of a device or gateway.
type Status string

// Entity statuses. Online is accepted from admin registration; ingestion
// always writes active.
const (
	StatusActive  Status = "active"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// IsLive reports whether the status counts as reachable for the sweeper.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusOnline
}

// LiveStatuses lists every status IsLive accepts.
func LiveStatuses() []Status {
	return []Status{StatusActive, StatusOnline}
}

// SourceType tells whether a reading came straight from a device or was
// relayed by a gateway on behalf of a node.
type SourceType string

const (
	SourceDevice SourceType = "device"
	SourceNode   SourceType = "node"
)

// LogLevel is the severity of a SystemLog entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogCategory groups SystemLog entries by the subsystem that wrote them.
type LogCategory string

const (
	CategoryMQTT    LogCategory = "mqtt"
	CategoryDevice  LogCategory = "device"
	CategoryGateway LogCategory = "gateway"
	CategoryOTA     LogCategory = "ota"
	CategoryNode    LogCategory = "node"
	CategoryCommand LogCategory = "command"
)

// OTAStatus is the state of an OTA update request.
type OTAStatus string

const (
	OTAPending OTAStatus = "pending"
	OTASuccess OTAStatus = "success"
	OTAFailed  OTAStatus = "failed"
)

// Device is a sensor that publishes directly to the broker.
type Device struct {
	LastSeen        time.Time `gorm:"index:idx_devices_last_seen;not null" json:"last_seen"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	DeviceID        string    `gorm:"uniqueIndex;not null" json:"device_id"`
	Name            string    `gorm:"not null" json:"name"`
	Status          Status    `gorm:"type:varchar(16);index;not null" json:"status"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	ID              uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for Device.
func (Device) TableName() string {
	return "devices"
}

// Gateway relays readings from nearby nodes. Its node count is computed by
// query, never stored.
type Gateway struct {
	LastSeen  time.Time `gorm:"index:idx_gateways_last_seen;not null" json:"last_seen"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	GatewayID string    `gorm:"uniqueIndex;not null" json:"gateway_id"`
	Name      string    `gorm:"not null" json:"name"`
	Status    Status    `gorm:"type:varchar(16);index;not null" json:"status"`
	ID        uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for Gateway.
func (Gateway) TableName() string {
	return "gateways"
}

// Node is a short-range beacon reachable through a gateway. The same MAC
// seen by two gateways is two nodes.
type Node struct {
	LastSeen  time.Time `gorm:"index:idx_nodes_last_seen;not null" json:"last_seen"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	MAC       string    `gorm:"column:mac;uniqueIndex:idx_node_identity;not null" json:"mac"`
	GatewayID string    `gorm:"uniqueIndex:idx_node_identity;index;not null" json:"gateway_id"`
	Name      string    `gorm:"not null" json:"name"`
	RSSI      float64   `gorm:"column:rssi" json:"rssi"`
	ID        uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for Node.
func (Node) TableName() string {
	return "nodes"
}

// SensorReading is an immutable measurement. GatewayID is nil for readings
// published directly by a device.
type SensorReading struct {
	Timestamp  time.Time  `gorm:"index:idx_readings_source_timestamp,priority:2;not null" json:"timestamp"`
	GatewayID  *string    `gorm:"index" json:"gateway_id"`
	Data       Document   `json:"data"`
	SourceID   string     `gorm:"index:idx_readings_source_timestamp,priority:1;not null" json:"source_id"`
	SourceType SourceType `gorm:"type:varchar(16);not null" json:"source_type"`
	ID         uint       `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for SensorReading.
func (SensorReading) TableName() string {
	return "sensor_readings"
}

// SystemLog is an immutable audit or diagnostic entry.
type SystemLog struct {
	Timestamp time.Time   `gorm:"index;not null" json:"timestamp"`
	Details   Document    `json:"details,omitempty"`
	Level     LogLevel    `gorm:"type:varchar(8);not null" json:"level"`
	Category  LogCategory `gorm:"type:varchar(16);index;not null" json:"category"`
	Message   string      `gorm:"not null" json:"message"`
	SourceID  string      `gorm:"index" json:"source_id,omitempty"`
	ID        uint        `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for SystemLog.
func (SystemLog) TableName() string {
	return "system_logs"
}

// OTAUpdate records one firmware update request and how it ended.
type OTAUpdate struct {
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DeviceID        string     `gorm:"index;not null" json:"device_id"`
	FirmwareVersion string     `gorm:"not null" json:"firmware_version"`
	FirmwareURL     string     `json:"firmware_url,omitempty"`
	Status          OTAStatus  `gorm:"type:varchar(16);index;not null" json:"status"`
	Error           string     `json:"error,omitempty"`
	ID              uint       `gorm:"primaryKey" json:"id"`
}


// TableName specifies the table name for OTAUpdate.
func (OTAUpdate) TableName() string {
	return "ota_updates"
}

// All returns every model, in migration order.
func All() []any {
	return []any{
		&Device{},
		&Gateway{},
		&Node{},
		&SensorReading{},
		&SystemLog{},
		&OTAUpdate{},
	}
}
