// Package store persists hub entities. The Store interface is what the
// router, sweeper and dispatcher depend on; GormStore backs it with
// PostgreSQL and MemoryStore keeps everything in process.
package store

import (
	"context"
	"errors"
	"time"

	"procodus.dev/iot-hub/internal/model"
)

var (
	// ErrNotFound is returned when an entity identity has no record.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned by Ping after Close.
	ErrClosed = errors.New("store is closed")
)

// Store is the persistence contract of the hub.
//
// Create* never fail on an existing identity: the existing record has its
// status and last_seen refreshed instead. Touch* move last_seen forward
// only, so it never decreases. Mark*Offline only demote an entity that is
// still live and was last seen before cutoff, which keeps a concurrent
// refresh from being overwritten by the sweeper.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	CreateDevice(ctx context.Context, device *model.Device) error
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error
	MarkDeviceOffline(ctx context.Context, deviceID string, cutoff time.Time) (bool, error)
	SetDeviceFirmware(ctx context.Context, deviceID, version string) error
	ListDevices(ctx context.Context) ([]model.Device, error)

	GetGateway(ctx context.Context, gatewayID string) (*model.Gateway, error)
	CreateGateway(ctx context.Context, gateway *model.Gateway) error
	TouchGateway(ctx context.Context, gatewayID string, at time.Time) error
	MarkGatewayOffline(ctx context.Context, gatewayID string, cutoff time.Time) (bool, error)
	ListGateways(ctx context.Context) ([]model.Gateway, error)
	CountNodes(ctx context.Context, gatewayID string) (int64, error)

	GetNode(ctx context.Context, mac, gatewayID string) (*model.Node, error)
	CreateNode(ctx context.Context, node *model.Node) error
	// TouchNode refreshes last_seen, and rssi when it is non-nil.
	TouchNode(ctx context.Context, mac, gatewayID string, rssi *float64, at time.Time) error
	ListNodes(ctx context.Context) ([]model.Node, error)

	InsertReading(ctx context.Context, reading *model.SensorReading) error
	// RecentReadings returns the newest readings of a source first.
	RecentReadings(ctx context.Context, sourceID string, limit int) ([]model.SensorReading, error)

	InsertLog(ctx context.Context, entry *model.SystemLog) error
	RecentLogs(ctx context.Context, limit int) ([]model.SystemLog, error)

	CreateOTAUpdate(ctx context.Context, update *model.OTAUpdate) error
	// ResolveOTAUpdate completes the newest pending update of a device for
	// the given version, or of any version when version is empty. It
	// reports false when no such update is pending.
	ResolveOTAUpdate(ctx context.Context, deviceID, version string, status model.OTAStatus, detail string, at time.Time) (bool, error)
	ListOTAUpdates(ctx context.Context, deviceID string) ([]model.OTAUpdate, error)

	Ping(ctx context.Context) error
	Close() error
}
