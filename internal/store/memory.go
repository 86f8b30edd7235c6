package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"procodus.dev/iot-hub/internal/model"
)

type nodeKey struct {
	mac       string
	gatewayID string
}

// MemoryStore keeps every collection in process. Returned entities are
// copies, so callers cannot mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   uint
	devices  map[string]*model.Device
	gateways map[string]*model.Gateway
	nodes    map[nodeKey]*model.Node
	readings []model.SensorReading
	logs     []model.SystemLog
	ota      []model.OTAUpdate
	closed   bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*model.Device),
		gateways: make(map[string]*model.Gateway),
		nodes:    make(map[nodeKey]*model.Node),
	}
}

func (s *MemoryStore) id() uint {
	s.nextID++
	return s.nextID
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// GetDevice implements Store.
func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}

// CreateDevice implements Store.
func (s *MemoryStore) CreateDevice(_ context.Context, device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.devices[device.DeviceID]; ok {
		existing.Status = device.Status
		existing.LastSeen = later(existing.LastSeen, device.LastSeen)
		existing.UpdatedAt = device.LastSeen
		*device = *existing
		return nil
	}

	d := *device
	d.ID = s.id()
	d.CreatedAt = device.LastSeen
	d.UpdatedAt = device.LastSeen
	s.devices[d.DeviceID] = &d
	*device = d
	return nil
}

// TouchDevice implements Store.
func (s *MemoryStore) TouchDevice(_ context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Status = model.StatusActive
	d.LastSeen = later(d.LastSeen, at)
	d.UpdatedAt = at
	return nil
}

// MarkDeviceOffline implements Store.
func (s *MemoryStore) MarkDeviceOffline(_ context.Context, deviceID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return false, ErrNotFound
	}
	if !d.Status.IsLive() || !d.LastSeen.Before(cutoff) {
		return false, nil
	}
	d.Status = model.StatusOffline
	return true, nil
}

// SetDeviceFirmware implements Store.
func (s *MemoryStore) SetDeviceFirmware(_ context.Context, deviceID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.FirmwareVersion = version
	return nil
}

// ListDevices implements Store.
func (s *MemoryStore) ListDevices(_ context.Context) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b model.Device) int { return int(a.ID) - int(b.ID) })
	return out, nil
}

// GetGateway implements Store.
func (s *MemoryStore) GetGateway(_ context.Context, gatewayID string) (*model.Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *g
	return &out, nil
}

// CreateGateway implements Store.
func (s *MemoryStore) CreateGateway(_ context.Context, gateway *model.Gateway) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.gateways[gateway.GatewayID]; ok {
		existing.Status = gateway.Status
		existing.LastSeen = later(existing.LastSeen, gateway.LastSeen)
		existing.UpdatedAt = gateway.LastSeen
		*gateway = *existing
		return nil
	}

	g := *gateway
	g.ID = s.id()
	g.CreatedAt = gateway.LastSeen
	g.UpdatedAt = gateway.LastSeen
	s.gateways[g.GatewayID] = &g
	*gateway = g
	return nil
}

// TouchGateway implements Store.
func (s *MemoryStore) TouchGateway(_ context.Context, gatewayID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return ErrNotFound
	}
	g.Status = model.StatusActive
	g.LastSeen = later(g.LastSeen, at)
	g.UpdatedAt = at
	return nil
}

// MarkGatewayOffline implements Store.
func (s *MemoryStore) MarkGatewayOffline(_ context.Context, gatewayID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return false, ErrNotFound
	}
	if !g.Status.IsLive() || !g.LastSeen.Before(cutoff) {
		return false, nil
	}
	g.Status = model.StatusOffline
	return true, nil
}

// ListGateways implements Store.
func (s *MemoryStore) ListGateways(_ context.Context) ([]model.Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Gateway, 0, len(s.gateways))
	for _, g := range s.gateways {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b model.Gateway) int { return int(a.ID) - int(b.ID) })
	return out, nil
}

// CountNodes implements Store.
func (s *MemoryStore) CountNodes(_ context.Context, gatewayID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for k := range s.nodes {
		if k.gatewayID == gatewayID {
			n++
		}
	}
	return n, nil
}

// GetNode implements Store.
func (s *MemoryStore) GetNode(_ context.Context, mac, gatewayID string) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeKey{mac, gatewayID}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *n
	return &out, nil
}

// CreateNode implements Store.
func (s *MemoryStore) CreateNode(_ context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nodeKey{node.MAC, node.GatewayID}
	if existing, ok := s.nodes[key]; ok {
		existing.RSSI = node.RSSI
		existing.LastSeen = later(existing.LastSeen, node.LastSeen)
		existing.UpdatedAt = node.LastSeen
		*node = *existing
		return nil
	}

	n := *node
	n.ID = s.id()
	n.CreatedAt = node.LastSeen
	n.UpdatedAt = node.LastSeen
	s.nodes[key] = &n
	*node = n
	return nil
}

// TouchNode implements Store.
func (s *MemoryStore) TouchNode(_ context.Context, mac, gatewayID string, rssi *float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeKey{mac, gatewayID}]
	if !ok {
		return ErrNotFound
	}
	if rssi != nil {
		n.RSSI = *rssi
	}
	n.LastSeen = later(n.LastSeen, at)
	n.UpdatedAt = at
	return nil
}

// ListNodes implements Store.
func (s *MemoryStore) ListNodes(_ context.Context) ([]model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	slices.SortFunc(out, func(a, b model.Node) int { return int(a.ID) - int(b.ID) })
	return out, nil
}

// InsertReading implements Store.
func (s *MemoryStore) InsertReading(_ context.Context, reading *model.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reading.ID = s.id()
	r := *reading
	r.Data = reading.Data.Clone()
	s.readings = append(s.readings, r)
	return nil
}

// RecentReadings implements Store.
func (s *MemoryStore) RecentReadings(_ context.Context, sourceID string, limit int) ([]model.SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SensorReading
	for i := len(s.readings) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if s.readings[i].SourceID == sourceID {
			out = append(out, s.readings[i])
		}
	}
	slices.SortStableFunc(out, func(a, b model.SensorReading) int { return b.Timestamp.Compare(a.Timestamp) })
	return out, nil
}

// InsertLog implements Store.
func (s *MemoryStore) InsertLog(_ context.Context, entry *model.SystemLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.id()
	s.logs = append(s.logs, *entry)
	return nil
}

// RecentLogs implements Store.
func (s *MemoryStore) RecentLogs(_ context.Context, limit int) ([]model.SystemLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SystemLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.logs[i])
	}
	return out, nil
}

// CreateOTAUpdate implements Store.
func (s *MemoryStore) CreateOTAUpdate(_ context.Context, update *model.OTAUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	update.ID = s.id()
	s.ota = append(s.ota, *update)
	return nil
}

// ResolveOTAUpdate implements Store.
func (s *MemoryStore) ResolveOTAUpdate(_ context.Context, deviceID, version string, status model.OTAStatus, detail string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pick := -1
	for i := len(s.ota) - 1; i >= 0; i-- {
		u := s.ota[i]
		if u.DeviceID != deviceID || u.Status != model.OTAPending {
			continue
		}
		if version == "" || u.FirmwareVersion == version {
			pick = i
			break
		}
	}
	if pick < 0 {
		return false, nil
	}

	completed := at
	s.ota[pick].Status = status
	s.ota[pick].Error = detail
	s.ota[pick].CompletedAt = &completed
	return true, nil
}

// ListOTAUpdates implements Store.
func (s *MemoryStore) ListOTAUpdates(_ context.Context, deviceID string) ([]model.OTAUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OTAUpdate
	for i := len(s.ota) - 1; i >= 0; i-- {
		if deviceID == "" || s.ota[i].DeviceID == deviceID {
			out = append(out, s.ota[i])
		}
	}
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
