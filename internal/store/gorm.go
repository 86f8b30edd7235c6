package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"procodus.dev/iot-hub/internal/model"
)

// DBConfig holds the database configuration.
type DBConfig struct {
	Logger   *slog.Logger
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// GormStore implements Store on PostgreSQL through GORM.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewGormStore connects to PostgreSQL, runs migrations and returns the store.
func NewGormStore(cfg *DBConfig) (*GormStore, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // slog carries our logging
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")

	return NewGormStoreFromDB(db, cfg.Logger)
}

// NewGormStoreFromDB wraps an open connection and migrates the schema.
func NewGormStoreFromDB(db *gorm.DB, l *slog.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if l == nil {
		return nil, errors.New("logger cannot be nil")
	}

	l.Info("running database migrations")
	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	l.Info("database migrations completed successfully")

	return &GormStore{db: db, logger: l}, nil
}

// DB exposes the underlying connection.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// touched turns an UPDATE's RowsAffected into ErrNotFound when nothing matched.
func touched(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDevice implements Store.
func (s *GormStore) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	var d model.Device
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// CreateDevice implements Store.
func (s *GormStore) CreateDevice(ctx context.Context, device *model.Device) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":     device.Status,
			"last_seen":  gorm.Expr("GREATEST(devices.last_seen, EXCLUDED.last_seen)"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(device).Error
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// TouchDevice implements Store.
func (s *GormStore) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"status":    model.StatusActive,
			"last_seen": gorm.Expr("GREATEST(last_seen, ?)", at),
		})
	return touched(res)
}

// MarkDeviceOffline implements Store.
func (s *GormStore) MarkDeviceOffline(ctx context.Context, deviceID string, cutoff time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("device_id = ? AND status IN ? AND last_seen < ?", deviceID, model.LiveStatuses(), cutoff).
		Update("status", model.StatusOffline)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetDeviceFirmware implements Store.
func (s *GormStore) SetDeviceFirmware(ctx context.Context, deviceID, version string) error {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("device_id = ?", deviceID).
		Update("firmware_version", version)
	return touched(res)
}

// ListDevices implements Store.
func (s *GormStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	var out []model.Device
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return out, nil
}

// GetGateway implements Store.
func (s *GormStore) GetGateway(ctx context.Context, gatewayID string) (*model.Gateway, error) {
	var g model.Gateway
	if err := s.db.WithContext(ctx).Where("gateway_id = ?", gatewayID).First(&g).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// CreateGateway implements Store.
func (s *GormStore) CreateGateway(ctx context.Context, gateway *model.Gateway) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "gateway_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":     gateway.Status,
			"last_seen":  gorm.Expr("GREATEST(gateways.last_seen, EXCLUDED.last_seen)"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(gateway).Error
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	return nil
}

// TouchGateway implements Store.
func (s *GormStore) TouchGateway(ctx context.Context, gatewayID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Gateway{}).
		Where("gateway_id = ?", gatewayID).
		Updates(map[string]any{
			"status":    model.StatusActive,
			"last_seen": gorm.Expr("GREATEST(last_seen, ?)", at),
		})
	return touched(res)
}

// MarkGatewayOffline implements Store.
func (s *GormStore) MarkGatewayOffline(ctx context.Context, gatewayID string, cutoff time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Gateway{}).
		Where("gateway_id = ? AND status IN ? AND last_seen < ?", gatewayID, model.LiveStatuses(), cutoff).
		Update("status", model.StatusOffline)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListGateways implements Store.
func (s *GormStore) ListGateways(ctx context.Context) ([]model.Gateway, error) {
	var out []model.Gateway
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list gateways: %w", err)
	}
	return out, nil
}

// CountNodes implements Store.
func (s *GormStore) CountNodes(ctx context.Context, gatewayID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Node{}).Where("gateway_id = ?", gatewayID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return n, nil
}

// GetNode implements Store.
func (s *GormStore) GetNode(ctx context.Context, mac, gatewayID string) (*model.Node, error) {
	var n model.Node
	if err := s.db.WithContext(ctx).Where("mac = ? AND gateway_id = ?", mac, gatewayID).First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

// CreateNode implements Store.
func (s *GormStore) CreateNode(ctx context.Context, node *model.Node) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "mac"}, {Name: "gateway_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"rssi":       gorm.Expr("EXCLUDED.rssi"),
			"last_seen":  gorm.Expr("GREATEST(nodes.last_seen, EXCLUDED.last_seen)"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(node).Error
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// TouchNode implements Store.
func (s *GormStore) TouchNode(ctx context.Context, mac, gatewayID string, rssi *float64, at time.Time) error {
	updates := map[string]any{
		"last_seen": gorm.Expr("GREATEST(last_seen, ?)", at),
	}
	if rssi != nil {
		updates["rssi"] = *rssi
	}

	res := s.db.WithContext(ctx).Model(&model.Node{}).
		Where("mac = ? AND gateway_id = ?", mac, gatewayID).
		Updates(updates)
	return touched(res)
}

// ListNodes implements Store.
func (s *GormStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	var out []model.Node
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return out, nil
}

// InsertReading implements Store.
func (s *GormStore) InsertReading(ctx context.Context, reading *model.SensorReading) error {
	if err := s.db.WithContext(ctx).Create(reading).Error; err != nil {
		return fmt.Errorf("failed to create sensor reading: %w", err)
	}
	return nil
}

// RecentReadings implements Store.
func (s *GormStore) RecentReadings(ctx context.Context, sourceID string, limit int) ([]model.SensorReading, error) {
	q := s.db.WithContext(ctx).Where("source_id = ?", sourceID).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []model.SensorReading
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to query sensor readings: %w", err)
	}
	return out, nil
}

// InsertLog implements Store.
func (s *GormStore) InsertLog(ctx context.Context, entry *model.SystemLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create system log: %w", err)
	}
	return nil
}

// RecentLogs implements Store.
func (s *GormStore) RecentLogs(ctx context.Context, limit int) ([]model.SystemLog, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []model.SystemLog
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to query system logs: %w", err)
	}
	return out, nil
}

// CreateOTAUpdate implements Store.
func (s *GormStore) CreateOTAUpdate(ctx context.Context, update *model.OTAUpdate) error {
	if err := s.db.WithContext(ctx).Create(update).Error; err != nil {
		return fmt.Errorf("failed to create OTA update: %w", err)
	}
	return nil
}

// ResolveOTAUpdate implements Store.
func (s *GormStore) ResolveOTAUpdate(ctx context.Context, deviceID, version string, status model.OTAStatus, detail string, at time.Time) (bool, error) {
	resolved := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND status = ?", deviceID, model.OTAPending).
			Order("created_at DESC, id DESC")
		if version != "" {
			q = q.Where("firmware_version = ?", version)
		}

		var u model.OTAUpdate
		err := q.First(&u).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		resolved = true
		return tx.Model(&u).Updates(map[string]any{
			"status":       status,
			"error":        detail,
			"completed_at": at,
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to resolve OTA update: %w", err)
	}
	return resolved, nil
}

// ListOTAUpdates implements Store.
func (s *GormStore) ListOTAUpdates(ctx context.Context, deviceID string) ([]model.OTAUpdate, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}

	var out []model.OTAUpdate
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list OTA updates: %w", err)
	}
	return out, nil
}

// Ping implements Store.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Store.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	s.logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.logger.Info("database connection closed")
	return nil
}

var _ Store = (*GormStore)(nil)
