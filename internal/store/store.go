package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"guardian-backend/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyBound is returned when binding a device that belongs to another tenant.
	ErrAlreadyBound = errors.New("device is bound to another tenant")
)

// Store defines the interface for all database operations.
type Store interface {
	DeviceBySerial(ctx context.Context, serial string) (*model.Device, error)
	DevicesByTenant(ctx context.Context, tenantID int64) ([]model.Device, error)
	BindDevice(ctx context.Context, serial string, tenantID int64) error
	UnbindDevice(ctx context.Context, serial string) error
	TouchHeartbeat(ctx context.Context, deviceID int64, at time.Time, firmware string) (*model.Device, error)
	UpdateDeviceState(ctx context.Context, deviceID int64, state datatypes.JSON, fault *bool) (*model.Device, error)
	StaleOnlineDevices(ctx context.Context, cutoff time.Time) ([]model.Device, error)
	MarkDeviceStale(ctx context.Context, deviceID int64, cutoff time.Time, status model.DeviceStatus) (bool, error)

	CreateEvent(ctx context.Context, ev *model.EventRecord) error

	CreateAlert(ctx context.Context, a *model.Alert) error
	AlertByID(ctx context.Context, id int64) (*model.Alert, error)
	ResolveAlert(ctx context.Context, id, actorID int64, status model.AlertStatus, at time.Time) (bool, error)
	MarkAlertNotified(ctx context.Context, id int64) (bool, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]model.Alert, int64, error)
	AlertStats(ctx context.Context, q AlertQuery) (AlertStats, error)
	DeleteAlert(ctx context.Context, id int64) (bool, error)

	MemberRole(ctx context.Context, tenantID, subjectID int64) (string, error)
	MemberTenants(ctx context.Context, subjectID int64) ([]int64, error)

	SubscriptionsForTenant(ctx context.Context, tenantID int64) ([]model.PushSubscription, error)
	SubscriptionByEndpoint(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// --- Devices ---

func (s *gormStore) DeviceBySerial(ctx context.Context, serial string) (*model.Device, error) {
	var device model.Device
	if err := s.db.WithContext(ctx).Where("serial = ?", serial).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load device %q: %w", serial, err)
	}
	return &device, nil
}

func (s *gormStore) DevicesByTenant(ctx context.Context, tenantID int64) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices for tenant %d: %w", tenantID, err)
	}
	return devices, nil
}

// BindDevice attaches an unbound (or already same-tenant) device to tenantID.
func (s *gormStore) BindDevice(ctx context.Context, serial string, tenantID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device model.Device
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("serial = ?", serial).First(&device).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load device %q: %w", serial, err)
		}
		if device.TenantID != nil && *device.TenantID != tenantID {
			return ErrAlreadyBound
		}
		if err := tx.Model(&model.Device{}).Where("id = ?", device.ID).
			Updates(map[string]any{"tenant_id": tenantID, "status": model.DeviceOffline}).Error; err != nil {
			return fmt.Errorf("failed to bind device %q: %w", serial, err)
		}
		return nil
	})
}

// UnbindDevice clears the tenant of a device; the row itself is kept.
func (s *gormStore) UnbindDevice(ctx context.Context, serial string) error {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("serial = ?", serial).
		Updates(map[string]any{"tenant_id": nil, "status": model.DeviceUnbound, "fault_reported": false})
	if res.Error != nil {
		return fmt.Errorf("failed to unbind device %q: %w", serial, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchHeartbeat marks the device online and returns the updated row. An
// empty firmware leaves the stored version alone.
func (s *gormStore) TouchHeartbeat(ctx context.Context, deviceID int64, at time.Time, firmware string) (*model.Device, error) {
	updates := map[string]any{
		// A replayed or reordered heartbeat never moves the timestamp back.
		"last_heartbeat_at": gorm.Expr("CASE WHEN last_heartbeat_at IS NULL OR last_heartbeat_at < ? THEN ? ELSE last_heartbeat_at END", at, at),
		"status":            model.DeviceOnline,
	}
	if firmware != "" {
		updates["firmware_version"] = firmware
	}
	return s.updateDevice(ctx, deviceID, updates, "record heartbeat")
}

// UpdateDeviceState stores the reported state and, when given, the fault flag.
func (s *gormStore) UpdateDeviceState(ctx context.Context, deviceID int64, state datatypes.JSON, fault *bool) (*model.Device, error) {
	updates := map[string]any{"config": state}
	if fault != nil {
		updates["fault_reported"] = *fault
	}
	return s.updateDevice(ctx, deviceID, updates, "update state")
}

func (s *gormStore) updateDevice(ctx context.Context, deviceID int64, updates map[string]any, op string) (*model.Device, error) {
	var device model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Device{}).Where("id = ?", deviceID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.First(&device, deviceID).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to %s for device %d: %w", op, deviceID, err)
	}
	return &device, nil
}

func (s *gormStore) StaleOnlineDevices(ctx context.Context, cutoff time.Time) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat_at < ?", model.DeviceOnline, cutoff).
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to find stale devices: %w", err)
	}
	return devices, nil
}

// MarkDeviceStale flips one device out of online, guarded so that a heartbeat
// landing between the scan and the write wins.
func (s *gormStore) MarkDeviceStale(ctx context.Context, deviceID int64, cutoff time.Time, status model.DeviceStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ? AND status = ? AND last_heartbeat_at < ?", deviceID, model.DeviceOnline, cutoff).
		Update("status", status)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark device %d %s: %w", deviceID, status, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// --- Events ---

func (s *gormStore) CreateEvent(ctx context.Context, ev *model.EventRecord) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to record event for device %d: %w", ev.DeviceID, err)
	}
	return nil
}

// --- Alerts ---

func (s *gormStore) CreateAlert(ctx context.Context, a *model.Alert) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to create alert for event %d: %w", a.EventID, err)
	}
	return nil
}

func (s *gormStore) AlertByID(ctx context.Context, id int64) (*model.Alert, error) {
	var alert model.Alert
	if err := s.db.WithContext(ctx).First(&alert, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load alert %d: %w", id, err)
	}
	return &alert, nil
}

// ResolveAlert moves an unresolved alert into a terminal status. It reports
// false when the guard did not match, i.e. the alert is missing or already terminal.
func (s *gormStore) ResolveAlert(ctx context.Context, id, actorID int64, status model.AlertStatus, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Alert{}).
		Where("id = ? AND status < ?", id, model.AlertAcknowledged).
		Updates(map[string]any{
			"status":      status,
			"resolved_by": actorID,
			"resolved_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to resolve alert %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) MarkAlertNotified(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Alert{}).
		Where("id = ? AND status = ?", id, model.AlertPending).
		Update("status", model.AlertNotified)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark alert %d notified: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) ListAlerts(ctx context.Context, q AlertQuery) ([]model.Alert, int64, error) {
	if q.empty() {
		return nil, 0, nil
	}

	var total int64
	if err := q.apply(s.db.WithContext(ctx).Model(&model.Alert{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	var alerts []model.Alert
	query := q.apply(s.db.WithContext(ctx)).Order("created_at DESC").Order("id DESC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit).Offset(q.Offset)
	}
	if err := query.Find(&alerts).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, total, nil
}

func (s *gormStore) AlertStats(ctx context.Context, q AlertQuery) (AlertStats, error) {
	var stats AlertStats
	if q.empty() {
		return stats, nil
	}
	q.Statuses = nil
	err := q.apply(s.db.WithContext(ctx).Model(&model.Alert{})).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status IN (0, 1) THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 2 THEN 1 ELSE 0 END), 0) AS acknowledged,
			COALESCE(SUM(CASE WHEN status = 3 THEN 1 ELSE 0 END), 0) AS ignored,
			COUNT(DISTINCT tenant_id) AS affected_tenants`).
		Scan(&stats).Error
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	return stats, nil
}

func (s *gormStore) DeleteAlert(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&model.Alert{}, id)
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete alert %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// --- Membership ---

func (s *gormStore) MemberRole(ctx context.Context, tenantID, subjectID int64) (string, error) {
	var member model.TenantMember
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND subject_id = ?", tenantID, subjectID).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to check membership of %d in %d: %w", subjectID, tenantID, err)
	}
	return member.Role, nil
}

func (s *gormStore) MemberTenants(ctx context.Context, subjectID int64) ([]int64, error) {
	var tenantIDs []int64
	if err := s.db.WithContext(ctx).Model(&model.TenantMember{}).
		Where("subject_id = ?", subjectID).
		Order("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenants of %d: %w", subjectID, err)
	}
	return tenantIDs, nil
}

// --- Push subscriptions ---

func (s *gormStore) SubscriptionsForTenant(ctx context.Context, tenantID int64) ([]model.PushSubscription, error) {
	var subscriptions []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN tenant_members tm ON tm.subject_id = push_subscriptions.subject_id").
		Where("tm.tenant_id = ?", tenantID).
		Find(&subscriptions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions for tenant %d: %w", tenantID, err)
	}
	return subscriptions, nil
}

func (s *gormStore) SubscriptionByEndpoint(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}
	return &sub, nil
}

func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "subject_id"}),
	}).Create(sub).Error
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}
