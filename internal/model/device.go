package model

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceStatus is the stored presence of a device.
type DeviceStatus string

const (
	DeviceUnbound DeviceStatus = "unbound"
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceFault   DeviceStatus = "fault"
)

// Device represents a telemetry source identified by its serial.
type Device struct {
	ID              int64          `gorm:"primaryKey" json:"id"`
	Serial          string         `gorm:"uniqueIndex;size:128;not null" json:"serial"`
	Name            string         `gorm:"size:256" json:"name"`
	TenantID        *int64         `gorm:"index" json:"tenant_id"` // nil while unbound
	Status          DeviceStatus   `gorm:"size:16;not null;default:unbound" json:"status"`
	FaultReported   bool           `gorm:"not null;default:false" json:"fault_reported"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at"`
	FirmwareVersion string         `gorm:"size:64" json:"firmware_version"`
	Config          datatypes.JSON `json:"config"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// DisplayName returns the human name, falling back to the serial.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Serial
}

// BoundTo reports whether the device currently belongs to tenantID.
func (d *Device) BoundTo(tenantID int64) bool {
	return d.TenantID != nil && *d.TenantID == tenantID
}
