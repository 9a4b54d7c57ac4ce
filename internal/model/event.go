package model

import (
	"time"

	"gorm.io/datatypes"
)

// EventRecord is one immutable telemetry occurrence reported by a device.
type EventRecord struct {
	ID         int64          `gorm:"primaryKey" json:"id"`
	DeviceID   int64          `gorm:"index;not null" json:"device_id"`
	TenantID   int64          `gorm:"index;not null" json:"tenant_id"` // snapshot at record time
	Type       string         `gorm:"size:64;not null;index" json:"event_type"`
	Payload    datatypes.JSON `json:"event_data"`
	OccurredAt time.Time      `gorm:"not null;index" json:"event_time"`
	RecordedAt time.Time      `gorm:"not null" json:"recorded_at"`
}
