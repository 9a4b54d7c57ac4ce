package model

import "time"

// AlertStatus is the lifecycle state of an alert.
type AlertStatus int

const (
	AlertPending      AlertStatus = 0
	AlertNotified     AlertStatus = 1
	AlertAcknowledged AlertStatus = 2
	AlertIgnored      AlertStatus = 3
)

// Terminal reports whether no further transition is possible.
func (s AlertStatus) Terminal() bool {
	return s >= AlertAcknowledged
}

func (s AlertStatus) String() string {
	switch s {
	case AlertPending:
		return "pending"
	case AlertNotified:
		return "notified"
	case AlertAcknowledged:
		return "acknowledged"
	case AlertIgnored:
		return "ignored"
	}
	return "unknown"
}

// Severity orders alerts by urgency.
type Severity int

const (
	SeverityNormal    Severity = 1
	SeverityImportant Severity = 2
	SeverityCritical  Severity = 3
)

// Alert is a human-actionable notification derived from exactly one event.
type Alert struct {
	ID         int64       `gorm:"primaryKey" json:"id"`
	EventID    int64       `gorm:"index;not null" json:"event_id"`
	TenantID   int64       `gorm:"index;not null" json:"circle_id"`
	Severity   Severity    `gorm:"not null" json:"alert_level"`
	Message    string      `gorm:"size:512;not null" json:"alert_content"`
	Status     AlertStatus `gorm:"not null;default:0;index" json:"status"`
	ResolvedBy *int64      `json:"resolved_by"`
	ResolvedAt *time.Time  `json:"resolved_at"`
	CreatedAt  time.Time   `gorm:"not null;index" json:"created_at"`
}
