package store

import (
	"gorm.io/gorm"

	"guardian-backend/internal/model"
)

// AlertQuery selects alerts by tenant scope and status set.
type AlertQuery struct {
	// AllTenants disables tenant filtering. Otherwise TenantIDs bounds the scope,
	// and an empty TenantIDs matches nothing.
	AllTenants bool
	TenantIDs  []int64
	Statuses   []model.AlertStatus
	Limit      int
	Offset     int
}

func (q AlertQuery) empty() bool {
	return !q.AllTenants && len(q.TenantIDs) == 0
}

func (q AlertQuery) apply(db *gorm.DB) *gorm.DB {
	if !q.AllTenants {
		db = db.Where("tenant_id IN ?", q.TenantIDs)
	}
	if len(q.Statuses) > 0 {
		db = db.Where("status IN ?", q.Statuses)
	}
	return db
}

// AlertStats holds per-bucket alert counts.
type AlertStats struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	Acknowledged    int64 `json:"acknowledged"`
	Ignored         int64 `json:"ignored"`
	AffectedTenants int64 `json:"affected_circles"`
}
