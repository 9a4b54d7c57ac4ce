package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardian-backend/internal/model"
	"guardian-backend/internal/store"
)

// Outcome reports what a transition attempt did.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyResolved
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyResolved:
		return "already_resolved"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// ErrInvalidStatus is returned when a transition targets a non-terminal status.
var ErrInvalidStatus = errors.New("alerts can only be acknowledged or ignored")

// Bucket groups alert statuses for listing.
type Bucket string

const (
	BucketPending  Bucket = "pending"
	BucketResolved Bucket = "resolved"
	BucketAll      Bucket = "all"
)

// ParseBucket maps a query value onto a Bucket; empty means all.
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(s) {
	case "", BucketAll:
		return BucketAll, nil
	case BucketPending, BucketResolved:
		return Bucket(s), nil
	}
	return "", fmt.Errorf("unknown alert bucket %q", s)
}

func (b Bucket) statuses() []model.AlertStatus {
	switch b {
	case BucketPending:
		return []model.AlertStatus{model.AlertPending, model.AlertNotified}
	case BucketResolved:
		return []model.AlertStatus{model.AlertAcknowledged, model.AlertIgnored}
	}
	return nil
}

// Scope bounds which tenants' alerts are visible.
type Scope struct {
	All       bool
	TenantIDs []int64
}

// TenantScope sees one tenant.
func TenantScope(tenantID int64) Scope { return Scope{TenantIDs: []int64{tenantID}} }

// TenantsScope sees a set of tenants, typically every tenant of a subject.
func TenantsScope(tenantIDs []int64) Scope { return Scope{TenantIDs: tenantIDs} }

// AllTenants sees everything. Reserved for administrators.
func AllTenants() Scope { return Scope{All: true} }

// Covers reports whether tenantID is inside the scope.
func (s Scope) Covers(tenantID int64) bool {
	if s.All {
		return true
	}
	for _, id := range s.TenantIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

// Page is a limit/offset window.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize applies the default size, caps the limit and clamps the offset.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// LifecycleStore is the alert slice of the store.
type LifecycleStore interface {
	AlertByID(ctx context.Context, id int64) (*model.Alert, error)
	ResolveAlert(ctx context.Context, id, actorID int64, status model.AlertStatus, at time.Time) (bool, error)
	MarkAlertNotified(ctx context.Context, id int64) (bool, error)
	ListAlerts(ctx context.Context, q store.AlertQuery) ([]model.Alert, int64, error)
	AlertStats(ctx context.Context, q store.AlertQuery) (store.AlertStats, error)
	DeleteAlert(ctx context.Context, id int64) (bool, error)
}

// Manager owns alert status transitions. Concurrent transitions on one
// alert are serialized by the store's conditional update: exactly one wins.
type Manager struct {
	store  LifecycleStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewManager creates a new Manager.
func NewManager(store LifecycleStore, logger *zap.SugaredLogger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now}
}

// Transition resolves an alert as acknowledged or ignored by actorID.
func (m *Manager) Transition(ctx context.Context, alertID, actorID int64, newStatus model.AlertStatus) (Outcome, error) {
	if newStatus != model.AlertAcknowledged && newStatus != model.AlertIgnored {
		return 0, ErrInvalidStatus
	}

	applied, err := m.store.ResolveAlert(ctx, alertID, actorID, newStatus, m.now())
	if err != nil {
		return 0, err
	}
	if applied {
		m.logger.Infow("Alert resolved", "id", alertID, "status", newStatus, "actor", actorID)
		return Applied, nil
	}

	if _, err := m.store.AlertByID(ctx, alertID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFound, nil
		}
		return 0, err
	}
	return AlreadyResolved, nil
}

// MarkNotified moves a pending alert to notified. It reports false when the
// alert had already left pending.
func (m *Manager) MarkNotified(ctx context.Context, alertID int64) (bool, error) {
	return m.store.MarkAlertNotified(ctx, alertID)
}

// List returns one page of alerts in scope and bucket, newest first, plus the total.
func (m *Manager) List(ctx context.Context, scope Scope, bucket Bucket, page Page) ([]model.Alert, int64, error) {
	page = page.Normalize()
	return m.store.ListAlerts(ctx, store.AlertQuery{
		AllTenants: scope.All,
		TenantIDs:  scope.TenantIDs,
		Statuses:   bucket.statuses(),
		Limit:      page.Limit,
		Offset:     page.Offset,
	})
}

// Get returns one alert, or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, alertID int64) (*model.Alert, error) {
	return m.store.AlertByID(ctx, alertID)
}

// Delete hard-deletes an alert. It reports false when nothing was deleted.
func (m *Manager) Delete(ctx context.Context, alertID int64) (bool, error) {
	deleted, err := m.store.DeleteAlert(ctx, alertID)
	if err == nil && deleted {
		m.logger.Infow("Alert deleted", "id", alertID)
	}
	return deleted, err
}

// Stats counts alerts in scope per bucket.
func (m *Manager) Stats(ctx context.Context, scope Scope) (store.AlertStats, error) {
	return m.store.AlertStats(ctx, store.AlertQuery{AllTenants: scope.All, TenantIDs: scope.TenantIDs})
}
