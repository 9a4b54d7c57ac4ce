package membership

import (
	"context"
	"errors"

	"guardian-backend/internal/store"
)

// Store is the membership slice of the store.
type Store interface {
	MemberRole(ctx context.Context, tenantID, subjectID int64) (string, error)
	MemberTenants(ctx context.Context, subjectID int64) ([]int64, error)
}

// Directory answers who belongs to which tenant. Every call reads the
// store; nothing is cached.
type Directory struct {
	store Store
}

// NewDirectory creates a new Directory.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

// Tenants lists the tenants subjectID belongs to.
func (d *Directory) Tenants(ctx context.Context, subjectID int64) ([]int64, error) {
	return d.store.MemberTenants(ctx, subjectID)
}

// IsMember reports whether subjectID belongs to tenantID.
func (d *Directory) IsMember(ctx context.Context, tenantID, subjectID int64) (bool, error) {
	_, err := d.Role(ctx, tenantID, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Role returns the member's role in tenantID, or store.ErrNotFound.
func (d *Directory) Role(ctx context.Context, tenantID, subjectID int64) (string, error) {
	return d.store.MemberRole(ctx, tenantID, subjectID)
}
