// Package tenant resolves a tenant id to its outbound channel configuration.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// ErrUnknownTenant is returned for ids with no active tenant.
var ErrUnknownTenant = errors.New("tenant: unknown tenant")

// Directory looks up tenants.
type Directory interface {
	Resolve(ctx context.Context, tenantID string) (*models.Tenant, error)
}

// GormDirectory reads tenants from the tenants table.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory creates a GormDirectory.
func NewGormDirectory(db *gorm.DB) (*GormDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("tenant: db is required")
	}
	return &GormDirectory{db: db}, nil
}

// Resolve returns the active tenant with the given id.
func (d *GormDirectory) Resolve(ctx context.Context, tenantID string) (*models.Tenant, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant: id is required")
	}
	var t models.Tenant
	err := d.db.WithContext(ctx).
		Where("id = ? AND active = ?", tenantID, true).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: resolve %s: %w", tenantID, err)
	}
	return &t, nil
}

// List returns every tenant ordered by id.
func (d *GormDirectory) List(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	return tenants, nil
}

// Static is an in-memory Directory.
type Static map[string]models.Tenant

// Resolve implements Directory.
func (s Static) Resolve(_ context.Context, tenantID string) (*models.Tenant, error) {
	t, ok := s[tenantID]
	if !ok || !t.Active {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return &t, nil
}
