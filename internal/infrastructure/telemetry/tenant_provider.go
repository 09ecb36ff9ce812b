// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormTenantProvider implements TenantProvider using GORM.
// A tenant counts as active while its subscription still grants quota,
// which includes trials.
type GormTenantProvider struct {
	db *gorm.DB
}

// NewGormTenantProvider creates a new GormTenantProvider.
func NewGormTenantProvider(db *gorm.DB) *GormTenantProvider {
	return &GormTenantProvider{db: db}
}

// GetActiveTenantIDs returns the IDs of tenants with active or trialing subscriptions.
func (p *GormTenantProvider) GetActiveTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	var tenantIDs []uuid.UUID

	err := p.db.WithContext(ctx).
		Table("tenant_subscriptions").
		Select("tenant_id").
		Where("status IN ?", []string{"active", "trialing"}).
		Find(&tenantIDs).Error

	if err != nil {
		return nil, err
	}

	return tenantIDs, nil
}
