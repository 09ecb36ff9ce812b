package persistence

import (
	"context"
	"time"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantLimitOverrideModel is the GORM model for per-tenant limit overrides
type TenantLimitOverrideModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_limit_overrides_tenant_resource,priority:1;not null"`
	Resource  string    `gorm:"type:varchar(50);uniqueIndex:idx_limit_overrides_tenant_resource,priority:2;not null"`
	Limit     int64     `gorm:"column:limit_value;not null"`
	Reason    string    `gorm:"type:text"`
	ExpiresAt *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (TenantLimitOverrideModel) TableName() string {
	return "tenant_limit_overrides"
}

// ToEntity converts the model to a domain entity
func (m *TenantLimitOverrideModel) ToEntity() *billing.LimitOverride {
	return &billing.LimitOverride{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:  m.TenantID,
		Resource:  billing.ResourceKind(m.Resource),
		Limit:     m.Limit,
		Reason:    m.Reason,
		ExpiresAt: m.ExpiresAt,
	}
}

// TenantLimitOverrideModelFromEntity creates a model from a domain entity
func TenantLimitOverrideModelFromEntity(e *billing.LimitOverride) *TenantLimitOverrideModel {
	return &TenantLimitOverrideModel{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Resource:  string(e.Resource),
		Limit:     e.Limit,
		Reason:    e.Reason,
		ExpiresAt: e.ExpiresAt,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// TenantFeatureOverrideModel is the GORM model for per-tenant feature overrides
type TenantFeatureOverrideModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID   uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_feature_overrides_tenant_key,priority:1;not null"`
	FeatureKey string    `gorm:"type:varchar(50);uniqueIndex:idx_feature_overrides_tenant_key,priority:2;not null"`
	Enabled    bool      `gorm:"not null"`
	Reason     string    `gorm:"type:text"`
	ExpiresAt  *time.Time
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (TenantFeatureOverrideModel) TableName() string {
	return "tenant_feature_overrides"
}

// ToEntity converts the model to a domain entity
func (m *TenantFeatureOverrideModel) ToEntity() *billing.FeatureOverride {
	return &billing.FeatureOverride{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:  m.TenantID,
		Key:       billing.FeatureKey(m.FeatureKey),
		Enabled:   m.Enabled,
		Reason:    m.Reason,
		ExpiresAt: m.ExpiresAt,
	}
}

// TenantFeatureOverrideModelFromEntity creates a model from a domain entity
func TenantFeatureOverrideModelFromEntity(e *billing.FeatureOverride) *TenantFeatureOverrideModel {
	return &TenantFeatureOverrideModel{
		ID:         e.ID,
		TenantID:   e.TenantID,
		FeatureKey: string(e.Key),
		Enabled:    e.Enabled,
		Reason:     e.Reason,
		ExpiresAt:  e.ExpiresAt,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

// OverrideRepository implements the billing.OverrideRepository interface
type OverrideRepository struct {
	db *gorm.DB
}

// NewOverrideRepository creates a new override repository
func NewOverrideRepository(db *gorm.DB) *OverrideRepository {
	return &OverrideRepository{db: db}
}

// SaveLimitOverride creates or updates a limit override. One override
// per tenant and resource: saving again replaces the existing row.
func (r *OverrideRepository) SaveLimitOverride(ctx context.Context, override *billing.LimitOverride) error {
	model := TenantLimitOverrideModelFromEntity(override)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "resource"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"limit_value",
			"reason",
			"expires_at",
			"updated_at",
		}),
	}).Create(model).Error
}

// FindLimitOverride finds the limit override for a tenant and resource,
// or nil when none exists. Expiry is resolved at the call site.
func (r *OverrideRepository) FindLimitOverride(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind) (*billing.LimitOverride, error) {
	var model TenantLimitOverrideModel
	err := r.db.WithContext(ctx).
		First(&model, "tenant_id = ? AND resource = ?", tenantID, string(resource)).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindLimitOverrides finds all limit overrides for a tenant
func (r *OverrideRepository) FindLimitOverrides(ctx context.Context, tenantID uuid.UUID) ([]*billing.LimitOverride, error) {
	var models []TenantLimitOverrideModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("resource ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	overrides := make([]*billing.LimitOverride, len(models))
	for i, model := range models {
		overrides[i] = model.ToEntity()
	}
	return overrides, nil
}

// DeleteLimitOverride removes a limit override
func (r *OverrideRepository) DeleteLimitOverride(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND resource = ?", tenantID, string(resource)).
		Delete(&TenantLimitOverrideModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SaveFeatureOverride creates or updates a feature override
func (r *OverrideRepository) SaveFeatureOverride(ctx context.Context, override *billing.FeatureOverride) error {
	model := TenantFeatureOverrideModelFromEntity(override)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "feature_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled",
			"reason",
			"expires_at",
			"updated_at",
		}),
	}).Create(model).Error
}

// FindFeatureOverride finds the feature override for a tenant and
// feature, or nil when none exists. Expiry is resolved at the call site.
func (r *OverrideRepository) FindFeatureOverride(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) (*billing.FeatureOverride, error) {
	var model TenantFeatureOverrideModel
	err := r.db.WithContext(ctx).
		First(&model, "tenant_id = ? AND feature_key = ?", tenantID, string(key)).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindFeatureOverrides finds all feature overrides for a tenant
func (r *OverrideRepository) FindFeatureOverrides(ctx context.Context, tenantID uuid.UUID) ([]*billing.FeatureOverride, error) {
	var models []TenantFeatureOverrideModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("feature_key ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	overrides := make([]*billing.FeatureOverride, len(models))
	for i, model := range models {
		overrides[i] = model.ToEntity()
	}
	return overrides, nil
}

// DeleteFeatureOverride removes a feature override
func (r *OverrideRepository) DeleteFeatureOverride(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND feature_key = ?", tenantID, string(key)).
		Delete(&TenantFeatureOverrideModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteExpired removes overrides of both kinds that expired before the cutoff
func (r *OverrideRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64

	result := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", cutoff).
		Delete(&TenantLimitOverrideModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	total += result.RowsAffected

	result = r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", cutoff).
		Delete(&TenantFeatureOverrideModel{})
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected

	return total, nil
}

// Ensure OverrideRepository implements the interface
var _ billing.OverrideRepository = (*OverrideRepository)(nil)
