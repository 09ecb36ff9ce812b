package persistence

import (
	"context"
	"time"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TenantSubscriptionModel is the GORM model for tenant subscriptions
type TenantSubscriptionModel struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID             uuid.UUID  `gorm:"type:uuid;uniqueIndex:idx_tenant_subscriptions_tenant;not null"`
	Tier                 string     `gorm:"type:varchar(20);not null"`
	Status               string     `gorm:"type:varchar(20);not null;index"`
	CurrentPeriodStart   time.Time  `gorm:"not null"`
	CurrentPeriodEnd     time.Time  `gorm:"not null"`
	CancelAtPeriodEnd    bool       `gorm:"not null;default:false"`
	PreviousTier         *string    `gorm:"type:varchar(20)"`
	TierChangedAt        *time.Time
	StripeCustomerID     string     `gorm:"type:varchar(255);index"`
	StripeSubscriptionID string     `gorm:"type:varchar(255);index"`
	CreatedAt            time.Time  `gorm:"autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (TenantSubscriptionModel) TableName() string {
	return "tenant_subscriptions"
}

// ToEntity converts the model to a domain entity
func (m *TenantSubscriptionModel) ToEntity() *billing.TenantSubscription {
	var previousTier *billing.Tier
	if m.PreviousTier != nil {
		tier := billing.Tier(*m.PreviousTier)
		previousTier = &tier
	}

	return &billing.TenantSubscription{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:             m.TenantID,
		Tier:                 billing.Tier(m.Tier),
		Status:               billing.SubscriptionStatus(m.Status),
		CurrentPeriodStart:   m.CurrentPeriodStart,
		CurrentPeriodEnd:     m.CurrentPeriodEnd,
		CancelAtPeriodEnd:    m.CancelAtPeriodEnd,
		PreviousTier:         previousTier,
		TierChangedAt:        m.TierChangedAt,
		StripeCustomerID:     m.StripeCustomerID,
		StripeSubscriptionID: m.StripeSubscriptionID,
	}
}

// TenantSubscriptionModelFromEntity creates a model from a domain entity
func TenantSubscriptionModelFromEntity(e *billing.TenantSubscription) *TenantSubscriptionModel {
	var previousTier *string
	if e.PreviousTier != nil {
		tier := e.PreviousTier.String()
		previousTier = &tier
	}

	return &TenantSubscriptionModel{
		ID:                   e.ID,
		TenantID:             e.TenantID,
		Tier:                 e.Tier.String(),
		Status:               e.Status.String(),
		CurrentPeriodStart:   e.CurrentPeriodStart,
		CurrentPeriodEnd:     e.CurrentPeriodEnd,
		CancelAtPeriodEnd:    e.CancelAtPeriodEnd,
		PreviousTier:         previousTier,
		TierChangedAt:        e.TierChangedAt,
		StripeCustomerID:     e.StripeCustomerID,
		StripeSubscriptionID: e.StripeSubscriptionID,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
}

// SubscriptionRepository implements the billing.SubscriptionRepository interface
type SubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Save creates or updates a subscription. The tenant uniqueness
// constraint rejects a concurrent first-contact create; the caller
// resolves that by reloading.
func (r *SubscriptionRepository) Save(ctx context.Context, subscription *billing.TenantSubscription) error {
	model := TenantSubscriptionModelFromEntity(subscription)
	return r.db.WithContext(ctx).Save(model).Error
}

// FindByTenant finds the subscription for a tenant
func (r *SubscriptionRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID) (*billing.TenantSubscription, error) {
	var model TenantSubscriptionModel
	if err := r.db.WithContext(ctx).First(&model, "tenant_id = ?", tenantID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByStripeSubscription finds a subscription by its provider reference
func (r *SubscriptionRepository) FindByStripeSubscription(ctx context.Context, stripeSubscriptionID string) (*billing.TenantSubscription, error) {
	var model TenantSubscriptionModel
	if err := r.db.WithContext(ctx).First(&model, "stripe_subscription_id = ?", stripeSubscriptionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByStatus finds all subscriptions in the given status
func (r *SubscriptionRepository) FindByStatus(ctx context.Context, status billing.SubscriptionStatus) ([]*billing.TenantSubscription, error) {
	var models []TenantSubscriptionModel
	err := r.db.WithContext(ctx).
		Where("status = ?", status.String()).
		Order("updated_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	subscriptions := make([]*billing.TenantSubscription, len(models))
	for i, model := range models {
		subscriptions[i] = model.ToEntity()
	}
	return subscriptions, nil
}

// FindStale finds subscriptions whose last provider sync is older than
// the given number of seconds. A save bumps updated_at, so staleness is
// measured against it.
func (r *SubscriptionRepository) FindStale(ctx context.Context, olderThanSeconds int64, limit int) ([]*billing.TenantSubscription, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)

	var models []TenantSubscriptionModel
	query := r.db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Where("stripe_subscription_id <> ''").
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	subscriptions := make([]*billing.TenantSubscription, len(models))
	for i, model := range models {
		subscriptions[i] = model.ToEntity()
	}
	return subscriptions, nil
}

// Delete removes a tenant's subscription record
func (r *SubscriptionRepository) Delete(ctx context.Context, tenantID uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&TenantSubscriptionModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Ensure SubscriptionRepository implements the interface
var _ billing.SubscriptionRepository = (*SubscriptionRepository)(nil)
