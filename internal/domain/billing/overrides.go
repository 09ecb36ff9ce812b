package billing

import (
	"context"
	"time"

	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
)

// LimitOverride raises or lowers a single resource limit for one
// tenant. Overrides take precedence over the tier table and may carry
// an expiry, after which the tier default applies again.
type LimitOverride struct {
	shared.BaseEntity
	TenantID  uuid.UUID
	Resource  ResourceKind
	Limit     int64
	Reason    string
	ExpiresAt *time.Time
}

// NewLimitOverride creates a tenant-specific limit override
func NewLimitOverride(tenantID uuid.UUID, resource ResourceKind, limit int64) (*LimitOverride, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !resource.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE", "Unknown resource kind")
	}
	if limit < Unlimited {
		return nil, shared.NewDomainError("INVALID_LIMIT", "Limit must be -1 (unlimited) or non-negative")
	}

	return &LimitOverride{
		BaseEntity: shared.NewBaseEntity(),
		TenantID:   tenantID,
		Resource:   resource,
		Limit:      limit,
	}, nil
}

// WithReason records why the override was granted
func (o *LimitOverride) WithReason(reason string) *LimitOverride {
	o.Reason = reason
	return o
}

// WithExpiry makes the override temporary
func (o *LimitOverride) WithExpiry(expiresAt time.Time) *LimitOverride {
	expiry := expiresAt.UTC()
	o.ExpiresAt = &expiry
	return o
}

// IsEffective returns true if the override applies at the given instant
func (o *LimitOverride) IsEffective(now time.Time) bool {
	return o.ExpiresAt == nil || now.Before(*o.ExpiresAt)
}

// FeatureOverride grants or revokes a single feature for one tenant,
// independent of its tier defaults.
type FeatureOverride struct {
	shared.BaseEntity
	TenantID  uuid.UUID
	Key       FeatureKey
	Enabled   bool
	Reason    string
	ExpiresAt *time.Time
}

// NewFeatureOverride creates a tenant-specific feature override
func NewFeatureOverride(tenantID uuid.UUID, key FeatureKey, enabled bool) (*FeatureOverride, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !IsValidFeatureKey(key) {
		return nil, shared.NewDomainError("INVALID_FEATURE", "Unknown feature key")
	}

	return &FeatureOverride{
		BaseEntity: shared.NewBaseEntity(),
		TenantID:   tenantID,
		Key:        key,
		Enabled:    enabled,
	}, nil
}

// WithReason records why the override was granted
func (o *FeatureOverride) WithReason(reason string) *FeatureOverride {
	o.Reason = reason
	return o
}

// WithExpiry makes the override temporary
func (o *FeatureOverride) WithExpiry(expiresAt time.Time) *FeatureOverride {
	expiry := expiresAt.UTC()
	o.ExpiresAt = &expiry
	return o
}

// IsEffective returns true if the override applies at the given instant
func (o *FeatureOverride) IsEffective(now time.Time) bool {
	return o.ExpiresAt == nil || now.Before(*o.ExpiresAt)
}

// OverrideRepository defines the interface for override persistence.
// Effective lookups resolve tenant overrides first and fall back to
// tier defaults at the call site.
type OverrideRepository interface {
	// SaveLimitOverride creates or updates a limit override
	SaveLimitOverride(ctx context.Context, override *LimitOverride) error

	// FindLimitOverride finds the effective limit override for a
	// tenant and resource, or nil when none applies
	FindLimitOverride(ctx context.Context, tenantID uuid.UUID, resource ResourceKind) (*LimitOverride, error)

	// FindLimitOverrides finds all limit overrides for a tenant
	FindLimitOverrides(ctx context.Context, tenantID uuid.UUID) ([]*LimitOverride, error)

	// DeleteLimitOverride removes a limit override
	DeleteLimitOverride(ctx context.Context, tenantID uuid.UUID, resource ResourceKind) error

	// SaveFeatureOverride creates or updates a feature override
	SaveFeatureOverride(ctx context.Context, override *FeatureOverride) error

	// FindFeatureOverride finds the effective feature override for a
	// tenant and feature, or nil when none applies
	FindFeatureOverride(ctx context.Context, tenantID uuid.UUID, key FeatureKey) (*FeatureOverride, error)

	// FindFeatureOverrides finds all feature overrides for a tenant
	FindFeatureOverrides(ctx context.Context, tenantID uuid.UUID) ([]*FeatureOverride, error)

	// DeleteFeatureOverride removes a feature override
	DeleteFeatureOverride(ctx context.Context, tenantID uuid.UUID, key FeatureKey) error

	// DeleteExpired removes overrides that expired before the cutoff
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// EffectiveLimit resolves the limit for a tenant's resource: an
// effective override wins, otherwise the tier table default applies.
func EffectiveLimit(tier Tier, resource ResourceKind, table *TierTable, override *LimitOverride, now time.Time) int64 {
	if override != nil && override.IsEffective(now) {
		return override.Limit
	}
	return table.LimitFor(tier, resource)
}

// EffectiveFeature resolves feature access for a tenant: an effective
// override wins, otherwise the tier defaults apply.
func EffectiveFeature(tier Tier, key FeatureKey, override *FeatureOverride, now time.Time) FeatureCheckResult {
	if override != nil && override.IsEffective(now) {
		result := FeatureCheckResult{
			Feature:    key,
			Tier:       tier,
			Allowed:    override.Enabled,
			Overridden: true,
		}
		if !override.Enabled {
			result.Reason = DenialFeatureNotAvailable
		}
		return result
	}
	return CheckFeature(tier, key)
}
