package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantEntitlements is the fully resolved entitlement state for one
// tenant: tier, status, effective limits and features with overrides
// applied, and any downgrade grace deadline. It is the unit the
// enforcement hot path caches, so resolving a request needs no joins.
type TenantEntitlements struct {
	TenantID    uuid.UUID           `json:"tenant_id"`
	Tier        Tier                `json:"tier"`
	Status      SubscriptionStatus  `json:"status"`
	Limits      LimitSet            `json:"limits"`
	Features    map[FeatureKey]bool `json:"features"`
	PeriodStart time.Time           `json:"period_start"`
	PeriodEnd   time.Time           `json:"period_end"`
	GraceEndsAt *time.Time          `json:"grace_ends_at,omitempty"`
	ResolvedAt  time.Time           `json:"resolved_at"`
}

// BuildEntitlements resolves a subscription plus its overrides into the
// flat entitlement state used by enforcement. Expired overrides are
// skipped; a downgrade inside its grace window records the deadline.
func BuildEntitlements(
	sub *TenantSubscription,
	table *TierTable,
	limitOverrides []*LimitOverride,
	featureOverrides []*FeatureOverride,
	grace time.Duration,
	now time.Time,
) TenantEntitlements {
	limits := table.Limits(sub.Tier)
	for _, override := range limitOverrides {
		if override.IsEffective(now) {
			limits = limits.With(override.Resource, override.Limit)
		}
	}

	features := make(map[FeatureKey]bool, len(AllFeatureKeys()))
	for _, f := range DefaultTierFeatures(sub.Tier) {
		features[f.Key] = f.Enabled
	}
	for _, override := range featureOverrides {
		if override.IsEffective(now) {
			features[override.Key] = override.Enabled
		}
	}

	entitlements := TenantEntitlements{
		TenantID:    sub.TenantID,
		Tier:        sub.Tier,
		Status:      sub.Status,
		Limits:      limits,
		Features:    features,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		ResolvedAt:  now,
	}

	if sub.InDowngradeGrace(grace, now) {
		graceEnd := sub.GraceEndsAt(grace)
		entitlements.GraceEndsAt = &graceEnd
	}

	return entitlements
}

// CanConsume returns true if the entitlement state admits consumption
func (e TenantEntitlements) CanConsume() bool {
	return e.Status.CanConsume()
}

// HasFeature returns the effective feature access
func (e TenantEntitlements) HasFeature(key FeatureKey) bool {
	return e.Features[key]
}

// InGrace returns true if a downgrade grace window is open at now
func (e TenantEntitlements) InGrace(now time.Time) bool {
	return e.GraceEndsAt != nil && now.Before(*e.GraceEndsAt)
}

// EntitlementsCache caches resolved entitlements for the enforcement
// hot path. A miss returns (nil, nil); errors are reserved for a
// failing backend.
type EntitlementsCache interface {
	// Get returns the cached entitlements for a tenant, or nil on miss
	Get(ctx context.Context, tenantID uuid.UUID) (*TenantEntitlements, error)

	// Set caches the entitlements with the given TTL
	Set(ctx context.Context, entitlements *TenantEntitlements, ttl time.Duration) error

	// Invalidate drops the cached entitlements for a tenant
	Invalidate(ctx context.Context, tenantID uuid.UUID) error

	// InvalidateAll drops every cached entitlement
	InvalidateAll(ctx context.Context) error

	// Close releases cache resources
	Close() error
}

// EntitlementsCacheConfig holds cache tuning for entitlement lookups
type EntitlementsCacheConfig struct {
	// TTL bounds how stale a cached entitlement may be
	TTL time.Duration

	// LocalTTL bounds the in-process layer of a tiered cache; kept
	// shorter than TTL so cross-instance invalidation lag stays small
	LocalTTL time.Duration

	// PubSubChannel carries cross-instance invalidation messages
	PubSubChannel string
}

// DefaultEntitlementsCacheConfig returns the default cache tuning
func DefaultEntitlementsCacheConfig() EntitlementsCacheConfig {
	return EntitlementsCacheConfig{
		TTL:           5 * time.Minute,
		LocalTTL:      30 * time.Second,
		PubSubChannel: "metering:entitlements:invalidate",
	}
}

// EntitlementsUpdateMessage is broadcast when a tenant's subscription
// or overrides change, so every instance drops its cached copy.
type EntitlementsUpdateMessage struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Action    string    `json:"action"`
	Timestamp int64     `json:"timestamp"`
}

// Invalidation actions
const (
	EntitlementsActionUpdated       = "updated"
	EntitlementsActionInvalidateAll = "invalidate_all"
)

// EntitlementsInvalidator broadcasts invalidation messages between
// instances so local cache layers converge after a change
type EntitlementsInvalidator interface {
	// Publish sends an invalidation message to all subscribers
	Publish(ctx context.Context, msg EntitlementsUpdateMessage) error

	// Subscribe blocks and invokes callback for each received message
	Subscribe(ctx context.Context, callback func(msg EntitlementsUpdateMessage)) error

	// Close stops the subscription and releases resources
	Close() error
}

// EntitlementsCacheStats reports hit and miss counts per cache layer
type EntitlementsCacheStats struct {
	L1Hits       int64   `json:"l1_hits"`
	L1Misses     int64   `json:"l1_misses"`
	L2Hits       int64   `json:"l2_hits"`
	L2Misses     int64   `json:"l2_misses"`
	TotalHits    int64   `json:"total_hits"`
	TotalMisses  int64   `json:"total_misses"`
	HitRatio     float64 `json:"hit_ratio"`
	CacheEntries int64   `json:"cache_entries"`
}
