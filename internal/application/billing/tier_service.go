package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
)

// ResourceUsageView is one resource pool's consumption against its limit
type ResourceUsageView struct {
	Resource       string  `json:"resource"`
	DisplayName    string  `json:"display_name"`
	Current        int64   `json:"current"`
	Limit          int64   `json:"limit"`
	Remaining      int64   `json:"remaining"`
	PercentUsed    float64 `json:"percent_used"`
	Unlimited      bool    `json:"unlimited"`
	Severity       string  `json:"severity"`
	FormattedUsage string  `json:"formatted_usage"`
	FormattedLimit string  `json:"formatted_limit"`
}

// UsageOverview summarizes a tenant's consumption across every resource
// pool, together with its tier, feature entitlements, and grace state.
type UsageOverview struct {
	TenantID    uuid.UUID           `json:"tenant_id"`
	Tier        string              `json:"tier"`
	TierDisplay string              `json:"tier_display_name"`
	Status      string              `json:"status"`
	PeriodStart time.Time           `json:"period_start"`
	PeriodEnd   time.Time           `json:"period_end"`
	Resources   []ResourceUsageView `json:"resources"`
	Features    map[string]bool     `json:"features"`
	InGrace     bool                `json:"in_grace,omitempty"`
	GraceEndsAt *time.Time          `json:"grace_ends_at,omitempty"`
}

// UpgradeRecommendation suggests a tier change for a resource pool whose
// usage has crossed the warning threshold.
type UpgradeRecommendation struct {
	Resource        string  `json:"resource"`
	CurrentTier     string  `json:"current_tier"`
	RecommendedTier string  `json:"recommended_tier"`
	PercentUsed     float64 `json:"percent_used"`
	CurrentLimit    int64   `json:"current_limit"`
	NextLimit       int64   `json:"next_limit"`
	Reason          string  `json:"reason"`
}

// TierServiceConfig contains configuration for the tier service
type TierServiceConfig struct {
	// GracePeriod is how long over-limit usage stays admitted after a
	// downgrade. There is no default; deployments must set it
	// deliberately because it changes enforcement semantics.
	GracePeriod time.Duration

	// CacheTTL bounds how stale cached entitlements may be
	CacheTTL time.Duration
}

// TierService enforces tier limits and feature entitlements. Denials are
// ordinary result values; errors are reserved for infrastructure
// failures so that callers can choose their own failure mode.
type TierService struct {
	source       billing.SubscriptionSource
	overrideRepo billing.OverrideRepository
	table        *billing.TierTable
	cache        billing.EntitlementsCache
	eventRepo    metering.UsageEventRepository
	snapshotRepo metering.UsageSnapshotRepository
	publisher    shared.EventPublisher
	logger       *zap.Logger
	config       TierServiceConfig
}

// NewTierService creates a new TierService. The grace period must be
// configured explicitly.
func NewTierService(
	source billing.SubscriptionSource,
	overrideRepo billing.OverrideRepository,
	table *billing.TierTable,
	cache billing.EntitlementsCache,
	eventRepo metering.UsageEventRepository,
	snapshotRepo metering.UsageSnapshotRepository,
	publisher shared.EventPublisher,
	logger *zap.Logger,
	config TierServiceConfig,
) (*TierService, error) {
	if config.GracePeriod <= 0 {
		return nil, shared.NewDomainError("INVALID_CONFIG", "Downgrade grace period must be configured")
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = billing.DefaultEntitlementsCacheConfig().TTL
	}
	if table == nil {
		table = billing.DefaultTierTable()
	}

	return &TierService{
		source:       source,
		overrideRepo: overrideRepo,
		table:        table,
		cache:        cache,
		eventRepo:    eventRepo,
		snapshotRepo: snapshotRepo,
		publisher:    publisher,
		logger:       logger,
		config:       config,
	}, nil
}

// GetEntitlements resolves the effective entitlements for a tenant,
// serving from the cache when possible.
func (s *TierService) GetEntitlements(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, tenantID)
		if err != nil {
			s.logger.Warn("Entitlements cache read failed",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	entitlements, err := s.resolveEntitlements(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, entitlements, s.config.CacheTTL); err != nil {
			s.logger.Warn("Failed to cache entitlements",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
		}
	}

	return entitlements, nil
}

// InvalidateEntitlements drops the cached entitlements for a tenant.
// Call it after any subscription or override change.
func (s *TierService) InvalidateEntitlements(ctx context.Context, tenantID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn("Failed to invalidate entitlements",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}
}

// CheckUsageLimit checks whether a metered action fits under the limit
// of the resource pool it draws from.
func (s *TierService) CheckUsageLimit(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, quantity int64) (*billing.LimitCheckResult, error) {
	if !action.IsValid() {
		return nil, shared.NewDomainError("INVALID_ACTION", "Unknown action kind")
	}
	return s.CheckResourceLimit(ctx, tenantID, billing.ResourceForAction(action), quantity)
}

// CheckResourceLimit checks whether consuming quantity more units of a
// resource pool is within the tenant's limit. The subscription status
// gate runs before any limit math; an inactive subscription denies
// regardless of usage. During a downgrade grace window a limit denial
// is converted into an over-limit admission.
func (s *TierService) CheckResourceLimit(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind, quantity int64) (*billing.LimitCheckResult, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !resource.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE", "Unknown resource kind")
	}
	if quantity < 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Quantity cannot be negative")
	}

	entitlements, err := s.GetEntitlements(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if !entitlements.CanConsume() {
		result := billing.SubscriptionInactiveResult(entitlements.Tier, resource)
		s.logger.Info("Consumption denied by subscription status",
			zap.String("tenant_id", tenantID.String()),
			zap.String("status", entitlements.Status.String()),
			zap.String("resource", resource.String()))
		return &result, nil
	}

	now := time.Now().UTC()
	limit := entitlements.Limits.For(resource)

	var current int64
	if limit != billing.Unlimited {
		current, err = s.currentUsage(ctx, tenantID, resource, entitlements, now)
		if err != nil {
			s.logger.Error("Failed to read current usage",
				zap.String("tenant_id", tenantID.String()),
				zap.String("resource", resource.String()),
				zap.Error(err))
			return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to read current usage")
		}
	}

	result := billing.EvaluateLimit(entitlements.Tier, resource, current, quantity, limit)

	if !result.Allowed && result.Reason == billing.DenialLimitExceeded && entitlements.InGrace(now) {
		result = result.AdmitWithGrace(*entitlements.GraceEndsAt)
		s.logger.Info("Over-limit usage admitted during downgrade grace",
			zap.String("tenant_id", tenantID.String()),
			zap.String("resource", resource.String()),
			zap.Int64("current", result.Current),
			zap.Int64("limit", result.Limit),
			zap.Time("grace_ends_at", *entitlements.GraceEndsAt))
	}

	s.publishCheckEvents(tenantID, result, current, quantity, limit)

	return &result, nil
}

// HasFeatureAccess reports whether the tenant's effective entitlements
// include a feature.
func (s *TierService) HasFeatureAccess(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) (*billing.FeatureCheckResult, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !billing.IsValidFeatureKey(key) {
		return nil, shared.NewDomainError("INVALID_FEATURE", "Unknown feature key")
	}

	entitlements, err := s.GetEntitlements(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := &billing.FeatureCheckResult{
		Feature: key,
		Tier:    entitlements.Tier,
		Allowed: entitlements.HasFeature(key),
	}
	result.Overridden = result.Allowed != billing.TierHasFeature(entitlements.Tier, key)
	if !result.Allowed {
		result.Reason = billing.DenialFeatureNotAvailable
	}

	return result, nil
}

// GetUsageOverview reports every resource pool's consumption against the
// tenant's effective limits, plus feature entitlements and grace state.
func (s *TierService) GetUsageOverview(ctx context.Context, tenantID uuid.UUID) (*UsageOverview, error) {
	entitlements, err := s.GetEntitlements(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	overview := &UsageOverview{
		TenantID:    tenantID,
		Tier:        entitlements.Tier.String(),
		TierDisplay: entitlements.Tier.DisplayName(),
		Status:      entitlements.Status.String(),
		PeriodStart: entitlements.PeriodStart,
		PeriodEnd:   entitlements.PeriodEnd,
		Resources:   make([]ResourceUsageView, 0, len(billing.AllResourceKinds())),
		Features:    make(map[string]bool, len(entitlements.Features)),
		InGrace:     entitlements.InGrace(now),
		GraceEndsAt: entitlements.GraceEndsAt,
	}

	for key, enabled := range entitlements.Features {
		overview.Features[key.String()] = enabled
	}

	for _, resource := range billing.AllResourceKinds() {
		current, err := s.currentUsage(ctx, tenantID, resource, entitlements, now)
		if err != nil {
			s.logger.Error("Failed to read usage for overview",
				zap.String("tenant_id", tenantID.String()),
				zap.String("resource", resource.String()),
				zap.Error(err))
			return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to read current usage")
		}

		limit := entitlements.Limits.For(resource)
		check := billing.EvaluateLimit(entitlements.Tier, resource, current, 0, limit)

		overview.Resources = append(overview.Resources, ResourceUsageView{
			Resource:       resource.String(),
			DisplayName:    resource.DisplayName(),
			Current:        current,
			Limit:          limit,
			Remaining:      check.Remaining,
			PercentUsed:    check.PercentUsed,
			Unlimited:      check.Unlimited,
			Severity:       check.Severity.String(),
			FormattedUsage: resource.Unit().FormatValue(current),
			FormattedLimit: entitlements.Limits.FormattedLimit(resource),
		})
	}

	return overview, nil
}

// GetUpgradeRecommendations suggests tier upgrades for resource pools
// whose usage has crossed the warning threshold.
func (s *TierService) GetUpgradeRecommendations(ctx context.Context, tenantID uuid.UUID) ([]UpgradeRecommendation, error) {
	overview, err := s.GetUsageOverview(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	currentTier := billing.Tier(overview.Tier)
	nextTier := currentTier.Next()
	if nextTier == currentTier {
		return nil, nil
	}

	var recommendations []UpgradeRecommendation
	for _, view := range overview.Resources {
		if view.Unlimited || view.Severity == billing.SeverityOK.String() {
			continue
		}

		resource := billing.ResourceKind(view.Resource)
		recommendations = append(recommendations, UpgradeRecommendation{
			Resource:        view.Resource,
			CurrentTier:     currentTier.String(),
			RecommendedTier: nextTier.String(),
			PercentUsed:     view.PercentUsed,
			CurrentLimit:    view.Limit,
			NextLimit:       s.table.LimitFor(nextTier, resource),
			Reason:          view.DisplayName + " usage is at " + view.FormattedUsage + " of " + view.FormattedLimit,
		})
	}

	return recommendations, nil
}

// resolveEntitlements loads the subscription and overrides and folds
// them into the flat entitlement state. Override load failures degrade
// to tier defaults, which can only make enforcement stricter.
func (s *TierService) resolveEntitlements(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error) {
	subscription, err := s.source.Resolve(ctx, tenantID)
	if err != nil {
		s.logger.Error("Failed to resolve subscription",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to resolve subscription")
	}

	var limitOverrides []*billing.LimitOverride
	var featureOverrides []*billing.FeatureOverride
	if s.overrideRepo != nil {
		limitOverrides, err = s.overrideRepo.FindLimitOverrides(ctx, tenantID)
		if err != nil {
			s.logger.Warn("Failed to load limit overrides, using tier defaults",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			limitOverrides = nil
		}
		featureOverrides, err = s.overrideRepo.FindFeatureOverrides(ctx, tenantID)
		if err != nil {
			s.logger.Warn("Failed to load feature overrides, using tier defaults",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			featureOverrides = nil
		}
	}

	entitlements := billing.BuildEntitlements(
		subscription,
		s.table,
		limitOverrides,
		featureOverrides,
		s.config.GracePeriod,
		time.Now().UTC(),
	)
	return &entitlements, nil
}

// currentUsage reads a resource pool's consumption. Per-period pools sum
// ledger events inside the billing period; the storage pool is a level
// carried from the latest snapshot plus deltas recorded since.
func (s *TierService) currentUsage(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind, entitlements *billing.TenantEntitlements, now time.Time) (int64, error) {
	if resource.IsCumulative() {
		return s.storageLevel(ctx, tenantID, now)
	}

	periodStart := entitlements.PeriodStart
	if periodStart.IsZero() || periodStart.After(now) {
		periodStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}

	sums, err := s.eventRepo.SumByAction(ctx, tenantID, periodStart, now)
	if err != nil {
		return 0, err
	}

	var current int64
	for action, total := range sums {
		if action.IsStorage() {
			continue
		}
		if billing.ResourceForAction(action) == resource {
			current += total
		}
	}
	return current, nil
}

// storageLevel reads the held-bytes level from the latest snapshot plus
// deltas recorded after it.
func (s *TierService) storageLevel(ctx context.Context, tenantID uuid.UUID, now time.Time) (int64, error) {
	var base int64
	var since time.Time

	if s.snapshotRepo != nil {
		snapshot, err := s.snapshotRepo.FindLatestByTenant(ctx, tenantID)
		if err != nil && err != shared.ErrNotFound {
			return 0, err
		}
		if snapshot != nil {
			base = snapshot.StorageBytes
			since = snapshot.SnapshotDate.Add(24 * time.Hour)
		}
	}

	delta, err := s.eventRepo.SumQuantity(ctx, tenantID, metering.ActionStorageDelta, since, now)
	if err != nil {
		return 0, err
	}

	level := base + delta
	if level < 0 {
		level = 0
	}
	return level, nil
}

// publishCheckEvents emits limit-exceeded and threshold-crossing events
// for a completed check without blocking the caller.
func (s *TierService) publishCheckEvents(tenantID uuid.UUID, result billing.LimitCheckResult, current, quantity, limit int64) {
	if s.publisher == nil {
		return
	}

	switch {
	case !result.Allowed && result.Reason == billing.DenialLimitExceeded:
		s.publishAsync(billing.NewLimitExceededEvent(tenantID, result))
	case result.Allowed && limit > 0 && quantity > 0:
		// Emit a threshold event only when this consumption crosses a
		// boundary, so repeated checks at 85% do not flood the bus
		after := current + quantity
		warnAt := int64(float64(limit) * billing.WarnThreshold)
		criticalAt := int64(float64(limit) * billing.CriticalThreshold)
		if (current < criticalAt && after >= criticalAt) || (current < warnAt && after >= warnAt) {
			s.publishAsync(billing.NewUsageThresholdEvent(tenantID, result))
		}
	}
}

// publishAsync publishes a domain event without blocking the caller
func (s *TierService) publishAsync(event shared.DomainEvent) {
	go func() {
		if err := s.publisher.Publish(context.Background(), event); err != nil {
			s.logger.Warn("Failed to publish billing event",
				zap.String("event_type", event.EventType()),
				zap.Error(err))
		}
	}()
}
