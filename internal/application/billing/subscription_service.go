package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/shared"
)

// SubscriptionService manages tenant subscriptions and per-tenant
// overrides. Every mutation invalidates the entitlements cache so
// enforcement converges quickly.
type SubscriptionService struct {
	repo         billing.SubscriptionRepository
	overrideRepo billing.OverrideRepository
	gateway      billing.ProviderGateway
	cache        billing.EntitlementsCache
	publisher    shared.EventPublisher
	logger       *zap.Logger
}

// NewSubscriptionService creates a new SubscriptionService
func NewSubscriptionService(
	repo billing.SubscriptionRepository,
	overrideRepo billing.OverrideRepository,
	gateway billing.ProviderGateway,
	cache billing.EntitlementsCache,
	publisher shared.EventPublisher,
	logger *zap.Logger,
) *SubscriptionService {
	return &SubscriptionService{
		repo:         repo,
		overrideRepo: overrideRepo,
		gateway:      gateway,
		cache:        cache,
		publisher:    publisher,
		logger:       logger,
	}
}

// GetOrCreateSubscription returns the tenant's subscription, creating a
// free-tier record on first contact.
func (s *SubscriptionService) GetOrCreateSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.TenantSubscription, error) {
	subscription, err := s.repo.FindByTenant(ctx, tenantID)
	if err == nil {
		return subscription, nil
	}
	if err != shared.ErrNotFound {
		s.logger.Error("Failed to load subscription",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to load subscription")
	}

	subscription, err = billing.NewTenantSubscription(tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, subscription); err != nil {
		s.logger.Error("Failed to create subscription",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to create subscription")
	}

	s.logger.Info("Created free-tier subscription",
		zap.String("tenant_id", tenantID.String()))
	return subscription, nil
}

// ChangeTier moves a tenant to a new tier. Downgrades record the
// previous tier so enforcement can honor the grace window.
func (s *SubscriptionService) ChangeTier(ctx context.Context, tenantID uuid.UUID, newTier billing.Tier) (*billing.TenantSubscription, error) {
	subscription, err := s.GetOrCreateSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	oldTier := subscription.Tier
	if err := subscription.ChangeTier(newTier, time.Now().UTC()); err != nil {
		return nil, err
	}
	if oldTier == subscription.Tier {
		return subscription, nil
	}

	if err := s.repo.Save(ctx, subscription); err != nil {
		s.logger.Error("Failed to save tier change",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to save tier change")
	}

	s.invalidate(ctx, tenantID)
	s.publishAsync(billing.NewTierChangedEvent(tenantID, oldTier, newTier))

	s.logger.Info("Tenant tier changed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("old_tier", oldTier.String()),
		zap.String("new_tier", newTier.String()),
		zap.Bool("downgrade", newTier.IsDowngradeFrom(oldTier)))

	return subscription, nil
}

// UpdateStatus applies a provider-reported status change
func (s *SubscriptionService) UpdateStatus(ctx context.Context, tenantID uuid.UUID, status billing.SubscriptionStatus) (*billing.TenantSubscription, error) {
	subscription, err := s.GetOrCreateSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if subscription.Status == status {
		return subscription, nil
	}

	if err := subscription.ChangeStatus(status); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, subscription); err != nil {
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to save status change")
	}

	s.invalidate(ctx, tenantID)
	s.logger.Info("Subscription status changed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("status", status.String()))

	return subscription, nil
}

// AttachProviderRefs records the provider identifiers on a tenant's
// subscription, creating the free-tier record first if needed. Used
// when checkout completes or a provider webhook announces a new
// subscription carrying our tenant ID in its metadata.
func (s *SubscriptionService) AttachProviderRefs(ctx context.Context, tenantID uuid.UUID, customerID, subscriptionID string) error {
	subscription, err := s.GetOrCreateSubscription(ctx, tenantID)
	if err != nil {
		return err
	}
	if subscription.StripeCustomerID == customerID && subscription.StripeSubscriptionID == subscriptionID {
		return nil
	}

	subscription.WithStripeRefs(customerID, subscriptionID)
	if err := s.repo.Save(ctx, subscription); err != nil {
		s.logger.Error("Failed to save provider refs",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to save provider refs")
	}

	s.invalidate(ctx, tenantID)
	s.logger.Info("Provider refs attached",
		zap.String("tenant_id", tenantID.String()),
		zap.String("subscription_id", subscriptionID))
	return nil
}

// ApplyProviderUpdate applies a provider-pushed subscription state, as
// delivered by a webhook. An update for an unknown subscription is
// acknowledged without error; webhooks can arrive before local setup
// completes, and failing would only trigger provider retries.
func (s *SubscriptionService) ApplyProviderUpdate(ctx context.Context, update billing.ProviderSubscription) error {
	if update.SubscriptionID == "" {
		s.logger.Warn("Provider update without subscription ID, skipping")
		return nil
	}

	subscription, err := s.repo.FindByStripeSubscription(ctx, update.SubscriptionID)
	if err == shared.ErrNotFound {
		s.logger.Warn("No local subscription for provider update",
			zap.String("subscription_id", update.SubscriptionID))
		return nil
	}
	if err != nil {
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to load subscription")
	}

	return s.applyState(ctx, subscription, update)
}

// SyncSubscription refreshes one tenant's subscription from the billing
// provider. Tenants without a provider reference are local-only and
// left untouched.
func (s *SubscriptionService) SyncSubscription(ctx context.Context, tenantID uuid.UUID) error {
	if s.gateway == nil {
		return shared.NewDomainError("PROVIDER_UNAVAILABLE", "No billing provider gateway configured")
	}

	subscription, err := s.GetOrCreateSubscription(ctx, tenantID)
	if err != nil {
		return err
	}
	if subscription.StripeSubscriptionID == "" {
		s.logger.Debug("Subscription has no provider reference, skipping sync",
			zap.String("tenant_id", tenantID.String()))
		return nil
	}

	update, err := s.gateway.FetchSubscription(ctx, subscription.StripeSubscriptionID)
	if err != nil {
		s.logger.Error("Failed to fetch subscription from provider",
			zap.String("tenant_id", tenantID.String()),
			zap.String("subscription_id", subscription.StripeSubscriptionID),
			zap.Error(err))
		return shared.NewDomainError("PROVIDER_UNAVAILABLE", "Failed to fetch subscription from provider")
	}

	return s.applyState(ctx, subscription, *update)
}

// SyncStale refreshes subscriptions whose provider state has not been
// confirmed recently. Per-tenant failures are logged and skipped.
func (s *SubscriptionService) SyncStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.repo.FindStale(ctx, int64(olderThan.Seconds()), limit)
	if err != nil {
		return 0, shared.NewDomainError("INTERNAL_ERROR", "Failed to list stale subscriptions")
	}

	var synced int
	for _, subscription := range stale {
		if err := s.SyncSubscription(ctx, subscription.TenantID); err != nil {
			s.logger.Warn("Failed to sync stale subscription",
				zap.String("tenant_id", subscription.TenantID.String()),
				zap.Error(err))
			continue
		}
		synced++
	}

	s.logger.Info("Stale subscription sweep complete",
		zap.Int("synced", synced),
		zap.Int("stale", len(stale)))
	return synced, nil
}

// applyState folds a provider subscription state into the local record
// and persists it when anything changed.
func (s *SubscriptionService) applyState(ctx context.Context, subscription *billing.TenantSubscription, update billing.ProviderSubscription) error {
	oldTier := subscription.Tier
	changed := false

	if update.Tier.IsValid() && update.Tier != subscription.Tier {
		if err := subscription.ChangeTier(update.Tier, time.Now().UTC()); err != nil {
			return err
		}
		changed = true
	}
	if update.Status.IsValid() && update.Status != subscription.Status {
		if err := subscription.ChangeStatus(update.Status); err != nil {
			return err
		}
		changed = true
	}
	if !update.PeriodStart.IsZero() && update.PeriodEnd.After(update.PeriodStart) {
		if !subscription.CurrentPeriodStart.Equal(update.PeriodStart) || !subscription.CurrentPeriodEnd.Equal(update.PeriodEnd) {
			subscription.WithPeriod(update.PeriodStart, update.PeriodEnd)
			changed = true
		}
	}
	if update.CancelAtPeriodEnd != subscription.CancelAtPeriodEnd {
		subscription.CancelAtPeriodEnd = update.CancelAtPeriodEnd
		changed = true
	}
	if update.CustomerID != "" && update.CustomerID != subscription.StripeCustomerID {
		subscription.WithStripeRefs(update.CustomerID, update.SubscriptionID)
		changed = true
	}

	if !changed {
		return nil
	}

	if err := s.repo.Save(ctx, subscription); err != nil {
		s.logger.Error("Failed to save synced subscription",
			zap.String("tenant_id", subscription.TenantID.String()),
			zap.Error(err))
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to save synced subscription")
	}

	s.invalidate(ctx, subscription.TenantID)
	s.publishAsync(billing.NewSubscriptionSyncedEvent(subscription))
	if subscription.Tier != oldTier {
		s.publishAsync(billing.NewTierChangedEvent(subscription.TenantID, oldTier, subscription.Tier))
	}

	s.logger.Info("Subscription synced from provider",
		zap.String("tenant_id", subscription.TenantID.String()),
		zap.String("tier", subscription.Tier.String()),
		zap.String("status", subscription.Status.String()))

	return nil
}

// SetLimitOverride grants a tenant-specific limit for one resource pool
func (s *SubscriptionService) SetLimitOverride(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind, limit int64, reason string, expiresAt *time.Time) (*billing.LimitOverride, error) {
	override, err := billing.NewLimitOverride(tenantID, resource, limit)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		override.WithReason(reason)
	}
	if expiresAt != nil {
		override.WithExpiry(*expiresAt)
	}

	if err := s.overrideRepo.SaveLimitOverride(ctx, override); err != nil {
		s.logger.Error("Failed to save limit override",
			zap.String("tenant_id", tenantID.String()),
			zap.String("resource", resource.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to save limit override")
	}

	s.invalidate(ctx, tenantID)
	s.logger.Info("Limit override set",
		zap.String("tenant_id", tenantID.String()),
		zap.String("resource", resource.String()),
		zap.Int64("limit", limit))

	return override, nil
}

// RemoveLimitOverride restores the tier default for one resource pool
func (s *SubscriptionService) RemoveLimitOverride(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind) error {
	if err := s.overrideRepo.DeleteLimitOverride(ctx, tenantID, resource); err != nil && err != shared.ErrNotFound {
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to remove limit override")
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// SetFeatureOverride grants or revokes a feature for one tenant
func (s *SubscriptionService) SetFeatureOverride(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey, enabled bool, reason string, expiresAt *time.Time) (*billing.FeatureOverride, error) {
	override, err := billing.NewFeatureOverride(tenantID, key, enabled)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		override.WithReason(reason)
	}
	if expiresAt != nil {
		override.WithExpiry(*expiresAt)
	}

	if err := s.overrideRepo.SaveFeatureOverride(ctx, override); err != nil {
		s.logger.Error("Failed to save feature override",
			zap.String("tenant_id", tenantID.String()),
			zap.String("feature", key.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to save feature override")
	}

	s.invalidate(ctx, tenantID)
	s.logger.Info("Feature override set",
		zap.String("tenant_id", tenantID.String()),
		zap.String("feature", key.String()),
		zap.Bool("enabled", enabled))

	return override, nil
}

// RemoveFeatureOverride restores the tier default for one feature
func (s *SubscriptionService) RemoveFeatureOverride(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) error {
	if err := s.overrideRepo.DeleteFeatureOverride(ctx, tenantID, key); err != nil && err != shared.ErrNotFound {
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to remove feature override")
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// ListOverrides returns every override in effect for a tenant
func (s *SubscriptionService) ListOverrides(ctx context.Context, tenantID uuid.UUID) ([]*billing.LimitOverride, []*billing.FeatureOverride, error) {
	limits, err := s.overrideRepo.FindLimitOverrides(ctx, tenantID)
	if err != nil {
		return nil, nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to list limit overrides")
	}
	features, err := s.overrideRepo.FindFeatureOverrides(ctx, tenantID)
	if err != nil {
		return nil, nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to list feature overrides")
	}
	return limits, features, nil
}

// CleanupExpiredOverrides removes overrides that expired before now.
// Run from the scheduler; expired overrides are already ineffective, so
// this is purely hygiene.
func (s *SubscriptionService) CleanupExpiredOverrides(ctx context.Context) (int64, error) {
	removed, err := s.overrideRepo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, shared.NewDomainError("INTERNAL_ERROR", "Failed to clean up expired overrides")
	}
	if removed > 0 {
		s.logger.Info("Expired overrides removed", zap.Int64("count", removed))
	}
	return removed, nil
}

func (s *SubscriptionService) invalidate(ctx context.Context, tenantID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn("Failed to invalidate entitlements cache",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}
}

func (s *SubscriptionService) publishAsync(event shared.DomainEvent) {
	if s.publisher == nil {
		return
	}
	go func() {
		if err := s.publisher.Publish(context.Background(), event); err != nil {
			s.logger.Warn("Failed to publish subscription event",
				zap.String("event_type", event.EventType()),
				zap.Error(err))
		}
	}()
}

// RepoSubscriptionSource resolves subscriptions from the local
// repository. A tenant with no billing record resolves to a free-tier
// active subscription so that new tenants are enforced at free limits
// instead of being denied or unbounded.
type RepoSubscriptionSource struct {
	repo   billing.SubscriptionRepository
	logger *zap.Logger
}

// NewRepoSubscriptionSource creates a repository-backed subscription source
func NewRepoSubscriptionSource(repo billing.SubscriptionRepository, logger *zap.Logger) *RepoSubscriptionSource {
	return &RepoSubscriptionSource{repo: repo, logger: logger}
}

// Resolve implements billing.SubscriptionSource
func (s *RepoSubscriptionSource) Resolve(ctx context.Context, tenantID uuid.UUID) (*billing.TenantSubscription, error) {
	subscription, err := s.repo.FindByTenant(ctx, tenantID)
	if err == nil {
		return subscription, nil
	}
	if err != shared.ErrNotFound {
		return nil, err
	}

	// Not persisted: resolution is a read path, and the record will be
	// created when the tenant first touches billing
	s.logger.Debug("No billing record, resolving as free tier",
		zap.String("tenant_id", tenantID.String()))
	return billing.NewTenantSubscription(tenantID)
}

var _ billing.SubscriptionSource = (*RepoSubscriptionSource)(nil)
