package billing

import (
	"context"

	"github.com/google/uuid"
)

// SubscriptionRepository defines the interface for subscription persistence
type SubscriptionRepository interface {
	// Save creates or updates a subscription
	Save(ctx context.Context, subscription *TenantSubscription) error

	// FindByTenant finds the subscription for a tenant
	FindByTenant(ctx context.Context, tenantID uuid.UUID) (*TenantSubscription, error)

	// FindByStripeSubscription finds a subscription by its provider reference
	FindByStripeSubscription(ctx context.Context, stripeSubscriptionID string) (*TenantSubscription, error)

	// FindByStatus finds all subscriptions in the given status
	FindByStatus(ctx context.Context, status SubscriptionStatus) ([]*TenantSubscription, error)

	// FindStale finds subscriptions whose last sync is older than the
	// given number of seconds, up to limit rows
	FindStale(ctx context.Context, olderThanSeconds int64, limit int) ([]*TenantSubscription, error)

	// Delete removes a tenant's subscription record
	Delete(ctx context.Context, tenantID uuid.UUID) error
}

// SubscriptionSource resolves the authoritative subscription state for
// a tenant. The local repository is the fast path; implementations may
// fall back to the billing provider when the local record is missing
// or stale.
type SubscriptionSource interface {
	// Resolve returns the tenant's current subscription. A tenant with
	// no billing record resolves to a free-tier active subscription
	// rather than an error.
	Resolve(ctx context.Context, tenantID uuid.UUID) (*TenantSubscription, error)
}
