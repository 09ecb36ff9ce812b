package billing

import (
	"context"
	"time"
)

// ProviderSubscription is the provider-neutral projection of a billing
// provider subscription, used both by webhook handling and by the
// periodic reconciliation sweep.
type ProviderSubscription struct {
	CustomerID        string
	SubscriptionID    string
	Tier              Tier
	Status            SubscriptionStatus
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// ProviderGateway fetches authoritative subscription state from the
// billing provider.
type ProviderGateway interface {
	// FetchSubscription loads the provider's view of a subscription
	FetchSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}
