package billing

import (
	"time"

	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
)

// SubscriptionStatus represents the lifecycle state of a subscription
// as reported by the billing provider.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
)

// String returns the string representation of the status
func (s SubscriptionStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is known
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue,
		SubscriptionStatusCanceled, SubscriptionStatusUnpaid, SubscriptionStatusIncomplete:
		return true
	}
	return false
}

// CanConsume returns true if the status entitles the tenant to consume
// metered resources. Only active and trialing subscriptions may consume;
// every other status denies before any limit is evaluated.
func (s SubscriptionStatus) CanConsume() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

// TenantSubscription is the billing state of a tenant: its tier, the
// provider-reported status, and the current billing period boundaries.
type TenantSubscription struct {
	shared.BaseEntity
	TenantID           uuid.UUID
	Tier               Tier
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool

	// PreviousTier and TierChangedAt track the most recent tier change
	// so that downgrades can be given a grace period.
	PreviousTier  *Tier
	TierChangedAt *time.Time

	// Provider references for reconciliation with the billing backend
	StripeCustomerID     string
	StripeSubscriptionID string
}

// NewTenantSubscription creates a subscription on the free tier with an
// open-ended monthly period anchored at the creation instant.
func NewTenantSubscription(tenantID uuid.UUID) (*TenantSubscription, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	now := time.Now().UTC()
	return &TenantSubscription{
		BaseEntity:         shared.NewBaseEntity(),
		TenantID:           tenantID,
		Tier:               TierFree,
		Status:             SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}, nil
}

// WithTier sets the initial tier, ignoring invalid values
func (s *TenantSubscription) WithTier(tier Tier) *TenantSubscription {
	if tier.IsValid() {
		s.Tier = tier
	}
	return s
}

// WithPeriod sets the current billing period boundaries
func (s *TenantSubscription) WithPeriod(start, end time.Time) *TenantSubscription {
	if end.After(start) {
		s.CurrentPeriodStart = start.UTC()
		s.CurrentPeriodEnd = end.UTC()
	}
	return s
}

// WithStripeRefs sets the billing provider references
func (s *TenantSubscription) WithStripeRefs(customerID, subscriptionID string) *TenantSubscription {
	s.StripeCustomerID = customerID
	s.StripeSubscriptionID = subscriptionID
	return s
}

// ChangeTier moves the subscription to a new tier, recording the
// previous tier and the change instant for downgrade grace handling.
func (s *TenantSubscription) ChangeTier(tier Tier, at time.Time) error {
	if !tier.IsValid() {
		return shared.NewDomainError("INVALID_TIER", "Unknown subscription tier")
	}
	if tier == s.Tier {
		return nil
	}

	previous := s.Tier
	s.PreviousTier = &previous
	changedAt := at.UTC()
	s.TierChangedAt = &changedAt
	s.Tier = tier
	s.Touch()
	return nil
}

// ChangeStatus updates the provider-reported status
func (s *TenantSubscription) ChangeStatus(status SubscriptionStatus) error {
	if !status.IsValid() {
		return shared.NewDomainError("INVALID_STATUS", "Unknown subscription status")
	}
	s.Status = status
	s.Touch()
	return nil
}

// CanConsume returns true if the subscription entitles the tenant to
// consume metered resources right now.
func (s *TenantSubscription) CanConsume() bool {
	return s.Status.CanConsume()
}

// IsDowngraded returns true if the most recent tier change reduced
// entitlements.
func (s *TenantSubscription) IsDowngraded() bool {
	return s.PreviousTier != nil && s.Tier.IsDowngradeFrom(*s.PreviousTier)
}

// InDowngradeGrace returns true while a recent downgrade is within the
// grace window. During grace, usage above the new tier's limits is
// admitted but flagged so the tenant can be nudged to trim usage or
// re-upgrade before hard enforcement begins.
func (s *TenantSubscription) InDowngradeGrace(grace time.Duration, now time.Time) bool {
	if !s.IsDowngraded() || s.TierChangedAt == nil {
		return false
	}
	return now.Before(s.TierChangedAt.Add(grace))
}

// GraceEndsAt returns the instant hard enforcement begins after a
// downgrade, or the zero time if no downgrade is in effect.
func (s *TenantSubscription) GraceEndsAt(grace time.Duration) time.Time {
	if !s.IsDowngraded() || s.TierChangedAt == nil {
		return time.Time{}
	}
	return s.TierChangedAt.Add(grace)
}

// PeriodContains returns true if the instant falls inside the current
// billing period.
func (s *TenantSubscription) PeriodContains(t time.Time) bool {
	return !t.Before(s.CurrentPeriodStart) && t.Before(s.CurrentPeriodEnd)
}

// GetTenantID returns the owning tenant
func (s *TenantSubscription) GetTenantID() uuid.UUID {
	return s.TenantID
}

var _ shared.TenantOwned = (*TenantSubscription)(nil)
