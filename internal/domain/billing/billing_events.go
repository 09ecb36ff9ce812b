package billing

import (
	"time"

	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
)

// Event type constants
const (
	EventTypeTierChanged         = "TierChanged"
	EventTypeLimitExceeded       = "LimitExceeded"
	EventTypeUsageThreshold      = "UsageThresholdCrossed"
	EventTypeSubscriptionSynced  = "SubscriptionSynced"
	EventTypeGracePeriodExpiring = "GracePeriodExpiring"
	EventTypeStatementGenerated  = "StatementGenerated"
)

// TierChangedEvent is published when a tenant moves between tiers
type TierChangedEvent struct {
	shared.BaseDomainEvent
	OldTier     Tier `json:"old_tier"`
	NewTier     Tier `json:"new_tier"`
	IsDowngrade bool `json:"is_downgrade"`
}

// NewTierChangedEvent creates a new TierChangedEvent
func NewTierChangedEvent(tenantID uuid.UUID, oldTier, newTier Tier) *TierChangedEvent {
	return &TierChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeTierChanged, tenantID),
		OldTier:         oldTier,
		NewTier:         newTier,
		IsDowngrade:     newTier.IsDowngradeFrom(oldTier),
	}
}

// LimitExceededEvent is published when a consumption attempt is denied
// because the tier limit was reached.
type LimitExceededEvent struct {
	shared.BaseDomainEvent
	Resource ResourceKind `json:"resource"`
	Tier     Tier         `json:"tier"`
	Current  int64        `json:"current"`
	Limit    int64        `json:"limit"`
}

// NewLimitExceededEvent creates a new LimitExceededEvent
func NewLimitExceededEvent(tenantID uuid.UUID, result LimitCheckResult) *LimitExceededEvent {
	return &LimitExceededEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeLimitExceeded, tenantID),
		Resource:        result.Resource,
		Tier:            result.Tier,
		Current:         result.Current,
		Limit:           result.Limit,
	}
}

// UsageThresholdEvent is published the first time usage crosses a
// warning threshold within a billing period.
type UsageThresholdEvent struct {
	shared.BaseDomainEvent
	Resource    ResourceKind  `json:"resource"`
	Tier        Tier          `json:"tier"`
	Severity    UsageSeverity `json:"severity"`
	PercentUsed float64       `json:"percent_used"`
}

// NewUsageThresholdEvent creates a new UsageThresholdEvent
func NewUsageThresholdEvent(tenantID uuid.UUID, result LimitCheckResult) *UsageThresholdEvent {
	return &UsageThresholdEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeUsageThreshold, tenantID),
		Resource:        result.Resource,
		Tier:            result.Tier,
		Severity:        result.Severity,
		PercentUsed:     result.PercentUsed,
	}
}

// SubscriptionSyncedEvent is published after a subscription is
// refreshed from the billing provider.
type SubscriptionSyncedEvent struct {
	shared.BaseDomainEvent
	Tier   Tier               `json:"tier"`
	Status SubscriptionStatus `json:"status"`
}

// NewSubscriptionSyncedEvent creates a new SubscriptionSyncedEvent
func NewSubscriptionSyncedEvent(subscription *TenantSubscription) *SubscriptionSyncedEvent {
	return &SubscriptionSyncedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeSubscriptionSynced, subscription.TenantID),
		Tier:            subscription.Tier,
		Status:          subscription.Status,
	}
}

// GracePeriodExpiringEvent is published when a downgrade grace window
// is about to end while usage still exceeds the new tier's limits.
type GracePeriodExpiringEvent struct {
	shared.BaseDomainEvent
	Tier        Tier      `json:"tier"`
	GraceEndsAt time.Time `json:"grace_ends_at"`
}

// NewGracePeriodExpiringEvent creates a new GracePeriodExpiringEvent
func NewGracePeriodExpiringEvent(tenantID uuid.UUID, tier Tier, graceEndsAt time.Time) *GracePeriodExpiringEvent {
	return &GracePeriodExpiringEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeGracePeriodExpiring, tenantID),
		Tier:            tier,
		GraceEndsAt:     graceEndsAt,
	}
}

// StatementGeneratedEvent is published when a monthly usage statement
// finishes rendering and becomes downloadable.
type StatementGeneratedEvent struct {
	shared.BaseDomainEvent
	StatementID uuid.UUID `json:"statement_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	TotalAmount string    `json:"total_amount"`
	Currency    string    `json:"currency"`
}

// NewStatementGeneratedEvent creates a new StatementGeneratedEvent
func NewStatementGeneratedEvent(statement *UsageStatement) *StatementGeneratedEvent {
	return &StatementGeneratedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeStatementGenerated, statement.TenantID),
		StatementID:     statement.ID,
		PeriodStart:     statement.PeriodStart,
		PeriodEnd:       statement.PeriodEnd,
		TotalAmount:     statement.TotalAmount,
		Currency:        statement.Currency,
	}
}
