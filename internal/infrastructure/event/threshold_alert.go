package event

import (
	"context"
	"fmt"
	"time"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/shared"
	"go.uber.org/zap"
)

// Dedup entries only need to outlive the calendar month baked into the
// key; the TTL bounds store growth, not alert frequency.
const alertDedupTTL = 35 * 24 * time.Hour

// ThresholdAlertHandler turns quota events into structured alert logs.
// The log pipeline is the alert channel: the platform's notification
// service consumes these records downstream, so the handler's job is to
// emit exactly one well-labelled record per occurrence.
type ThresholdAlertHandler struct {
	logger *zap.Logger
}

// NewThresholdAlertHandler creates a new threshold alert handler
func NewThresholdAlertHandler(logger *zap.Logger) *ThresholdAlertHandler {
	return &ThresholdAlertHandler{logger: logger}
}

// EventTypes returns the quota events this handler reacts to
func (h *ThresholdAlertHandler) EventTypes() []string {
	return []string{
		billing.EventTypeUsageThreshold,
		billing.EventTypeLimitExceeded,
		billing.EventTypeGracePeriodExpiring,
	}
}

// Handle emits one alert record for the event
func (h *ThresholdAlertHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	switch e := event.(type) {
	case *billing.UsageThresholdEvent:
		h.logger.Warn("tenant usage crossed threshold",
			zap.String("tenant_id", e.TenantID().String()),
			zap.String("resource", e.Resource.String()),
			zap.String("tier", e.Tier.String()),
			zap.String("severity", e.Severity.String()),
			zap.Float64("percent_used", e.PercentUsed),
		)
	case *billing.LimitExceededEvent:
		h.logger.Warn("tenant usage limit exceeded",
			zap.String("tenant_id", e.TenantID().String()),
			zap.String("resource", e.Resource.String()),
			zap.String("tier", e.Tier.String()),
			zap.Int64("current", e.Current),
			zap.Int64("limit", e.Limit),
		)
	case *billing.GracePeriodExpiringEvent:
		h.logger.Warn("downgrade grace period expiring",
			zap.String("tenant_id", e.TenantID().String()),
			zap.String("tier", e.Tier.String()),
			zap.Time("grace_ends_at", e.GraceEndsAt),
		)
	default:
		h.logger.Debug("ignoring unexpected event type",
			zap.String("event_type", event.EventType()),
		)
	}
	return nil
}

// Ensure ThresholdAlertHandler implements EventHandler
var _ shared.EventHandler = (*ThresholdAlertHandler)(nil)

// AlertDedupKey scopes alert idempotency to the semantic occurrence
// instead of the event ID: tenant, resource, severity, and calendar
// month for threshold alerts, so repeated crossings within a period stay
// silent while a new severity or a new period alerts again.
func AlertDedupKey(event shared.DomainEvent) string {
	period := event.OccurredAt().UTC().Format("2006-01")
	switch e := event.(type) {
	case *billing.UsageThresholdEvent:
		return fmt.Sprintf("alert:threshold:%s:%s:%s:%s", e.TenantID(), e.Resource, e.Severity, period)
	case *billing.LimitExceededEvent:
		return fmt.Sprintf("alert:limit:%s:%s:%s", e.TenantID(), e.Resource, period)
	case *billing.GracePeriodExpiringEvent:
		return fmt.Sprintf("alert:grace:%s:%s", e.TenantID(), e.GraceEndsAt.UTC().Format("2006-01-02"))
	default:
		return EventIDKey(event)
	}
}

// NewDedupedThresholdAlertHandler wires the alert handler behind the
// idempotent wrapper so each alert fires at most once per tenant,
// resource, and period.
func NewDedupedThresholdAlertHandler(
	store shared.IdempotencyStore,
	logger *zap.Logger,
	opts ...IdempotentHandlerOption,
) *IdempotentHandler {
	base := []IdempotentHandlerOption{
		WithIdempotencyKeyFunc(AlertDedupKey),
		WithIdempotencyConfig(shared.IdempotencyConfig{
			TTL:     alertDedupTTL,
			Enabled: true,
		}),
	}
	return NewIdempotentHandler(
		NewThresholdAlertHandler(logger),
		store,
		logger,
		append(base, opts...)...,
	)
}
