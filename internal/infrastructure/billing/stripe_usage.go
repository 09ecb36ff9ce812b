package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/usagerecord"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/metering"
)

// UsageReportInput contains input for reporting usage to Stripe
type UsageReportInput struct {
	TenantID           uuid.UUID // The tenant this usage belongs to
	SubscriptionItemID string    // Stripe subscription item ID (si_xxx)
	Quantity           int64     // Amount of usage to report
	Timestamp          time.Time // When the usage occurred (optional, defaults to now)
	Action             string    // "increment" (default) or "set"
	IdempotencyKey     string    // Optional idempotency key for deduplication
}

// UsageReportOutput contains the result of reporting usage to Stripe
type UsageReportOutput struct {
	UsageRecordID      string    // Stripe usage record ID
	SubscriptionItemID string    // Stripe subscription item ID
	Quantity           int64     // Reported quantity
	Timestamp          time.Time // When the usage was recorded
	Action             string    // Action taken ("increment" or "set")
}

// UsageReportBatchInput contains input for batch usage reporting
type UsageReportBatchInput struct {
	TenantID uuid.UUID
	Records  []UsageReportRecord
}

// UsageReportRecord represents a single usage record in a batch
type UsageReportRecord struct {
	SubscriptionItemID string
	Quantity           int64
	Timestamp          time.Time
	Action             string
	IdempotencyKey     string
}

// UsageReportBatchOutput contains the result of batch usage reporting
type UsageReportBatchOutput struct {
	Successful []UsageReportOutput
	Failed     []UsageReportError
}

// UsageReportError represents a failed usage report
type UsageReportError struct {
	SubscriptionItemID string
	Error              error
	RetryAfter         *time.Duration // Suggested retry delay if rate limited
}

// UsageReportLog represents a log entry for usage reporting (for reconciliation)
type UsageReportLog struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	SubscriptionItemID string
	Action             metering.ActionKind
	Quantity           int64
	Timestamp          time.Time
	StripeRecordID     string
	Status             UsageReportStatus
	ErrorMessage       string
	RetryCount         int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UsageReportStatus represents the status of a usage report
type UsageReportStatus string

const (
	UsageReportStatusPending   UsageReportStatus = "pending"
	UsageReportStatusSuccess   UsageReportStatus = "success"
	UsageReportStatusFailed    UsageReportStatus = "failed"
	UsageReportStatusRetrying  UsageReportStatus = "retrying"
	UsageReportStatusAbandoned UsageReportStatus = "abandoned"
)

// String returns the string representation of UsageReportStatus
func (s UsageReportStatus) String() string {
	return string(s)
}

// ReportUsage reports usage to Stripe for metered billing
func (a *StripeAdapter) ReportUsage(ctx context.Context, input UsageReportInput) (*UsageReportOutput, error) {
	a.logger.Debug("Reporting usage to Stripe",
		zap.String("tenant_id", input.TenantID.String()),
		zap.String("subscription_item_id", input.SubscriptionItemID),
		zap.Int64("quantity", input.Quantity))

	if input.SubscriptionItemID == "" {
		return nil, fmt.Errorf("stripe: subscription item ID is required")
	}
	if input.Quantity < 0 {
		return nil, fmt.Errorf("stripe: quantity cannot be negative")
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(input.SubscriptionItemID),
		Quantity:         stripe.Int64(input.Quantity),
	}

	if !input.Timestamp.IsZero() {
		params.Timestamp = stripe.Int64(input.Timestamp.Unix())
	}

	action := input.Action
	if action == "" {
		action = "increment"
	}
	params.Action = stripe.String(action)

	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	record, err := usagerecord.New(params)
	if err != nil {
		a.logger.Error("Failed to report usage to Stripe",
			zap.String("tenant_id", input.TenantID.String()),
			zap.String("subscription_item_id", input.SubscriptionItemID),
			zap.Error(err))
		return nil, fmt.Errorf("stripe: failed to report usage: %w", err)
	}

	a.logger.Info("Reported usage to Stripe",
		zap.String("tenant_id", input.TenantID.String()),
		zap.String("usage_record_id", record.ID),
		zap.String("subscription_item_id", record.SubscriptionItem),
		zap.Int64("quantity", record.Quantity))

	return &UsageReportOutput{
		UsageRecordID:      record.ID,
		SubscriptionItemID: record.SubscriptionItem,
		Quantity:           record.Quantity,
		Timestamp:          time.Unix(record.Timestamp, 0),
		Action:             action,
	}, nil
}

// ReportUsageBatch reports multiple usage records to Stripe.
// Stripe has no native batch API for usage records, so records are
// reported sequentially with per-record error handling.
func (a *StripeAdapter) ReportUsageBatch(ctx context.Context, input UsageReportBatchInput) (*UsageReportBatchOutput, error) {
	a.logger.Debug("Reporting batch usage to Stripe",
		zap.String("tenant_id", input.TenantID.String()),
		zap.Int("record_count", len(input.Records)))

	output := &UsageReportBatchOutput{
		Successful: make([]UsageReportOutput, 0, len(input.Records)),
		Failed:     make([]UsageReportError, 0),
	}

	for _, record := range input.Records {
		select {
		case <-ctx.Done():
			return output, ctx.Err()
		default:
		}

		result, err := a.ReportUsage(ctx, UsageReportInput{
			TenantID:           input.TenantID,
			SubscriptionItemID: record.SubscriptionItemID,
			Quantity:           record.Quantity,
			Timestamp:          record.Timestamp,
			Action:             record.Action,
			IdempotencyKey:     record.IdempotencyKey,
		})

		if err != nil {
			reportErr := UsageReportError{
				SubscriptionItemID: record.SubscriptionItemID,
				Error:              err,
			}

			// Rate limited: suggest a retry delay
			if stripeErr, ok := err.(*stripe.Error); ok {
				if stripeErr.HTTPStatusCode == 429 {
					retryAfter := time.Second
					reportErr.RetryAfter = &retryAfter
				}
			}

			output.Failed = append(output.Failed, reportErr)
			continue
		}

		output.Successful = append(output.Successful, *result)
	}

	a.logger.Info("Completed batch usage reporting",
		zap.String("tenant_id", input.TenantID.String()),
		zap.Int("successful", len(output.Successful)),
		zap.Int("failed", len(output.Failed)))

	return output, nil
}

// GetSubscriptionItemID retrieves the subscription item ID for a given
// subscription. Usage records are reported against subscription items,
// not subscriptions; tenants hold single-item subscriptions so the
// first item is the metered one.
func (a *StripeAdapter) GetSubscriptionItemID(ctx context.Context, subscriptionID string) (string, error) {
	a.logger.Debug("Getting subscription item ID",
		zap.String("subscription_id", subscriptionID))

	params := &stripe.SubscriptionParams{}
	params.AddExpand("items")

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return "", fmt.Errorf("stripe: failed to get subscription: %w", err)
	}

	if len(sub.Items.Data) == 0 {
		return "", fmt.Errorf("stripe: subscription has no items")
	}

	return sub.Items.Data[0].ID, nil
}

// UsageReportLogRepository defines the interface for persisting usage report logs
type UsageReportLogRepository interface {
	// Save persists a usage report log
	Save(ctx context.Context, log *UsageReportLog) error

	// Update updates an existing usage report log
	Update(ctx context.Context, log *UsageReportLog) error

	// FindByID retrieves a usage report log by ID
	FindByID(ctx context.Context, id uuid.UUID) (*UsageReportLog, error)

	// FindPending retrieves all pending usage reports for retry
	FindPending(ctx context.Context, maxRetries int) ([]*UsageReportLog, error)

	// FindByTenant retrieves usage report logs for a tenant
	FindByTenant(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*UsageReportLog, error)

	// FindByStatus retrieves usage report logs by status
	FindByStatus(ctx context.Context, status UsageReportStatus, limit int) ([]*UsageReportLog, error)

	// MarkAsSuccess marks a usage report as successful
	MarkAsSuccess(ctx context.Context, id uuid.UUID, stripeRecordID string) error

	// MarkAsFailed marks a usage report as failed
	MarkAsFailed(ctx context.Context, id uuid.UUID, errorMessage string) error

	// IncrementRetryCount increments the retry count for a usage report
	IncrementRetryCount(ctx context.Context, id uuid.UUID) error
}

// NewUsageReportLog creates a new usage report log entry
func NewUsageReportLog(
	tenantID uuid.UUID,
	subscriptionItemID string,
	action metering.ActionKind,
	quantity int64,
	timestamp time.Time,
) *UsageReportLog {
	now := time.Now()
	return &UsageReportLog{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		SubscriptionItemID: subscriptionItemID,
		Action:             action,
		Quantity:           quantity,
		Timestamp:          timestamp,
		Status:             UsageReportStatusPending,
		RetryCount:         0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// GenerateIdempotencyKey generates a unique idempotency key for a usage report
func GenerateIdempotencyKey(tenantID uuid.UUID, subscriptionItemID string, action metering.ActionKind, timestamp time.Time) string {
	// Format: tenant_id:subscription_item_id:action:timestamp_unix
	return fmt.Sprintf("%s:%s:%s:%d",
		tenantID.String(),
		subscriptionItemID,
		action.String(),
		timestamp.Unix(),
	)
}

// ParseIdempotencyKey parses an idempotency key back to its components
func ParseIdempotencyKey(key string) (tenantID uuid.UUID, subscriptionItemID string, action metering.ActionKind, timestamp time.Time, err error) {
	parts := strings.SplitN(key, ":", 4)

	if len(parts) != 4 {
		return uuid.Nil, "", "", time.Time{}, fmt.Errorf("invalid idempotency key format")
	}

	tenantID, err = uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", "", time.Time{}, fmt.Errorf("invalid tenant ID in idempotency key: %w", err)
	}

	subscriptionItemID = parts[1]

	action, err = metering.ParseActionKind(parts[2])
	if err != nil {
		return uuid.Nil, "", "", time.Time{}, fmt.Errorf("invalid action in idempotency key: %w", err)
	}

	unixTime, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return uuid.Nil, "", "", time.Time{}, fmt.Errorf("invalid timestamp in idempotency key: %w", err)
	}
	timestamp = time.Unix(unixTime, 0)

	return tenantID, subscriptionItemID, action, timestamp, nil
}
