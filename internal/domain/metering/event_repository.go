package metering

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageEventRepository defines the interface for the durable usage ledger.
// Rows are append-only; Insert enforces the idempotency-key uniqueness
// constraint and returns shared.ErrAlreadyExists on a conflict so that the
// caller can resolve the duplicate as a successful no-op.
type UsageEventRepository interface {
	// Insert persists a new usage event. A conflicting idempotency key
	// yields shared.ErrAlreadyExists, never a partial write.
	Insert(ctx context.Context, event *UsageEvent) error

	// InsertBatch persists multiple usage events in a single transaction,
	// skipping rows whose idempotency key already exists.
	InsertBatch(ctx context.Context, events []*UsageEvent) error

	// FindByID retrieves a usage event by its ID
	FindByID(ctx context.Context, id uuid.UUID) (*UsageEvent, error)

	// FindByIdempotencyKey retrieves a usage event by its idempotency key
	FindByIdempotencyKey(ctx context.Context, key string) (*UsageEvent, error)

	// FindByTenant retrieves usage events for a tenant matching the filter
	FindByTenant(ctx context.Context, tenantID uuid.UUID, filter UsageEventFilter) ([]*UsageEvent, error)

	// CountByTenant counts usage events for a tenant matching the filter
	CountByTenant(ctx context.Context, tenantID uuid.UUID, filter UsageEventFilter) (int64, error)

	// SumQuantity totals event quantities for a tenant and action within a time range
	SumQuantity(ctx context.Context, tenantID uuid.UUID, action ActionKind, start, end time.Time) (int64, error)

	// SumByAction totals event quantities per action for a tenant within a time range
	SumByAction(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (map[ActionKind]int64, error)

	// AggregateDaily returns per-day totals normalized to UTC day boundaries
	AggregateDaily(ctx context.Context, tenantID uuid.UUID, action ActionKind, start, end time.Time) ([]DailyUsage, error)

	// DeleteByID removes a single event as an explicit administrative correction
	DeleteByID(ctx context.Context, id uuid.UUID) error

	// DeleteOlderThan removes events older than the specified time (data retention)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DailyUsage represents the total usage for one UTC day
type DailyUsage struct {
	Day        time.Time `json:"day"`
	Total      int64     `json:"total"`
	EventCount int64     `json:"event_count"`
}

// UsageEventFilter defines filtering options for usage event queries
type UsageEventFilter struct {
	StartTime    *time.Time   // Filter events from this time
	EndTime      *time.Time   // Filter events until this time
	Actions      []ActionKind // Filter by specific action kinds
	ResourceType string       // Filter by resource type
	UserID       *uuid.UUID   // Filter by user
	Page         int          // Page number (1-based)
	PageSize     int          // Number of events per page
	OrderBy      string       // Field to order by
	OrderDir     string       // Order direction (asc/desc)
}

// DefaultUsageEventFilter returns a filter with default values
func DefaultUsageEventFilter() UsageEventFilter {
	return UsageEventFilter{
		Page:     1,
		PageSize: 100,
		OrderBy:  "occurred_at",
		OrderDir: "desc",
	}
}

// WithTimeRange sets the time range for the filter
func (f UsageEventFilter) WithTimeRange(start, end time.Time) UsageEventFilter {
	f.StartTime = &start
	f.EndTime = &end
	return f
}

// WithActions sets the action kinds filter
func (f UsageEventFilter) WithActions(actions ...ActionKind) UsageEventFilter {
	f.Actions = actions
	return f
}

// WithUser sets the user filter
func (f UsageEventFilter) WithUser(userID uuid.UUID) UsageEventFilter {
	f.UserID = &userID
	return f
}

// WithPagination sets pagination options
func (f UsageEventFilter) WithPagination(page, pageSize int) UsageEventFilter {
	f.Page = page
	f.PageSize = pageSize
	return f
}
