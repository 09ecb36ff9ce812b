package metering

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTenantID is returned when a tenant ID is invalid or empty
var ErrInvalidTenantID = errors.New("metering: tenant ID cannot be empty")

// UsageSnapshot represents a daily materialized aggregate of tenant usage.
// Snapshots are produced by a scheduled job from the ledger and serve
// historical trend queries without rescanning raw events.
type UsageSnapshot struct {
	ID           uuid.UUID            `json:"id"`
	TenantID     uuid.UUID            `json:"tenant_id"`
	SnapshotDate time.Time            `json:"snapshot_date"`
	Totals       map[ActionKind]int64 `json:"totals"`
	StorageBytes int64                `json:"storage_bytes"`
	EventCount   int64                `json:"event_count"`
	CreatedAt    time.Time            `json:"created_at"`
}

// NewUsageSnapshot creates a new usage snapshot with the date normalized to
// a UTC day boundary.
func NewUsageSnapshot(tenantID uuid.UUID, snapshotDate time.Time) (*UsageSnapshot, error) {
	if tenantID == uuid.Nil {
		return nil, ErrInvalidTenantID
	}

	utc := snapshotDate.UTC()
	normalizedDate := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)

	return &UsageSnapshot{
		ID:           uuid.New(),
		TenantID:     tenantID,
		SnapshotDate: normalizedDate,
		Totals:       make(map[ActionKind]int64),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// WithTotal sets the total for one action kind.
// Negative values are ignored (the total remains unchanged).
func (s *UsageSnapshot) WithTotal(action ActionKind, total int64) *UsageSnapshot {
	if total >= 0 && action.IsValid() {
		if s.Totals == nil {
			s.Totals = make(map[ActionKind]int64)
		}
		s.Totals[action] = total
	}
	return s
}

// WithStorageBytes sets the storage level observed at snapshot time
func (s *UsageSnapshot) WithStorageBytes(bytes int64) *UsageSnapshot {
	if bytes >= 0 {
		s.StorageBytes = bytes
	}
	return s
}

// WithEventCount sets the number of ledger events behind the snapshot
func (s *UsageSnapshot) WithEventCount(count int64) *UsageSnapshot {
	if count >= 0 {
		s.EventCount = count
	}
	return s
}

// TotalFor returns the snapshot total for an action kind
func (s *UsageSnapshot) TotalFor(action ActionKind) int64 {
	if s.Totals == nil {
		return 0
	}
	return s.Totals[action]
}

// UsageSnapshotFilter defines filtering options for snapshot queries
type UsageSnapshotFilter struct {
	StartDate *time.Time // Filter snapshots from this date (inclusive)
	EndDate   *time.Time // Filter snapshots until this date (inclusive)
	Page      int        // Page number (1-based)
	PageSize  int        // Number of records per page
}

// DefaultUsageSnapshotFilter returns a filter with default values
func DefaultUsageSnapshotFilter() UsageSnapshotFilter {
	return UsageSnapshotFilter{
		Page:     1,
		PageSize: 100,
	}
}

// WithDateRange sets the date range for the filter
func (f UsageSnapshotFilter) WithDateRange(start, end time.Time) UsageSnapshotFilter {
	f.StartDate = &start
	f.EndDate = &end
	return f
}

// WithPagination sets pagination options
func (f UsageSnapshotFilter) WithPagination(page, pageSize int) UsageSnapshotFilter {
	f.Page = page
	f.PageSize = pageSize
	return f
}

// UsageSnapshotRepository defines the interface for persisting and querying snapshots
type UsageSnapshotRepository interface {
	// Upsert creates or replaces the snapshot for a tenant and date
	Upsert(ctx context.Context, snapshot *UsageSnapshot) error

	// FindByTenantAndDate retrieves a specific snapshot for a tenant and date
	FindByTenantAndDate(ctx context.Context, tenantID uuid.UUID, date time.Time) (*UsageSnapshot, error)

	// FindByTenant retrieves snapshots for a tenant within a date range
	FindByTenant(ctx context.Context, tenantID uuid.UUID, filter UsageSnapshotFilter) ([]*UsageSnapshot, error)

	// FindLatestByTenant retrieves the most recent snapshot for a tenant
	FindLatestByTenant(ctx context.Context, tenantID uuid.UUID) (*UsageSnapshot, error)

	// DeleteOlderThan removes snapshots older than the specified date (data retention)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)

	// ActiveTenantIDs retrieves the tenant IDs with ledger activity in a time range,
	// so the snapshot job knows which tenants to materialize
	ActiveTenantIDs(ctx context.Context, start, end time.Time) ([]uuid.UUID, error)
}
