package persistence

import (
	"context"
	"time"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageSnapshotModel is the GORM model for daily usage snapshots
type UsageSnapshotModel struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID        `gorm:"type:uuid;uniqueIndex:idx_usage_snapshots_tenant_date,priority:1;not null"`
	SnapshotDate time.Time        `gorm:"type:date;uniqueIndex:idx_usage_snapshots_tenant_date,priority:2;not null"`
	Totals       map[string]int64 `gorm:"type:jsonb;serializer:json"`
	StorageBytes int64            `gorm:"not null;default:0"`
	EventCount   int64            `gorm:"not null;default:0"`
	CreatedAt    time.Time        `gorm:"autoCreateTime"`
}

// TableName returns the table name for the model
func (UsageSnapshotModel) TableName() string {
	return "usage_snapshots"
}

// ToEntity converts the model to a domain entity
func (m *UsageSnapshotModel) ToEntity() *metering.UsageSnapshot {
	totals := make(map[metering.ActionKind]int64, len(m.Totals))
	for action, total := range m.Totals {
		totals[metering.ActionKind(action)] = total
	}

	return &metering.UsageSnapshot{
		ID:           m.ID,
		TenantID:     m.TenantID,
		SnapshotDate: m.SnapshotDate,
		Totals:       totals,
		StorageBytes: m.StorageBytes,
		EventCount:   m.EventCount,
		CreatedAt:    m.CreatedAt,
	}
}

// UsageSnapshotModelFromEntity creates a model from a domain entity
func UsageSnapshotModelFromEntity(e *metering.UsageSnapshot) *UsageSnapshotModel {
	totals := make(map[string]int64, len(e.Totals))
	for action, total := range e.Totals {
		totals[string(action)] = total
	}

	return &UsageSnapshotModel{
		ID:           e.ID,
		TenantID:     e.TenantID,
		SnapshotDate: e.SnapshotDate,
		Totals:       totals,
		StorageBytes: e.StorageBytes,
		EventCount:   e.EventCount,
		CreatedAt:    e.CreatedAt,
	}
}

// UsageSnapshotRepository implements the metering.UsageSnapshotRepository interface
type UsageSnapshotRepository struct {
	db *gorm.DB
}

// NewUsageSnapshotRepository creates a new usage snapshot repository
func NewUsageSnapshotRepository(db *gorm.DB) *UsageSnapshotRepository {
	return &UsageSnapshotRepository{db: db}
}

// Upsert creates or replaces the snapshot for a tenant and date. Re-running
// the snapshot job for the same day overwrites the previous aggregate.
func (r *UsageSnapshotRepository) Upsert(ctx context.Context, snapshot *metering.UsageSnapshot) error {
	model := UsageSnapshotModelFromEntity(snapshot)

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "snapshot_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"totals",
			"storage_bytes",
			"event_count",
		}),
	}).Create(model).Error
}

// FindByTenantAndDate retrieves a specific snapshot for a tenant and date
func (r *UsageSnapshotRepository) FindByTenantAndDate(ctx context.Context, tenantID uuid.UUID, date time.Time) (*metering.UsageSnapshot, error) {
	// Normalize to the UTC day boundary snapshots are keyed by
	utc := date.UTC()
	normalizedDate := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)

	var model UsageSnapshotModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND snapshot_date = ?", tenantID, normalizedDate).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByTenant retrieves snapshots for a tenant within a date range
func (r *UsageSnapshotRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID, filter metering.UsageSnapshotFilter) ([]*metering.UsageSnapshot, error) {
	query := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)

	if filter.StartDate != nil {
		query = query.Where("snapshot_date >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("snapshot_date <= ?", *filter.EndDate)
	}

	if filter.PageSize > 0 {
		offset := (filter.Page - 1) * filter.PageSize
		if offset < 0 {
			offset = 0
		}
		query = query.Offset(offset).Limit(filter.PageSize)
	}

	// Most recent first
	query = query.Order("snapshot_date DESC")

	var models []UsageSnapshotModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	snapshots := make([]*metering.UsageSnapshot, len(models))
	for i, model := range models {
		snapshots[i] = model.ToEntity()
	}
	return snapshots, nil
}

// FindLatestByTenant retrieves the most recent snapshot for a tenant
func (r *UsageSnapshotRepository) FindLatestByTenant(ctx context.Context, tenantID uuid.UUID) (*metering.UsageSnapshot, error) {
	var model UsageSnapshotModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("snapshot_date DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// DeleteOlderThan removes snapshots older than the specified date (data retention)
func (r *UsageSnapshotRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("snapshot_date < ?", before).
		Delete(&UsageSnapshotModel{})
	return result.RowsAffected, result.Error
}

// ActiveTenantIDs retrieves the tenant IDs with ledger activity in
// [start, end), scanning the usage events table
func (r *UsageSnapshotRepository) ActiveTenantIDs(ctx context.Context, start, end time.Time) ([]uuid.UUID, error) {
	var tenantIDs []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("occurred_at >= ? AND occurred_at < ?", start, end).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error
	if err != nil {
		return nil, err
	}
	return tenantIDs, nil
}

// Ensure UsageSnapshotRepository implements the interface
var _ metering.UsageSnapshotRepository = (*UsageSnapshotRepository)(nil)
