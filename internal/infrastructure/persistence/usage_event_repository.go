package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageEventModel is the GORM model for the usage ledger
type UsageEventModel struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID  `gorm:"type:uuid;index:idx_usage_events_tenant_occurred,priority:1;not null"`
	Action         string     `gorm:"type:varchar(50);not null"`
	Quantity       int64      `gorm:"not null"`
	Unit           string     `gorm:"type:varchar(20);not null"`
	OccurredAt     time.Time  `gorm:"index:idx_usage_events_tenant_occurred,priority:2;not null"`
	IdempotencyKey string     `gorm:"type:varchar(255);uniqueIndex:idx_usage_events_idempotency_key;not null"`
	ResourceType   string     `gorm:"type:varchar(100)"`
	ResourceID     string     `gorm:"type:varchar(255)"`
	Metadata       []byte     `gorm:"type:jsonb;default:'{}'"`
	UserID         *uuid.UUID `gorm:"type:uuid"`
	ClientIP       string     `gorm:"type:varchar(45)"`
	UserAgent      string     `gorm:"type:text"`
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (UsageEventModel) TableName() string {
	return "usage_events"
}

// ToEntity converts the model to a domain entity
func (m *UsageEventModel) ToEntity() *metering.UsageEvent {
	var metadata metering.Metadata
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &metadata)
	}
	if metadata == nil {
		metadata = make(metering.Metadata)
	}

	return &metering.UsageEvent{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:       m.TenantID,
		Action:         metering.ActionKind(m.Action),
		Quantity:       m.Quantity,
		Unit:           metering.UsageUnit(m.Unit),
		OccurredAt:     m.OccurredAt,
		IdempotencyKey: m.IdempotencyKey,
		ResourceType:   m.ResourceType,
		ResourceID:     m.ResourceID,
		Metadata:       metadata,
		UserID:         m.UserID,
		ClientIP:       m.ClientIP,
		UserAgent:      m.UserAgent,
	}
}

// UsageEventModelFromEntity creates a model from a domain entity
func UsageEventModelFromEntity(e *metering.UsageEvent) *UsageEventModel {
	var metadataBytes []byte
	if e.Metadata != nil {
		metadataBytes, _ = json.Marshal(e.Metadata)
	} else {
		metadataBytes = []byte("{}")
	}

	return &UsageEventModel{
		ID:             e.ID,
		TenantID:       e.TenantID,
		Action:         string(e.Action),
		Quantity:       e.Quantity,
		Unit:           string(e.Unit),
		OccurredAt:     e.OccurredAt,
		IdempotencyKey: e.IdempotencyKey,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Metadata:       metadataBytes,
		UserID:         e.UserID,
		ClientIP:       e.ClientIP,
		UserAgent:      e.UserAgent,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// UsageEventRepository implements the metering.UsageEventRepository interface
type UsageEventRepository struct {
	db *gorm.DB
}

// NewUsageEventRepository creates a new usage event repository
func NewUsageEventRepository(db *gorm.DB) *UsageEventRepository {
	return &UsageEventRepository{db: db}
}

// Insert persists a new usage event. The idempotency-key uniqueness
// constraint resolves races between concurrent retries: the losing
// insert affects zero rows and surfaces as shared.ErrAlreadyExists.
func (r *UsageEventRepository) Insert(ctx context.Context, event *metering.UsageEvent) error {
	model := UsageEventModelFromEntity(event)
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrAlreadyExists
	}
	return nil
}

// InsertBatch persists multiple usage events in a single transaction,
// silently skipping rows whose idempotency key already exists.
func (r *UsageEventRepository) InsertBatch(ctx context.Context, events []*metering.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	models := make([]*UsageEventModel, len(events))
	for i, event := range events {
		models[i] = UsageEventModelFromEntity(event)
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).CreateInBatches(models, 100).Error
}

// FindByID retrieves a usage event by its ID
func (r *UsageEventRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.UsageEvent, error) {
	var model UsageEventModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByIdempotencyKey retrieves a usage event by its idempotency key
func (r *UsageEventRepository) FindByIdempotencyKey(ctx context.Context, key string) (*metering.UsageEvent, error) {
	var model UsageEventModel
	if err := r.db.WithContext(ctx).First(&model, "idempotency_key = ?", key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByTenant retrieves usage events for a tenant matching the filter
func (r *UsageEventRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID, filter metering.UsageEventFilter) ([]*metering.UsageEvent, error) {
	query := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	query = r.applyFilter(query, filter)
	query = r.applyOrderAndPagination(query, filter)

	var models []UsageEventModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	events := make([]*metering.UsageEvent, len(models))
	for i, model := range models {
		events[i] = model.ToEntity()
	}
	return events, nil
}

// CountByTenant counts usage events for a tenant matching the filter
func (r *UsageEventRepository) CountByTenant(ctx context.Context, tenantID uuid.UUID, filter metering.UsageEventFilter) (int64, error) {
	query := r.db.WithContext(ctx).Model(&UsageEventModel{}).Where("tenant_id = ?", tenantID)
	query = r.applyFilter(query, filter)

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// SumQuantity totals event quantities for a tenant and action within
// the half-open range [start, end).
func (r *UsageEventRepository) SumQuantity(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, start, end time.Time) (int64, error) {
	var result struct {
		Total int64
	}

	err := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Select("COALESCE(SUM(quantity), 0) as total").
		Where("tenant_id = ?", tenantID).
		Where("action = ?", string(action)).
		Where("occurred_at >= ?", start).
		Where("occurred_at < ?", end).
		Scan(&result).Error

	if err != nil {
		return 0, err
	}
	return result.Total, nil
}

// SumByAction totals event quantities per action for a tenant within
// the half-open range [start, end).
func (r *UsageEventRepository) SumByAction(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (map[metering.ActionKind]int64, error) {
	type actionTotal struct {
		Action string
		Total  int64
	}

	var rows []actionTotal
	err := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Select("action, COALESCE(SUM(quantity), 0) as total").
		Where("tenant_id = ?", tenantID).
		Where("occurred_at >= ?", start).
		Where("occurred_at < ?", end).
		Group("action").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	totals := make(map[metering.ActionKind]int64, len(rows))
	for _, row := range rows {
		totals[metering.ActionKind(row.Action)] = row.Total
	}
	return totals, nil
}

// AggregateDaily returns per-day totals normalized to UTC day boundaries
func (r *UsageEventRepository) AggregateDaily(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, start, end time.Time) ([]metering.DailyUsage, error) {
	// The day key is computed in SQL so the grouping happens in the
	// database; sqlite lacks TO_CHAR, hence the dialect switch
	dayExpr := "TO_CHAR(occurred_at, 'YYYY-MM-DD')"
	if r.db.Dialector.Name() == "sqlite" {
		dayExpr = "strftime('%Y-%m-%d', occurred_at)"
	}

	type dailyRow struct {
		DayKey     string
		Total      int64
		EventCount int64
	}

	var rows []dailyRow
	err := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Select(dayExpr+" as day_key, COALESCE(SUM(quantity), 0) as total, COUNT(*) as event_count").
		Where("tenant_id = ?", tenantID).
		Where("action = ?", string(action)).
		Where("occurred_at >= ?", start).
		Where("occurred_at < ?", end).
		Group("day_key").
		Order("day_key ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	usages := make([]metering.DailyUsage, 0, len(rows))
	for _, row := range rows {
		day, err := time.ParseInLocation("2006-01-02", row.DayKey, time.UTC)
		if err != nil {
			continue
		}
		usages = append(usages, metering.DailyUsage{
			Day:        day,
			Total:      row.Total,
			EventCount: row.EventCount,
		})
	}
	return usages, nil
}

// DeleteByID removes a single event as an explicit administrative correction
func (r *UsageEventRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&UsageEventModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes events older than the specified time
func (r *UsageEventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("occurred_at < ?", before).
		Delete(&UsageEventModel{})
	return result.RowsAffected, result.Error
}

// applyFilter applies filter options to a query
func (r *UsageEventRepository) applyFilter(query *gorm.DB, filter metering.UsageEventFilter) *gorm.DB {
	if filter.StartTime != nil {
		query = query.Where("occurred_at >= ?", *filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("occurred_at < ?", *filter.EndTime)
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, action := range filter.Actions {
			actions[i] = string(action)
		}
		query = query.Where("action IN ?", actions)
	}
	if filter.ResourceType != "" {
		query = query.Where("resource_type = ?", filter.ResourceType)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	return query
}

// applyOrderAndPagination applies ordering and pagination to a query
func (r *UsageEventRepository) applyOrderAndPagination(query *gorm.DB, filter metering.UsageEventFilter) *gorm.DB {
	orderBy := ValidateSortField(filter.OrderBy, UsageEventSortFields, "occurred_at")
	orderDir := ValidateSortOrder(filter.OrderDir)
	query = query.Order(orderBy + " " + orderDir)

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return query.Offset((page - 1) * pageSize).Limit(pageSize)
}

// Ensure UsageEventRepository implements the interface
var _ metering.UsageEventRepository = (*UsageEventRepository)(nil)
