package persistence

import (
	"context"
	"time"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsageStatementModel is the GORM model for monthly usage statements.
// TotalAmount stays a varchar so the decimal string written at
// generation time round-trips without numeric reformatting.
type UsageStatementModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID      uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_usage_statements_tenant_period,priority:1;not null"`
	PeriodStart   time.Time `gorm:"uniqueIndex:idx_usage_statements_tenant_period,priority:2;not null"`
	PeriodEnd     time.Time `gorm:"not null"`
	Tier          string    `gorm:"type:varchar(20);not null"`
	Status        string    `gorm:"type:varchar(20);not null"`
	TotalAmount   string    `gorm:"type:varchar(32);not null;default:'0'"`
	Currency      string    `gorm:"type:varchar(8);not null"`
	LineCount     int       `gorm:"not null;default:0"`
	FilePath      string    `gorm:"type:varchar(512)"`
	FileURL       string    `gorm:"type:varchar(512)"`
	FileSizeBytes int64     `gorm:"not null;default:0"`
	PageCount     int       `gorm:"not null;default:0"`
	ErrorMessage  string    `gorm:"type:text"`
	GeneratedAt   *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (UsageStatementModel) TableName() string {
	return "usage_statements"
}

// ToEntity converts the model to a domain entity
func (m *UsageStatementModel) ToEntity() *billing.UsageStatement {
	return &billing.UsageStatement{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:      m.TenantID,
		PeriodStart:   m.PeriodStart,
		PeriodEnd:     m.PeriodEnd,
		Tier:          billing.Tier(m.Tier),
		Status:        billing.StatementStatus(m.Status),
		TotalAmount:   m.TotalAmount,
		Currency:      m.Currency,
		LineCount:     m.LineCount,
		FilePath:      m.FilePath,
		FileURL:       m.FileURL,
		FileSizeBytes: m.FileSizeBytes,
		PageCount:     m.PageCount,
		ErrorMessage:  m.ErrorMessage,
		GeneratedAt:   m.GeneratedAt,
	}
}

// UsageStatementModelFromEntity creates a model from a domain entity
func UsageStatementModelFromEntity(e *billing.UsageStatement) *UsageStatementModel {
	return &UsageStatementModel{
		ID:            e.ID,
		TenantID:      e.TenantID,
		PeriodStart:   e.PeriodStart,
		PeriodEnd:     e.PeriodEnd,
		Tier:          string(e.Tier),
		Status:        string(e.Status),
		TotalAmount:   e.TotalAmount,
		Currency:      e.Currency,
		LineCount:     e.LineCount,
		FilePath:      e.FilePath,
		FileURL:       e.FileURL,
		FileSizeBytes: e.FileSizeBytes,
		PageCount:     e.PageCount,
		ErrorMessage:  e.ErrorMessage,
		GeneratedAt:   e.GeneratedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// StatementRepository implements the billing.StatementRepository interface
type StatementRepository struct {
	db *gorm.DB
}

// NewStatementRepository creates a new statement repository
func NewStatementRepository(db *gorm.DB) *StatementRepository {
	return &StatementRepository{db: db}
}

// Save creates or updates a statement. The generation flow saves the
// same record through its pending, rendering and terminal states.
func (r *StatementRepository) Save(ctx context.Context, statement *billing.UsageStatement) error {
	model := UsageStatementModelFromEntity(statement)
	return r.db.WithContext(ctx).Save(model).Error
}

// FindByID finds a statement by its identifier
func (r *StatementRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.UsageStatement, error) {
	var model UsageStatementModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByTenantAndPeriod finds the statement covering the period that
// starts at the given instant
func (r *StatementRepository) FindByTenantAndPeriod(ctx context.Context, tenantID uuid.UUID, periodStart time.Time) (*billing.UsageStatement, error) {
	var model UsageStatementModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND period_start = ?", tenantID, periodStart.UTC()).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByTenant lists a tenant's statements, newest period first
func (r *StatementRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*billing.UsageStatement, error) {
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("period_start DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []UsageStatementModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	statements := make([]*billing.UsageStatement, len(models))
	for i, model := range models {
		statements[i] = model.ToEntity()
	}
	return statements, nil
}

// Delete removes a statement record
func (r *StatementRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&UsageStatementModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes statement records whose period ended before
// the cutoff (data retention)
func (r *StatementRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("period_end < ?", cutoff).
		Delete(&UsageStatementModel{})
	return result.RowsAffected, result.Error
}

// Ensure StatementRepository implements the interface
var _ billing.StatementRepository = (*StatementRepository)(nil)
