package billing

import (
	"context"
	"time"

	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
)

// StatementStatus represents the lifecycle state of a usage statement
type StatementStatus string

const (
	StatementStatusPending   StatementStatus = "pending"
	StatementStatusRendering StatementStatus = "rendering"
	StatementStatusCompleted StatementStatus = "completed"
	StatementStatusFailed    StatementStatus = "failed"
)

// String returns the string representation of the status
func (s StatementStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is known
func (s StatementStatus) IsValid() bool {
	switch s {
	case StatementStatusPending, StatementStatusRendering,
		StatementStatusCompleted, StatementStatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true once the statement can no longer change state
func (s StatementStatus) IsTerminal() bool {
	return s == StatementStatusCompleted || s == StatementStatusFailed
}

// CanTransitionTo reports whether moving to the target status is allowed
func (s StatementStatus) CanTransitionTo(target StatementStatus) bool {
	switch s {
	case StatementStatusPending:
		return target == StatementStatusRendering || target == StatementStatusFailed
	case StatementStatusRendering:
		return target == StatementStatusCompleted || target == StatementStatusFailed
	default:
		return false
	}
}

// UsageStatement is a rendered, downloadable record of one tenant's
// priced usage for a single billing month.
type UsageStatement struct {
	shared.BaseEntity
	TenantID    uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	Tier        Tier
	Status      StatementStatus

	// Priced totals captured at generation time. TotalAmount is a
	// decimal string so the stored value never picks up float drift.
	TotalAmount string
	Currency    string
	LineCount   int

	// Rendered file. FilePath is storage-relative; FileURL is what
	// clients fetch.
	FilePath      string
	FileURL       string
	FileSizeBytes int64
	PageCount     int

	ErrorMessage string
	GeneratedAt  *time.Time
}

// NewUsageStatement creates a pending statement for one billing month
func NewUsageStatement(tenantID uuid.UUID, periodStart, periodEnd time.Time) (*UsageStatement, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !periodEnd.After(periodStart) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Statement period end must be after start")
	}

	return &UsageStatement{
		BaseEntity:  shared.NewBaseEntity(),
		TenantID:    tenantID,
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
		Status:      StatementStatusPending,
	}, nil
}

// SetTotals records the priced usage the statement will present
func (s *UsageStatement) SetTotals(tier Tier, totalAmount, currency string, lineCount int) {
	s.Tier = tier
	s.TotalAmount = totalAmount
	s.Currency = currency
	s.LineCount = lineCount
	s.Touch()
}

// StartRendering marks the statement as rendering
func (s *UsageStatement) StartRendering() error {
	if !s.Status.CanTransitionTo(StatementStatusRendering) {
		return shared.NewDomainError("INVALID_STATE",
			"Cannot start rendering from status: "+s.Status.String())
	}

	s.Status = StatementStatusRendering
	s.Touch()
	return nil
}

// Complete marks the statement as completed with its rendered file
func (s *UsageStatement) Complete(filePath, fileURL string, sizeBytes int64, pageCount int) error {
	if !s.Status.CanTransitionTo(StatementStatusCompleted) {
		return shared.NewDomainError("INVALID_STATE",
			"Cannot complete from status: "+s.Status.String())
	}
	if filePath == "" {
		return shared.NewDomainError("INVALID_FILE", "Statement file path cannot be empty")
	}

	s.Status = StatementStatusCompleted
	s.FilePath = filePath
	s.FileURL = fileURL
	s.FileSizeBytes = sizeBytes
	s.PageCount = pageCount
	now := time.Now()
	s.GeneratedAt = &now
	s.UpdatedAt = now
	return nil
}

// Fail marks the statement as failed with an error message
func (s *UsageStatement) Fail(errorMessage string) error {
	if s.Status.IsTerminal() {
		return shared.NewDomainError("INVALID_STATE",
			"Cannot fail a statement already in terminal status: "+s.Status.String())
	}

	s.Status = StatementStatusFailed
	s.ErrorMessage = errorMessage
	s.Touch()
	return nil
}

// IsCompleted returns true if the statement rendered successfully
func (s *UsageStatement) IsCompleted() bool {
	return s.Status == StatementStatusCompleted
}

// HasFile returns true if a rendered file is available for download
func (s *UsageStatement) HasFile() bool {
	return s.Status == StatementStatusCompleted && s.FilePath != ""
}

// GetTenantID returns the owning tenant
func (s *UsageStatement) GetTenantID() uuid.UUID {
	return s.TenantID
}

var _ shared.TenantOwned = (*UsageStatement)(nil)

// StatementRepository defines the interface for statement persistence
type StatementRepository interface {
	// Save creates or updates a statement
	Save(ctx context.Context, statement *UsageStatement) error

	// FindByID finds a statement by its identifier
	FindByID(ctx context.Context, id uuid.UUID) (*UsageStatement, error)

	// FindByTenantAndPeriod finds the statement covering the period
	// that starts at the given instant
	FindByTenantAndPeriod(ctx context.Context, tenantID uuid.UUID, periodStart time.Time) (*UsageStatement, error)

	// FindByTenant lists a tenant's statements, newest period first
	FindByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*UsageStatement, error)

	// Delete removes a statement record
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteOlderThan removes statement records whose period ended
	// before the cutoff and returns how many were removed
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
