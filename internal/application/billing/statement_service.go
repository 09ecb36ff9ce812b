package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	appmetering "github.com/briefly/metering/internal/application/metering"
	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/briefly/metering/internal/infrastructure/statement"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EntitlementSource resolves a tenant's effective entitlements.
// TierService satisfies it.
type EntitlementSource interface {
	GetEntitlements(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error)
}

// UsageCalculator prices a tenant's usage for a period. A tier change
// inside the period splits the charges into prorated segments.
// The usage tracker satisfies it.
type UsageCalculator interface {
	CalculateBillingUsage(ctx context.Context, tenantID uuid.UUID, start, end time.Time, tierChangedAt *time.Time) (*appmetering.BillingUsage, error)
}

// StatementServiceConfig contains configuration for statement generation
type StatementServiceConfig struct {
	// PaperSize for rendered statements
	PaperSize statement.PaperSize

	// RenderTimeout bounds a single PDF render
	RenderTimeout time.Duration

	// ListLimit caps how many statements a listing returns
	ListLimit int
}

// DefaultStatementServiceConfig returns default statement configuration
func DefaultStatementServiceConfig() StatementServiceConfig {
	return StatementServiceConfig{
		PaperSize:     statement.PaperSizeA4,
		RenderTimeout: 30 * time.Second,
		ListLimit:     24,
	}
}

// StatementService generates monthly usage statements as downloadable
// PDFs. Statements are feature-gated, so free-tier tenants are refused
// before any usage is priced.
type StatementService struct {
	statements    billing.StatementRepository
	subscriptions billing.SubscriptionRepository
	entitlements  EntitlementSource
	usage         UsageCalculator
	engine        *statement.TemplateEngine
	renderer      statement.PDFRenderer
	storage       statement.PDFStorage
	publisher     shared.EventPublisher
	logger        *zap.Logger
	config        StatementServiceConfig
}

// NewStatementService creates a new StatementService
func NewStatementService(
	statements billing.StatementRepository,
	subscriptions billing.SubscriptionRepository,
	entitlements EntitlementSource,
	usage UsageCalculator,
	engine *statement.TemplateEngine,
	renderer statement.PDFRenderer,
	storage statement.PDFStorage,
	publisher shared.EventPublisher,
	logger *zap.Logger,
	config StatementServiceConfig,
) *StatementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PaperSize == "" {
		config.PaperSize = statement.PaperSizeA4
	}
	if config.RenderTimeout <= 0 {
		config.RenderTimeout = 30 * time.Second
	}
	if config.ListLimit <= 0 {
		config.ListLimit = 24
	}
	return &StatementService{
		statements:    statements,
		subscriptions: subscriptions,
		entitlements:  entitlements,
		usage:         usage,
		engine:        engine,
		renderer:      renderer,
		storage:       storage,
		publisher:     publisher,
		logger:        logger,
		config:        config,
	}
}

// StatementResponse is the API representation of a usage statement
type StatementResponse struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	PeriodStart   time.Time  `json:"period_start"`
	PeriodEnd     time.Time  `json:"period_end"`
	PeriodLabel   string     `json:"period_label"`
	Tier          string     `json:"tier"`
	Status        string     `json:"status"`
	TotalAmount   string     `json:"total_amount"`
	Currency      string     `json:"currency"`
	LineCount     int        `json:"line_count"`
	PageCount     int        `json:"page_count,omitempty"`
	FileURL       string     `json:"file_url,omitempty"`
	FileSizeBytes int64      `json:"file_size_bytes,omitempty"`
	GeneratedAt   *time.Time `json:"generated_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// MonthlyStatementRun summarizes one scheduled generation sweep
type MonthlyStatementRun struct {
	Month     string `json:"month"`
	Generated int    `json:"generated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// GenerateStatement renders the usage statement for one tenant and one
// billing month. A completed statement for the same month is returned
// as-is unless force is set, so repeated requests are cheap.
func (s *StatementService) GenerateStatement(ctx context.Context, tenantID uuid.UUID, month time.Time, force bool) (*StatementResponse, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	entitlements, err := s.entitlements.GetEntitlements(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !entitlements.HasFeature(billing.FeatureUsageStatements) {
		return nil, shared.NewDomainError(shared.CodeFeatureNotAvailable,
			"Usage statements are not included in the current plan")
	}

	periodStart, periodEnd := monthBounds(month)
	if periodStart.After(time.Now().UTC()) {
		return nil, shared.NewDomainError("INVALID_PERIOD",
			"Cannot generate a statement for a future month")
	}

	existing, err := s.statements.FindByTenantAndPeriod(ctx, tenantID, periodStart)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		s.logger.Error("Failed to look up existing statement", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to look up existing statement")
	}
	if existing != nil {
		if existing.IsCompleted() && !force {
			return toStatementResponse(existing), nil
		}
		// Regeneration replaces the prior record and its file
		if existing.FilePath != "" {
			if err := s.storage.Delete(ctx, existing.FilePath); err != nil {
				s.logger.Warn("Failed to delete superseded statement file",
					zap.String("path", existing.FilePath), zap.Error(err))
			}
		}
		if err := s.statements.Delete(ctx, existing.ID); err != nil {
			s.logger.Error("Failed to delete superseded statement", zap.Error(err))
			return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to replace existing statement")
		}
	}

	usage, err := s.usage.CalculateBillingUsage(ctx, tenantID, periodStart, periodEnd, s.tierChangedAt(ctx, tenantID))
	if err != nil {
		return nil, err
	}

	stmt, err := billing.NewUsageStatement(tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	stmt.SetTotals(entitlements.Tier, usage.Total, usage.Currency, len(usage.Lines))

	if err := s.statements.Save(ctx, stmt); err != nil {
		s.logger.Error("Failed to save statement", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to save statement")
	}

	if err := stmt.StartRendering(); err != nil {
		return nil, err
	}
	if err := s.statements.Save(ctx, stmt); err != nil {
		s.logger.Error("Failed to update statement status", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to update statement status")
	}

	data := s.buildStatementData(stmt, entitlements.Tier, usage)

	html, err := s.engine.RenderStatement(ctx, data)
	if err != nil {
		s.failStatement(ctx, stmt, "Statement template rendering failed")
		s.logger.Error("Statement template rendering failed", zap.Error(err),
			zap.String("statement_id", stmt.ID.String()))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Statement rendering failed")
	}

	pdf, err := s.renderer.Render(ctx, &statement.RenderRequest{
		HTML:        html,
		PaperSize:   s.config.PaperSize,
		Orientation: statement.OrientationPortrait,
		Margins:     statement.DefaultMargins(),
		Title:       "Usage Statement " + data.PeriodLabel,
		FooterHTML:  statement.DefaultFooterHTML,
		Timeout:     s.config.RenderTimeout,
	})
	if err != nil {
		s.failStatement(ctx, stmt, "PDF rendering failed")
		s.logger.Error("Statement PDF rendering failed", zap.Error(err),
			zap.String("statement_id", stmt.ID.String()))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Statement rendering failed")
	}

	stored, err := s.storage.Store(ctx, &statement.StoreRequest{
		TenantID:    tenantID,
		StatementID: stmt.ID,
		Period:      periodStart,
		PDFData:     pdf.PDFData,
	})
	if err != nil {
		s.failStatement(ctx, stmt, "Statement file storage failed")
		s.logger.Error("Statement storage failed", zap.Error(err),
			zap.String("statement_id", stmt.ID.String()))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Statement storage failed")
	}

	if err := stmt.Complete(stored.Path, stored.URL, stored.Size, pdf.PageCount); err != nil {
		return nil, err
	}
	if err := s.statements.Save(ctx, stmt); err != nil {
		s.logger.Error("Failed to save completed statement", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to save statement")
	}

	s.publishAsync(billing.NewStatementGeneratedEvent(stmt))

	s.logger.Info("Usage statement generated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("statement_id", stmt.ID.String()),
		zap.String("period", data.PeriodLabel),
		zap.String("total", stmt.TotalAmount),
		zap.Int("pages", pdf.PageCount))

	return toStatementResponse(stmt), nil
}

// GetStatement returns one statement. Statements belonging to another
// tenant read as not found.
func (s *StatementService) GetStatement(ctx context.Context, tenantID, statementID uuid.UUID) (*StatementResponse, error) {
	stmt, err := s.findForTenant(ctx, tenantID, statementID)
	if err != nil {
		return nil, err
	}
	return toStatementResponse(stmt), nil
}

// ListStatements lists a tenant's statements, newest period first
func (s *StatementService) ListStatements(ctx context.Context, tenantID uuid.UUID, limit int) ([]StatementResponse, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if limit <= 0 || limit > s.config.ListLimit {
		limit = s.config.ListLimit
	}

	statements, err := s.statements.FindByTenant(ctx, tenantID, limit)
	if err != nil {
		s.logger.Error("Failed to list statements", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to list statements")
	}

	responses := make([]StatementResponse, 0, len(statements))
	for _, stmt := range statements {
		responses = append(responses, *toStatementResponse(stmt))
	}
	return responses, nil
}

// OpenStatementFile returns the rendered PDF stream for download. The
// caller owns the returned reader.
func (s *StatementService) OpenStatementFile(ctx context.Context, tenantID, statementID uuid.UUID) (io.ReadCloser, *StatementResponse, error) {
	stmt, err := s.findForTenant(ctx, tenantID, statementID)
	if err != nil {
		return nil, nil, err
	}
	if !stmt.HasFile() {
		return nil, nil, shared.NewDomainError("STATEMENT_NOT_READY",
			"Statement has no rendered file")
	}

	file, err := s.storage.Get(ctx, stmt.FilePath)
	if err != nil {
		s.logger.Error("Failed to open statement file", zap.Error(err),
			zap.String("statement_id", stmt.ID.String()))
		return nil, nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to open statement file")
	}
	return file, toStatementResponse(stmt), nil
}

// BillableTenantIDs lists the tenants whose subscription is in a
// consuming state, deduplicated across statuses. The scheduled
// statement run fans out over this list.
func (s *StatementService) BillableTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var tenantIDs []uuid.UUID
	for _, status := range []billing.SubscriptionStatus{
		billing.SubscriptionStatusActive,
		billing.SubscriptionStatusTrialing,
	} {
		subscriptions, err := s.subscriptions.FindByStatus(ctx, status)
		if err != nil {
			s.logger.Error("Failed to list subscriptions for statement run",
				zap.String("status", status.String()), zap.Error(err))
			return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to list subscriptions")
		}
		for _, sub := range subscriptions {
			if seen[sub.TenantID] {
				continue
			}
			seen[sub.TenantID] = true
			tenantIDs = append(tenantIDs, sub.TenantID)
		}
	}
	return tenantIDs, nil
}

// GenerateMonthlyStatements renders statements for every consuming
// tenant whose plan includes them. Tenants without the feature are
// skipped; individual failures do not stop the sweep.
func (s *StatementService) GenerateMonthlyStatements(ctx context.Context, month time.Time) (*MonthlyStatementRun, error) {
	periodStart, _ := monthBounds(month)
	run := &MonthlyStatementRun{Month: periodStart.Format("2006-01")}

	tenantIDs, err := s.BillableTenantIDs(ctx)
	if err != nil {
		return run, err
	}

	for _, tenantID := range tenantIDs {
		if _, err := s.GenerateStatement(ctx, tenantID, month, false); err != nil {
			var domainErr *shared.DomainError
			if errors.As(err, &domainErr) && domainErr.Code == shared.CodeFeatureNotAvailable {
				run.Skipped++
				continue
			}
			run.Failed++
			s.logger.Warn("Statement generation failed for tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}
		run.Generated++
	}

	s.logger.Info("Monthly statement run finished",
		zap.String("month", run.Month),
		zap.Int("generated", run.Generated),
		zap.Int("skipped", run.Skipped),
		zap.Int("failed", run.Failed))

	if run.Failed > 0 {
		return run, fmt.Errorf("failed to generate statements for %d tenants", run.Failed)
	}
	return run, nil
}

// PurgeOldStatements removes statement records and files older than
// the retention age. Returns how many records were removed.
func (s *StatementService) PurgeOldStatements(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	removed, err := s.statements.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to purge statement records", zap.Error(err))
		return 0, shared.NewDomainError("INTERNAL_ERROR", "Failed to purge statements")
	}

	if _, err := s.storage.CleanupOlderThan(ctx, age); err != nil {
		s.logger.Warn("Statement file cleanup failed", zap.Error(err))
	}

	if removed > 0 {
		s.logger.Info("Purged old statements",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// tierChangedAt reports when the tenant's tier last changed, so mid-cycle
// upgrades bill each tier for its own slice of the month. Tenants without
// a subscription record, or whose lookup fails, bill as a single segment.
func (s *StatementService) tierChangedAt(ctx context.Context, tenantID uuid.UUID) *time.Time {
	sub, err := s.subscriptions.FindByTenant(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Warn("Failed to load subscription for statement proration",
				zap.String("tenant_id", tenantID.String()), zap.Error(err))
		}
		return nil
	}
	return sub.TierChangedAt
}

// findForTenant loads a statement and enforces tenant ownership
func (s *StatementService) findForTenant(ctx context.Context, tenantID, statementID uuid.UUID) (*billing.UsageStatement, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	stmt, err := s.statements.FindByID(ctx, statementID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.NewDomainError("NOT_FOUND", "Statement not found")
		}
		s.logger.Error("Failed to load statement", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to load statement")
	}
	if stmt.TenantID != tenantID {
		return nil, shared.NewDomainError("NOT_FOUND", "Statement not found")
	}
	return stmt, nil
}

// buildStatementData assembles the display-ready view model
func (s *StatementService) buildStatementData(stmt *billing.UsageStatement, tier billing.Tier, usage *appmetering.BillingUsage) *statement.StatementData {
	data := &statement.StatementData{
		StatementNumber: statementNumber(stmt),
		TenantID:        stmt.TenantID.String(),
		TierLabel:       tier.DisplayName(),
		PeriodLabel:     stmt.PeriodStart.Format("January 2006"),
		PeriodStart:     stmt.PeriodStart,
		PeriodEnd:       stmt.PeriodEnd.AddDate(0, 0, -1), // display the last covered day
		GeneratedAt:     time.Now().UTC(),
		Lines:           toStatementLines(usage.Lines, usage.Currency),
		Total:           statement.FormatAmount(usage.Total, usage.Currency),
		Currency:        strings.ToUpper(usage.Currency),
	}

	// A single segment is the whole period; the breakdown only appears
	// when a tier change split the month
	if len(usage.Segments) > 1 {
		data.Segments = make([]statement.StatementSegment, 0, len(usage.Segments))
		for _, seg := range usage.Segments {
			data.Segments = append(data.Segments, statement.StatementSegment{
				Label: fmt.Sprintf("%s to %s",
					seg.PeriodStart.Format("Jan 2"),
					seg.PeriodEnd.Format("Jan 2, 2006")),
				Share:    statement.FormatShare(seg.PeriodShare),
				Lines:    toStatementLines(seg.Lines, usage.Currency),
				Subtotal: statement.FormatAmount(seg.Subtotal, usage.Currency),
			})
		}
	}

	return data
}

// toStatementLines maps priced usage lines to their display rows
func toStatementLines(lines []appmetering.BillingLine, currency string) []statement.StatementLine {
	out := make([]statement.StatementLine, 0, len(lines))
	for _, line := range lines {
		label := line.Action
		quantity := statement.FormatCount(line.Quantity)
		if action, err := metering.ParseActionKind(line.Action); err == nil {
			label = action.DisplayName()
			if action.Unit() == metering.UsageUnitBytes {
				quantity = metering.FormatBytes(line.Quantity)
			}
		}
		out = append(out, statement.StatementLine{
			Label:    label,
			Quantity: quantity,
			Rate:     statement.FormatAmount(line.Rate, currency),
			Amount:   statement.FormatAmount(line.Amount, currency),
		})
	}
	return out
}

// failStatement records a terminal failure, best effort
func (s *StatementService) failStatement(ctx context.Context, stmt *billing.UsageStatement, reason string) {
	if err := stmt.Fail(reason); err != nil {
		return
	}
	if err := s.statements.Save(ctx, stmt); err != nil {
		s.logger.Warn("Failed to record statement failure", zap.Error(err))
	}
}

func (s *StatementService) publishAsync(event shared.DomainEvent) {
	if s.publisher == nil {
		return
	}
	go func() {
		if err := s.publisher.Publish(context.Background(), event); err != nil {
			s.logger.Warn("Failed to publish statement event",
				zap.String("event_type", event.EventType()),
				zap.Error(err))
		}
	}()
}

// monthBounds normalizes an instant to its UTC month boundaries
func monthBounds(month time.Time) (time.Time, time.Time) {
	m := month.UTC()
	start := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// statementNumber derives the human-facing statement reference
func statementNumber(stmt *billing.UsageStatement) string {
	id := stmt.ID.String()
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("ST-%s-%s", stmt.PeriodStart.Format("200601"), id)
}

// toStatementResponse maps the entity to its API representation
func toStatementResponse(stmt *billing.UsageStatement) *StatementResponse {
	return &StatementResponse{
		ID:            stmt.ID,
		TenantID:      stmt.TenantID,
		PeriodStart:   stmt.PeriodStart,
		PeriodEnd:     stmt.PeriodEnd,
		PeriodLabel:   stmt.PeriodStart.Format("January 2006"),
		Tier:          stmt.Tier.String(),
		Status:        stmt.Status.String(),
		TotalAmount:   stmt.TotalAmount,
		Currency:      stmt.Currency,
		LineCount:     stmt.LineCount,
		PageCount:     stmt.PageCount,
		FileURL:       stmt.FileURL,
		FileSizeBytes: stmt.FileSizeBytes,
		GeneratedAt:   stmt.GeneratedAt,
		Error:         stmt.ErrorMessage,
	}
}
