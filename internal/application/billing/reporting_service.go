package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	infrabilling "github.com/briefly/metering/internal/infrastructure/billing"
)

// UsageReportGateway submits metered usage to the billing provider
type UsageReportGateway interface {
	// ReportUsage submits one usage record
	ReportUsage(ctx context.Context, input infrabilling.UsageReportInput) (*infrabilling.UsageReportOutput, error)

	// GetSubscriptionItemID resolves the metered subscription item for a
	// provider subscription
	GetSubscriptionItemID(ctx context.Context, subscriptionID string) (string, error)
}

// UsageReportingService reports ledger usage to the billing provider for
// metered billing, with retry logic for failed reports.
type UsageReportingService struct {
	gateway          UsageReportGateway
	eventRepo        metering.UsageEventRepository
	reportLogRepo    infrabilling.UsageReportLogRepository
	subscriptionRepo billing.SubscriptionRepository
	logger           *zap.Logger
	config           UsageReportingConfig

	mu sync.Mutex
	// itemIDs caches provider subscription item lookups per subscription
	itemIDs map[string]string
}

// UsageReportingConfig contains configuration for usage reporting
type UsageReportingConfig struct {
	// MaxRetries is the maximum number of retry attempts for failed reports
	MaxRetries int

	// RetryBaseDelay is the base delay between retries (exponential backoff)
	RetryBaseDelay time.Duration

	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration

	// Actions specifies which action kinds are reported to the provider
	Actions []metering.ActionKind
}

// DefaultUsageReportingConfig returns default configuration
func DefaultUsageReportingConfig() UsageReportingConfig {
	return UsageReportingConfig{
		MaxRetries:     5,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  5 * time.Minute,
		Actions: []metering.ActionKind{
			metering.ActionMessage,
			metering.ActionAPICall,
			metering.ActionEmbedding,
		},
	}
}

// NewUsageReportingService creates a new usage reporting service
func NewUsageReportingService(
	gateway UsageReportGateway,
	eventRepo metering.UsageEventRepository,
	reportLogRepo infrabilling.UsageReportLogRepository,
	subscriptionRepo billing.SubscriptionRepository,
	logger *zap.Logger,
	config UsageReportingConfig,
) *UsageReportingService {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 5 * time.Minute
	}

	return &UsageReportingService{
		gateway:          gateway,
		eventRepo:        eventRepo,
		reportLogRepo:    reportLogRepo,
		subscriptionRepo: subscriptionRepo,
		logger:           logger,
		config:           config,
		itemIDs:          make(map[string]string),
	}
}

// ReportUsageForTenant reports the current period's usage for one tenant
func (s *UsageReportingService) ReportUsageForTenant(ctx context.Context, tenantID uuid.UUID) error {
	subscription, err := s.subscriptionRepo.FindByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to find subscription for tenant: %w", err)
	}

	if subscription.StripeSubscriptionID == "" {
		s.logger.Debug("Tenant has no provider subscription, skipping usage report",
			zap.String("tenant_id", tenantID.String()))
		return nil
	}

	itemID, err := s.subscriptionItemID(ctx, subscription.StripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to resolve subscription item: %w", err)
	}

	periodStart := subscription.CurrentPeriodStart
	periodEnd := subscription.CurrentPeriodEnd

	for _, action := range s.config.Actions {
		if err := s.reportAction(ctx, tenantID, itemID, action, periodStart, periodEnd); err != nil {
			s.logger.Error("Failed to report usage for action",
				zap.String("tenant_id", tenantID.String()),
				zap.String("action", string(action)),
				zap.Error(err))
			// Continue with the remaining actions
		}
	}

	return nil
}

// reportAction reports one action kind's period total to the provider
func (s *UsageReportingService) reportAction(
	ctx context.Context,
	tenantID uuid.UUID,
	itemID string,
	action metering.ActionKind,
	periodStart, periodEnd time.Time,
) error {
	total, err := s.eventRepo.SumQuantity(ctx, tenantID, action, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to sum usage: %w", err)
	}

	if total == 0 {
		s.logger.Debug("No usage to report",
			zap.String("tenant_id", tenantID.String()),
			zap.String("action", string(action)))
		return nil
	}

	reportLog := infrabilling.NewUsageReportLog(tenantID, itemID, action, total, time.Now())
	if err := s.reportLogRepo.Save(ctx, reportLog); err != nil {
		s.logger.Error("Failed to save usage report log",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		// Continue anyway; the log only serves reconciliation
	}

	// Truncated to the hour so repeated runs within an hour dedupe
	idempotencyKey := infrabilling.GenerateIdempotencyKey(
		tenantID,
		itemID,
		action,
		time.Now().Truncate(time.Hour),
	)

	output, err := s.gateway.ReportUsage(ctx, infrabilling.UsageReportInput{
		TenantID:           tenantID,
		SubscriptionItemID: itemID,
		Quantity:           total,
		Timestamp:          time.Now(),
		Action:             "set", // report the absolute period total
		IdempotencyKey:     idempotencyKey,
	})
	if err != nil {
		if reportLog.ID != uuid.Nil {
			if markErr := s.reportLogRepo.MarkAsFailed(ctx, reportLog.ID, err.Error()); markErr != nil {
				s.logger.Error("Failed to mark report as failed",
					zap.String("report_id", reportLog.ID.String()),
					zap.Error(markErr))
			}
		}
		return fmt.Errorf("failed to report usage to provider: %w", err)
	}

	if reportLog.ID != uuid.Nil {
		if markErr := s.reportLogRepo.MarkAsSuccess(ctx, reportLog.ID, output.UsageRecordID); markErr != nil {
			s.logger.Error("Failed to mark report as successful",
				zap.String("report_id", reportLog.ID.String()),
				zap.Error(markErr))
		}
	}

	s.logger.Info("Reported usage to billing provider",
		zap.String("tenant_id", tenantID.String()),
		zap.String("action", string(action)),
		zap.Int64("quantity", total),
		zap.String("provider_record_id", output.UsageRecordID))

	return nil
}

// ReportUsageForAllTenants reports usage for every tenant with an active
// provider-backed subscription.
func (s *UsageReportingService) ReportUsageForAllTenants(ctx context.Context) error {
	s.logger.Info("Starting usage reporting sweep")

	subscriptions, err := s.subscriptionRepo.FindByStatus(ctx, billing.SubscriptionStatusActive)
	if err != nil {
		return fmt.Errorf("failed to find active subscriptions: %w", err)
	}

	var failures int
	for _, subscription := range subscriptions {
		if subscription.StripeSubscriptionID == "" {
			continue
		}
		if err := s.ReportUsageForTenant(ctx, subscription.TenantID); err != nil {
			s.logger.Error("Failed to report usage for tenant",
				zap.String("tenant_id", subscription.TenantID.String()),
				zap.Error(err))
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("failed to report usage for %d tenants", failures)
	}

	s.logger.Info("Usage reporting sweep complete",
		zap.Int("subscriptions", len(subscriptions)))
	return nil
}

// RetryFailedReports retries failed usage reports with exponential backoff
func (s *UsageReportingService) RetryFailedReports(ctx context.Context) error {
	pending, err := s.reportLogRepo.FindPending(ctx, s.config.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to find pending reports: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	s.logger.Info("Retrying failed usage reports", zap.Int("count", len(pending)))

	for _, report := range pending {
		if err := s.retryReport(ctx, report); err != nil {
			s.logger.Error("Failed to retry report",
				zap.String("report_id", report.ID.String()),
				zap.Error(err))
		}
	}

	return nil
}

// retryReport retries a single failed report
func (s *UsageReportingService) retryReport(ctx context.Context, report *infrabilling.UsageReportLog) error {
	delay := s.calculateBackoff(report.RetryCount)
	if time.Since(report.UpdatedAt) < delay {
		return nil // Not ready for retry yet
	}

	if err := s.reportLogRepo.IncrementRetryCount(ctx, report.ID); err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}

	idempotencyKey := infrabilling.GenerateIdempotencyKey(
		report.TenantID,
		report.SubscriptionItemID,
		report.Action,
		report.Timestamp,
	)

	output, err := s.gateway.ReportUsage(ctx, infrabilling.UsageReportInput{
		TenantID:           report.TenantID,
		SubscriptionItemID: report.SubscriptionItemID,
		Quantity:           report.Quantity,
		Timestamp:          report.Timestamp,
		Action:             "set",
		IdempotencyKey:     idempotencyKey,
	})
	if err != nil {
		if report.RetryCount >= s.config.MaxRetries {
			if markErr := s.reportLogRepo.MarkAsFailed(ctx, report.ID, "max retries exceeded: "+err.Error()); markErr != nil {
				s.logger.Error("Failed to mark report as abandoned",
					zap.String("report_id", report.ID.String()),
					zap.Error(markErr))
			}
		}
		return fmt.Errorf("retry failed: %w", err)
	}

	if err := s.reportLogRepo.MarkAsSuccess(ctx, report.ID, output.UsageRecordID); err != nil {
		return fmt.Errorf("failed to mark report as successful: %w", err)
	}

	s.logger.Info("Successfully retried usage report",
		zap.String("report_id", report.ID.String()),
		zap.String("provider_record_id", output.UsageRecordID))

	return nil
}

// calculateBackoff calculates the backoff delay for a retry attempt
func (s *UsageReportingService) calculateBackoff(retryCount int) time.Duration {
	// Cap the exponent to prevent overflow
	if retryCount > 30 {
		return s.config.RetryMaxDelay
	}

	delay := s.config.RetryBaseDelay * time.Duration(1<<uint(retryCount))
	if delay > s.config.RetryMaxDelay {
		delay = s.config.RetryMaxDelay
	}
	return delay
}

// subscriptionItemID resolves and caches the provider's metered item ID
// for a subscription.
func (s *UsageReportingService) subscriptionItemID(ctx context.Context, subscriptionID string) (string, error) {
	s.mu.Lock()
	if itemID, ok := s.itemIDs[subscriptionID]; ok {
		s.mu.Unlock()
		return itemID, nil
	}
	s.mu.Unlock()

	itemID, err := s.gateway.GetSubscriptionItemID(ctx, subscriptionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.itemIDs[subscriptionID] = itemID
	s.mu.Unlock()
	return itemID, nil
}

// GetReportingStats returns statistics about usage reporting for a tenant
func (s *UsageReportingService) GetReportingStats(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*ReportingStats, error) {
	logs, err := s.reportLogRepo.FindByTenant(ctx, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to get report logs: %w", err)
	}

	stats := &ReportingStats{
		TenantID:    tenantID,
		PeriodStart: start,
		PeriodEnd:   end,
	}

	for _, log := range logs {
		stats.TotalReports++
		switch log.Status {
		case infrabilling.UsageReportStatusSuccess:
			stats.SuccessfulReports++
		case infrabilling.UsageReportStatusFailed, infrabilling.UsageReportStatusAbandoned:
			stats.FailedReports++
		case infrabilling.UsageReportStatusPending, infrabilling.UsageReportStatusRetrying:
			stats.PendingReports++
		}
	}

	return stats, nil
}

// ReportingStats contains statistics about usage reporting
type ReportingStats struct {
	TenantID          uuid.UUID
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TotalReports      int
	SuccessfulReports int
	FailedReports     int
	PendingReports    int
}
