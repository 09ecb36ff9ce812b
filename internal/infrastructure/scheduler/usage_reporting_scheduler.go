package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/briefly/metering/internal/application/billing"
)

// UsageReportingScheduler manages scheduled usage reporting to Stripe
type UsageReportingScheduler struct {
	service   *billing.UsageReportingService
	logger    *zap.Logger
	config    UsageReportingSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// UsageReportingSchedulerConfig holds configuration for the usage reporting scheduler
type UsageReportingSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// ReportInterval is how often metered usage is pushed to Stripe.
	// Runs are aligned to interval boundaries so restarts do not drift.
	ReportInterval time.Duration

	// RetryInterval is how often to retry failed reports
	RetryInterval time.Duration

	// ReportingTimeout is the maximum time for a reporting run
	ReportingTimeout time.Duration
}

// DefaultUsageReportingSchedulerConfig returns default configuration
func DefaultUsageReportingSchedulerConfig() UsageReportingSchedulerConfig {
	return UsageReportingSchedulerConfig{
		Enabled:          true,
		ReportInterval:   time.Hour,
		RetryInterval:    15 * time.Minute,
		ReportingTimeout: 10 * time.Minute,
	}
}

// NewUsageReportingScheduler creates a new usage reporting scheduler
func NewUsageReportingScheduler(
	service *billing.UsageReportingService,
	logger *zap.Logger,
	config UsageReportingSchedulerConfig,
) *UsageReportingScheduler {
	return &UsageReportingScheduler{
		service: service,
		logger:  logger,
		config:  config,
	}
}

// Start starts the usage reporting scheduler
func (s *UsageReportingScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Usage reporting scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Start reporting goroutine
	s.wg.Add(1)
	go s.runReportingLoop(ctx)

	// Start retry goroutine
	s.wg.Add(1)
	go s.runRetryLoop(ctx)

	s.logger.Info("Usage reporting scheduler started",
		zap.Duration("report_interval", s.config.ReportInterval),
		zap.Duration("retry_interval", s.config.RetryInterval),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *UsageReportingScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	// Wait for goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Usage reporting scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Usage reporting scheduler stop timed out")
		return ctx.Err()
	}
}

// runReportingLoop pushes metered usage on every interval boundary
func (s *UsageReportingScheduler) runReportingLoop(ctx context.Context) {
	defer s.wg.Done()

	// Align the first run to the next interval boundary
	now := time.Now()
	nextRun := now.Truncate(s.config.ReportInterval).Add(s.config.ReportInterval)
	initialDelay := time.Until(nextRun)

	s.logger.Info("Usage reporting scheduled",
		zap.Time("next_run", nextRun),
		zap.Duration("initial_delay", initialDelay),
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}

	// Create ticker for subsequent runs
	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	// Run immediately after initial delay
	s.executeReporting(ctx, "scheduled")

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Reporting loop stopping")
			return
		case <-ticker.C:
			s.executeReporting(ctx, "scheduled")
		}
	}
}

// runRetryLoop periodically retries failed usage reports
func (s *UsageReportingScheduler) runRetryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Retry loop stopping")
			return
		case <-ticker.C:
			s.executeRetry(ctx)
		}
	}
}

// executeReporting executes usage reporting for all tenants
func (s *UsageReportingScheduler) executeReporting(ctx context.Context, trigger string) {
	s.logger.Info("Starting usage reporting",
		zap.String("trigger", trigger),
		zap.Time("started_at", time.Now()),
	)

	// Create context with timeout
	reportCtx, cancel := context.WithTimeout(ctx, s.config.ReportingTimeout)
	defer cancel()

	startTime := time.Now()
	err := s.service.ReportUsageForAllTenants(reportCtx)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Usage reporting failed",
			zap.String("trigger", trigger),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("Usage reporting completed",
		zap.String("trigger", trigger),
		zap.Duration("duration", duration),
	)
}

// executeRetry retries failed usage reports
func (s *UsageReportingScheduler) executeRetry(ctx context.Context) {
	s.logger.Debug("Starting retry of failed usage reports")

	// Create context with timeout
	retryCtx, cancel := context.WithTimeout(ctx, s.config.ReportingTimeout)
	defer cancel()

	startTime := time.Now()
	err := s.service.RetryFailedReports(retryCtx)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Retry of failed reports failed",
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("Retry of failed reports completed",
		zap.Duration("duration", duration),
	)
}

// TriggerImmediateReporting triggers an immediate usage reporting run
func (s *UsageReportingScheduler) TriggerImmediateReporting(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1) // Track the goroutine
	s.mu.Unlock()

	s.logger.Info("Triggering immediate usage reporting")

	// Run in a goroutine to not block
	go func() {
		defer s.wg.Done()
		s.executeReporting(ctx, "manual")
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *UsageReportingScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
