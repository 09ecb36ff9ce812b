package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/briefly/metering/internal/application/billing"
)

// SubscriptionSyncScheduler periodically refreshes stale subscriptions from
// Stripe and expires elapsed quota overrides. Webhooks keep subscriptions
// current in the normal case; this loop catches tenants whose webhooks were
// missed or dropped.
type SubscriptionSyncScheduler struct {
	service   *billing.SubscriptionService
	logger    *zap.Logger
	config    SubscriptionSyncSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// SubscriptionSyncSchedulerConfig holds configuration for the subscription sync scheduler
type SubscriptionSyncSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often the sync runs
	Interval time.Duration

	// StaleAfter is how old a subscription's last sync must be before it is refreshed
	StaleAfter time.Duration

	// Limit is the maximum number of subscriptions refreshed per run
	Limit int

	// SyncTimeout is the maximum time for one sync run
	SyncTimeout time.Duration
}

// DefaultSubscriptionSyncSchedulerConfig returns default configuration
func DefaultSubscriptionSyncSchedulerConfig() SubscriptionSyncSchedulerConfig {
	return SubscriptionSyncSchedulerConfig{
		Enabled:     true,
		Interval:    6 * time.Hour,
		StaleAfter:  24 * time.Hour,
		Limit:       100,
		SyncTimeout: 10 * time.Minute,
	}
}

// NewSubscriptionSyncScheduler creates a new subscription sync scheduler
func NewSubscriptionSyncScheduler(
	service *billing.SubscriptionService,
	logger *zap.Logger,
	config SubscriptionSyncSchedulerConfig,
) *SubscriptionSyncScheduler {
	return &SubscriptionSyncScheduler{
		service: service,
		logger:  logger,
		config:  config,
	}
}

// Start starts the subscription sync scheduler
func (s *SubscriptionSyncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Subscription sync scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runSyncLoop(ctx)

	s.logger.Info("Subscription sync scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("stale_after", s.config.StaleAfter),
		zap.Int("limit", s.config.Limit),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *SubscriptionSyncScheduler) Stop(ctx context.Context) error {
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
		s.logger.Info("Subscription sync scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Subscription sync scheduler stop timed out")
		return ctx.Err()
	}
}

// runSyncLoop runs the sync on every interval tick
func (s *SubscriptionSyncScheduler) runSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Subscription sync loop stopping")
			return
		case <-ticker.C:
			s.executeSync(ctx)
		}
	}
}

// executeSync refreshes stale subscriptions and expires elapsed overrides
func (s *SubscriptionSyncScheduler) executeSync(ctx context.Context) {
	s.logger.Debug("Starting subscription sync run")

	// Create context with timeout
	syncCtx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	startTime := time.Now()

	synced, err := s.service.SyncStale(syncCtx, s.config.StaleAfter, s.config.Limit)
	if err != nil {
		s.logger.Error("Subscription sync run failed",
			zap.Int("synced", synced),
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err),
		)
	}

	expired, err := s.service.CleanupExpiredOverrides(syncCtx)
	if err != nil {
		s.logger.Error("Override cleanup failed",
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err),
		)
	}

	s.logger.Info("Subscription sync run completed",
		zap.Int("synced", synced),
		zap.Int64("overrides_expired", expired),
		zap.Duration("duration", time.Since(startTime)),
	)
}

// TriggerImmediateSync triggers an immediate sync run
func (s *SubscriptionSyncScheduler) TriggerImmediateSync(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate subscription sync")

	// Run in a goroutine to not block
	go func() {
		defer s.wg.Done()
		s.executeSync(ctx)
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *SubscriptionSyncScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
