package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/briefly/metering/internal/application/metering"
)

// UsageSnapshotScheduler manages scheduled usage snapshot creation and ledger retention
type UsageSnapshotScheduler struct {
	snapshots *metering.SnapshotService
	retention *metering.RetentionService
	logger    *zap.Logger
	config    UsageSnapshotSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// UsageSnapshotSchedulerConfig holds configuration for the usage snapshot scheduler
type UsageSnapshotSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// SnapshotHour is the UTC hour (0-23) when daily snapshots are created
	SnapshotHour int

	// CleanupEnabled enables automatic pruning of expired ledger data
	CleanupEnabled bool

	// CleanupHour is the UTC hour (0-23) when the retention pass runs (should be different from SnapshotHour)
	CleanupHour int

	// SnapshotTimeout is the maximum time for a snapshot run
	SnapshotTimeout time.Duration

	// CleanupTimeout is the maximum time for a retention pass
	CleanupTimeout time.Duration
}

// DefaultUsageSnapshotSchedulerConfig returns default configuration
func DefaultUsageSnapshotSchedulerConfig() UsageSnapshotSchedulerConfig {
	return UsageSnapshotSchedulerConfig{
		Enabled:         true,
		SnapshotHour:    2, // 2 AM UTC - the previous day is complete everywhere
		CleanupEnabled:  true,
		CleanupHour:     3, // 3 AM UTC - prune after snapshots have landed
		SnapshotTimeout: 30 * time.Minute,
		CleanupTimeout:  15 * time.Minute,
	}
}

// NewUsageSnapshotScheduler creates a new usage snapshot scheduler.
// The retention service may be nil when no retention policy is configured;
// the cleanup loop then stays off regardless of CleanupEnabled.
func NewUsageSnapshotScheduler(
	snapshots *metering.SnapshotService,
	retention *metering.RetentionService,
	logger *zap.Logger,
	config UsageSnapshotSchedulerConfig,
) *UsageSnapshotScheduler {
	return &UsageSnapshotScheduler{
		snapshots: snapshots,
		retention: retention,
		logger:    logger,
		config:    config,
	}
}

// Start starts the usage snapshot scheduler
func (s *UsageSnapshotScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Usage snapshot scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Start daily snapshot goroutine
	s.wg.Add(1)
	go s.runDailySnapshots(ctx)

	// Start retention goroutine if enabled and a policy exists
	cleanupActive := s.config.CleanupEnabled && s.retention != nil && s.retention.Enabled()
	if cleanupActive {
		s.wg.Add(1)
		go s.runDailyCleanup(ctx)
	}

	s.logger.Info("Usage snapshot scheduler started",
		zap.Int("snapshot_hour", s.config.SnapshotHour),
		zap.Bool("cleanup_enabled", cleanupActive),
		zap.Int("cleanup_hour", s.config.CleanupHour),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *UsageSnapshotScheduler) Stop(ctx context.Context) error {
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
		s.logger.Info("Usage snapshot scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Usage snapshot scheduler stop timed out")
		return ctx.Err()
	}
}

// runDailySnapshots runs snapshot creation once per day at the configured hour
func (s *UsageSnapshotScheduler) runDailySnapshots(ctx context.Context) {
	defer s.wg.Done()

	for {
		// Calculate time until next daily run
		now := time.Now().UTC()
		nextRun := time.Date(now.Year(), now.Month(), now.Day(), s.config.SnapshotHour, 0, 0, 0, time.UTC)
		if now.After(nextRun) {
			// Already past today's run time, schedule for tomorrow
			nextRun = nextRun.Add(24 * time.Hour)
		}
		delay := time.Until(nextRun)

		s.logger.Info("Daily usage snapshot scheduled",
			zap.Time("next_run", nextRun),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			s.logger.Debug("Daily snapshot loop stopping")
			return
		case <-time.After(delay):
			s.executeSnapshots(ctx)
		}
	}
}

// runDailyCleanup runs the retention pass once per day at the configured hour
func (s *UsageSnapshotScheduler) runDailyCleanup(ctx context.Context) {
	defer s.wg.Done()

	for {
		// Calculate time until next daily run
		now := time.Now().UTC()
		nextRun := time.Date(now.Year(), now.Month(), now.Day(), s.config.CleanupHour, 0, 0, 0, time.UTC)
		if now.After(nextRun) {
			// Already past today's run time, schedule for tomorrow
			nextRun = nextRun.Add(24 * time.Hour)
		}
		delay := time.Until(nextRun)

		s.logger.Info("Daily ledger retention pass scheduled",
			zap.Time("next_run", nextRun),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			s.logger.Debug("Daily retention loop stopping")
			return
		case <-time.After(delay):
			s.executeCleanup(ctx)
		}
	}
}

// executeSnapshots writes snapshots for the previous UTC day across all active tenants
func (s *UsageSnapshotScheduler) executeSnapshots(ctx context.Context) {
	s.logger.Info("Starting daily usage snapshot creation",
		zap.Time("started_at", time.Now()),
	)

	// Create context with timeout
	snapshotCtx, cancel := context.WithTimeout(ctx, s.config.SnapshotTimeout)
	defer cancel()

	startTime := time.Now()
	day := time.Now().UTC().AddDate(0, 0, -1)
	written, err := s.snapshots.TakeDailySnapshots(snapshotCtx, day)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Daily usage snapshot creation failed",
			zap.Time("day", day),
			zap.Int("snapshots_written", written),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("Daily usage snapshot creation completed",
		zap.Time("day", day),
		zap.Int("snapshots_written", written),
		zap.Duration("duration", duration),
	)
}

// executeCleanup prunes events and snapshots past their retention windows
func (s *UsageSnapshotScheduler) executeCleanup(ctx context.Context) {
	s.logger.Info("Starting ledger retention pass",
		zap.Time("started_at", time.Now()),
	)

	// Create context with timeout
	cleanupCtx, cancel := context.WithTimeout(ctx, s.config.CleanupTimeout)
	defer cancel()

	startTime := time.Now()
	result, err := s.retention.PruneExpired(cleanupCtx)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Ledger retention pass failed",
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("Ledger retention pass completed",
		zap.Duration("duration", duration),
		zap.Int64("events_deleted", result.EventsDeleted),
		zap.Int64("snapshots_deleted", result.SnapshotsDeleted),
	)
}

// TriggerImmediateSnapshot triggers an immediate snapshot run for the previous day
func (s *UsageSnapshotScheduler) TriggerImmediateSnapshot(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate usage snapshot creation")

	// Run in a goroutine to not block
	go func() {
		defer s.wg.Done()
		s.executeSnapshots(ctx)
	}()

	return nil
}

// TriggerImmediateCleanup triggers an immediate retention pass
func (s *UsageSnapshotScheduler) TriggerImmediateCleanup(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	if s.retention == nil || !s.retention.Enabled() {
		s.mu.Unlock()
		return ErrInvalidConfig
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate ledger retention pass")

	// Run in a goroutine to not block
	go func() {
		defer s.wg.Done()
		s.executeCleanup(ctx)
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *UsageSnapshotScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
