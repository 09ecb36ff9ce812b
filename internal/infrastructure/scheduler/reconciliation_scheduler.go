package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/briefly/metering/internal/application/metering"
)

// StorageReconciliationScheduler periodically reconciles the storage ledger
// against what actually lives in object storage
type StorageReconciliationScheduler struct {
	service   *metering.ReconciliationService
	logger    *zap.Logger
	config    ReconciliationSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// ReconciliationSchedulerConfig holds configuration for the reconciliation scheduler
type ReconciliationSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often the reconciliation sweep runs
	Interval time.Duration

	// SweepTimeout is the maximum time for one sweep across all tenants
	SweepTimeout time.Duration
}

// DefaultReconciliationSchedulerConfig returns default configuration
func DefaultReconciliationSchedulerConfig() ReconciliationSchedulerConfig {
	return ReconciliationSchedulerConfig{
		Enabled:      true,
		Interval:     24 * time.Hour,
		SweepTimeout: 30 * time.Minute,
	}
}

// NewStorageReconciliationScheduler creates a new storage reconciliation scheduler
func NewStorageReconciliationScheduler(
	service *metering.ReconciliationService,
	logger *zap.Logger,
	config ReconciliationSchedulerConfig,
) *StorageReconciliationScheduler {
	return &StorageReconciliationScheduler{
		service: service,
		logger:  logger,
		config:  config,
	}
}

// Start starts the reconciliation scheduler
func (s *StorageReconciliationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Storage reconciliation scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runSweepLoop(ctx)

	s.logger.Info("Storage reconciliation scheduler started",
		zap.Duration("interval", s.config.Interval),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *StorageReconciliationScheduler) Stop(ctx context.Context) error {
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
		s.logger.Info("Storage reconciliation scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Storage reconciliation scheduler stop timed out")
		return ctx.Err()
	}
}

// runSweepLoop runs the reconciliation sweep on every interval tick
func (s *StorageReconciliationScheduler) runSweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Reconciliation sweep loop stopping")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep reconciles every tenant's storage ledger against object storage
func (s *StorageReconciliationScheduler) executeSweep(ctx context.Context) {
	s.logger.Info("Starting storage reconciliation run",
		zap.Time("started_at", time.Now()),
	)

	// Create context with timeout
	sweepCtx, cancel := context.WithTimeout(ctx, s.config.SweepTimeout)
	defer cancel()

	startTime := time.Now()
	summary, err := s.service.ReconcileAll(sweepCtx)
	duration := time.Since(startTime)

	if err != nil {
		fields := []zap.Field{
			zap.Duration("duration", duration),
			zap.Error(err),
		}
		if summary != nil {
			fields = append(fields,
				zap.Int("tenants", summary.Tenants),
				zap.Int("failed", summary.Failed),
			)
		}
		s.logger.Error("Storage reconciliation run failed", fields...)
		return
	}

	s.logger.Info("Storage reconciliation run completed",
		zap.Duration("duration", duration),
		zap.Int("tenants", summary.Tenants),
		zap.Int("corrected", summary.Corrected),
		zap.Int("in_sync", summary.InSync),
	)
}

// TriggerImmediateSweep triggers an immediate reconciliation run
func (s *StorageReconciliationScheduler) TriggerImmediateSweep(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate storage reconciliation")

	// Run in a goroutine to not block
	go func() {
		defer s.wg.Done()
		s.executeSweep(ctx)
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *StorageReconciliationScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
