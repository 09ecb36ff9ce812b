package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cronTickerInterval is how often the cron loop checks whether a run is due
const cronTickerInterval = 1 * time.Minute

// ---------------------------------------------------------------------------
// Statement Job Types
// ---------------------------------------------------------------------------

// StatementJobStatus represents the status of a statement job
type StatementJobStatus string

const (
	StatementJobStatusPending StatementJobStatus = "PENDING"
	StatementJobStatusRunning StatementJobStatus = "RUNNING"
	StatementJobStatusSuccess StatementJobStatus = "SUCCESS"
	StatementJobStatusSkipped StatementJobStatus = "SKIPPED"
	StatementJobStatusFailed  StatementJobStatus = "FAILED"
)

// StatementJob represents one tenant's statement generation for one month
type StatementJob struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Month       time.Time
	Status      StatementJobStatus
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time

	// Generation results
	StatementID uuid.UUID
	TotalAmount string
}

// NewStatementJob creates a new statement job
func NewStatementJob(tenantID uuid.UUID, month time.Time, maxRetries int) *StatementJob {
	return &StatementJob{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Month:      month,
		Status:     StatementJobStatusPending,
		MaxRetries: maxRetries,
	}
}

// Start marks the job as running
func (j *StatementJob) Start() {
	now := time.Now()
	j.Status = StatementJobStatusRunning
	j.StartedAt = &now
	j.Error = ""
}

// Complete marks the job as successful
func (j *StatementJob) Complete(statementID uuid.UUID, totalAmount string) {
	now := time.Now()
	j.Status = StatementJobStatusSuccess
	j.StatementID = statementID
	j.TotalAmount = totalAmount
	j.CompletedAt = &now
}

// Skip marks the job as skipped because the tenant's plan has no statement feature
func (j *StatementJob) Skip() {
	now := time.Now()
	j.Status = StatementJobStatusSkipped
	j.CompletedAt = &now
}

// Fail marks the job as failed
func (j *StatementJob) Fail(err string) {
	now := time.Now()
	j.Status = StatementJobStatusFailed
	j.CompletedAt = &now
	j.Error = err
}

// ShouldRetry returns true if the job should be retried
func (j *StatementJob) ShouldRetry() bool {
	return j.Status == StatementJobStatusFailed && j.RetryCount < j.MaxRetries
}

// ScheduleRetry schedules the job for retry with exponential backoff
func (j *StatementJob) ScheduleRetry(baseDelay time.Duration) {
	j.RetryCount++
	j.Status = StatementJobStatusPending
	// Exponential backoff: baseDelay * 2^(retryCount-1)
	delay := baseDelay * time.Duration(1<<(j.RetryCount-1))
	if delay > 30*time.Minute {
		delay = 30 * time.Minute // Cap at 30 minutes
	}
	nextRetry := time.Now().Add(delay)
	j.NextRetryAt = &nextRetry
	j.Error = ""
}

// ---------------------------------------------------------------------------
// StatementScheduler Ports
// ---------------------------------------------------------------------------

// StatementExecutor executes statement jobs
type StatementExecutor interface {
	// Execute generates the job's statement and records the outcome on the job
	Execute(ctx context.Context, job *StatementJob) error
}

// BillableTenantSource lists the tenants a statement run fans out over
type BillableTenantSource interface {
	BillableTenantIDs(ctx context.Context) ([]uuid.UUID, error)
}

// StatementPurger removes generated statements older than the retention age
type StatementPurger interface {
	PurgeOldStatements(ctx context.Context, age time.Duration) (int64, error)
}

// ---------------------------------------------------------------------------
// StatementSchedulerConfig
// ---------------------------------------------------------------------------

// StatementSchedulerConfig holds configuration for the statement scheduler
type StatementSchedulerConfig struct {
	// Enabled indicates if the scheduler is enabled
	Enabled bool
	// DayOfMonth is the day (1-28) the monthly run fires
	DayOfMonth int
	// HourUTC is the UTC hour (0-23) the monthly run fires
	HourUTC int
	// MaxConcurrentJobs is the maximum number of concurrent generation jobs
	MaxConcurrentJobs int
	// JobTimeout is the maximum time a job can run
	JobTimeout time.Duration
	// RetryAttempts is the number of retry attempts for failed jobs
	RetryAttempts int
	// RetryDelay is the base delay between retries (with exponential backoff)
	RetryDelay time.Duration
	// Retention is how long generated statements are kept; zero keeps them forever
	Retention time.Duration
}

// DefaultStatementSchedulerConfig returns default configuration
func DefaultStatementSchedulerConfig() StatementSchedulerConfig {
	return StatementSchedulerConfig{
		Enabled:           true,
		DayOfMonth:        1,
		HourUTC:           4,
		MaxConcurrentJobs: 2,
		JobTimeout:        5 * time.Minute,
		RetryAttempts:     2,
		RetryDelay:        1 * time.Minute,
	}
}

// Validate validates the configuration
func (c *StatementSchedulerConfig) Validate() error {
	if c.DayOfMonth < 1 || c.DayOfMonth > 28 {
		return ErrInvalidConfig
	}
	if c.HourUTC < 0 || c.HourUTC > 23 {
		return ErrInvalidConfig
	}
	if c.MaxConcurrentJobs <= 0 {
		return ErrInvalidConfig
	}
	if c.JobTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.RetryAttempts < 0 {
		return ErrInvalidConfig
	}
	if c.RetryDelay <= 0 {
		return ErrInvalidConfig
	}
	if c.Retention < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// StatementScheduler
// ---------------------------------------------------------------------------

// StatementScheduler generates monthly statements for every billable tenant.
// A worker pool drains the job queue so one slow tenant cannot stall the run,
// and the cron loop fires once per month on the configured day and hour. The
// run always covers the previous calendar month, which is complete.
type StatementScheduler struct {
	config   StatementSchedulerConfig
	executor StatementExecutor
	tenants  BillableTenantSource
	purger   StatementPurger
	logger   *zap.Logger

	jobs      chan *StatementJob
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool

	// lastRunMonth keeps the hour-wide cron window from firing twice
	lastRunMonth string
	lastRunAt    *time.Time
	nextRunAt    *time.Time

	// Job history for monitoring (in-memory, limited size)
	historyMu  sync.RWMutex
	history    []*StatementJob
	maxHistory int
}

// NewStatementScheduler creates a new statement scheduler
func NewStatementScheduler(
	config StatementSchedulerConfig,
	executor StatementExecutor,
	tenants BillableTenantSource,
	purger StatementPurger,
	logger *zap.Logger,
) (*StatementScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &StatementScheduler{
		config:     config,
		executor:   executor,
		tenants:    tenants,
		purger:     purger,
		logger:     logger,
		jobs:       make(chan *StatementJob, 100),
		history:    make([]*StatementJob, 0, 100),
		maxHistory: 100,
	}, nil
}

// Start starts the scheduler
func (s *StatementScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Statement scheduler is disabled")
		return nil
	}
	s.isRunning = true
	next := s.calculateNextRunTime(time.Now().UTC())
	s.nextRunAt = &next
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Start worker pool
	for i := 0; i < s.config.MaxConcurrentJobs; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	// Start monthly cron loop
	s.wg.Add(1)
	go s.cronLoop(ctx)

	s.logger.Info("Statement scheduler started",
		zap.Int("day_of_month", s.config.DayOfMonth),
		zap.Int("hour_utc", s.config.HourUTC),
		zap.Int("workers", s.config.MaxConcurrentJobs),
		zap.Time("next_run", next),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *StatementScheduler) Stop(ctx context.Context) error {
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

	// Close job channel
	close(s.jobs)

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Statement scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Statement scheduler stop timed out")
		return ctx.Err()
	}
}

// SubmitJob submits a job for execution
func (s *StatementScheduler) SubmitJob(job *StatementJob) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.mu.Unlock()

	select {
	case s.jobs <- job:
		s.logger.Debug("Statement job submitted",
			zap.String("job_id", job.ID.String()),
			zap.String("tenant_id", job.TenantID.String()),
			zap.String("month", job.Month.Format("2006-01")),
		)
		return nil
	default:
		return ErrJobQueueFull
	}
}

// worker processes jobs from the queue
func (s *StatementScheduler) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Statement worker started", zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Statement worker stopping", zap.Int("worker_id", workerID))
			return
		case job, ok := <-s.jobs:
			if !ok {
				s.logger.Debug("Statement job channel closed", zap.Int("worker_id", workerID))
				return
			}
			s.processJob(ctx, job, workerID)
		}
	}
}

// processJob executes a single job
func (s *StatementScheduler) processJob(ctx context.Context, job *StatementJob, workerID int) {
	// Check if job is ready to run (for retries)
	if job.NextRetryAt != nil && time.Now().Before(*job.NextRetryAt) {
		// Re-queue the job
		select {
		case s.jobs <- job:
		default:
			s.logger.Warn("Failed to re-queue statement job for retry",
				zap.String("job_id", job.ID.String()),
			)
		}
		return
	}

	job.Start()
	s.logger.Info("Processing statement job",
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("month", job.Month.Format("2006-01")),
	)

	// Create context with timeout
	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	// Execute the job
	err := s.executor.Execute(jobCtx, job)
	if err != nil {
		job.Fail(err.Error())
		s.logger.Error("Statement job failed",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID.String()),
			zap.String("tenant_id", job.TenantID.String()),
			zap.String("month", job.Month.Format("2006-01")),
			zap.Error(err),
		)

		// Check if should retry
		if job.ShouldRetry() {
			job.ScheduleRetry(s.config.RetryDelay)
			s.logger.Info("Statement job scheduled for retry",
				zap.String("job_id", job.ID.String()),
				zap.Int("retry_count", job.RetryCount),
				zap.Int("max_retries", job.MaxRetries),
				zap.Time("next_retry_at", *job.NextRetryAt),
			)
			// Re-submit job
			select {
			case s.jobs <- job:
			default:
				s.logger.Warn("Failed to re-queue statement job for retry",
					zap.String("job_id", job.ID.String()),
				)
			}
		}

		// Add to history
		s.addToHistory(job)
		return
	}

	// The executor marks the job success or skipped
	s.logger.Info("Statement job completed",
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("status", string(job.Status)),
		zap.String("total_amount", job.TotalAmount),
	)

	// Add to history
	s.addToHistory(job)
}

// addToHistory adds a completed job to history
func (s *StatementScheduler) addToHistory(job *StatementJob) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	// Add to front
	s.history = append([]*StatementJob{job}, s.history...)

	// Trim if over limit
	if len(s.history) > s.maxHistory {
		s.history = s.history[:s.maxHistory]
	}
}

// GetJobHistory returns recent job history
func (s *StatementScheduler) GetJobHistory(limit int) []*StatementJob {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}

	result := make([]*StatementJob, limit)
	copy(result, s.history[:limit])
	return result
}

// GetJobHistoryByTenant returns job history for a specific tenant
func (s *StatementScheduler) GetJobHistoryByTenant(tenantID uuid.UUID, limit int) []*StatementJob {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	result := make([]*StatementJob, 0, limit)
	for _, job := range s.history {
		if job.TenantID == tenantID {
			result = append(result, job)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

// cronLoop checks every minute whether the monthly run is due
func (s *StatementScheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(cronTickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Statement cron loop stopping")
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if s.shouldRun(now) {
				s.markRun(now)
				s.runStatementSweep(ctx, previousMonth(now), "scheduled")
			}
		}
	}
}

// shouldRun reports whether the monthly run is due at the given time
func (s *StatementScheduler) shouldRun(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Day() != s.config.DayOfMonth || now.Hour() != s.config.HourUTC {
		return false
	}
	return s.lastRunMonth != now.Format("2006-01")
}

// markRun records that the run for the current month has fired
func (s *StatementScheduler) markRun(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRunMonth = now.Format("2006-01")
	runAt := now
	s.lastRunAt = &runAt
	next := s.calculateNextRunTime(now)
	s.nextRunAt = &next
}

// runStatementSweep submits one job per billable tenant, then purges expired statements
func (s *StatementScheduler) runStatementSweep(ctx context.Context, month time.Time, trigger string) {
	s.logger.Info("Starting statement sweep",
		zap.String("month", month.Format("2006-01")),
		zap.String("trigger", trigger),
	)

	tenantIDs, err := s.tenants.BillableTenantIDs(ctx)
	if err != nil {
		s.logger.Error("Failed to list billable tenants for statement sweep", zap.Error(err))
		return
	}

	submitted := 0
	for _, tenantID := range tenantIDs {
		job := NewStatementJob(tenantID, month, s.config.RetryAttempts)
		if err := s.SubmitJob(job); err != nil {
			s.logger.Warn("Failed to submit statement job",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
			continue
		}
		submitted++
	}

	s.logger.Info("Statement sweep submitted",
		zap.String("month", month.Format("2006-01")),
		zap.Int("tenants", len(tenantIDs)),
		zap.Int("jobs_submitted", submitted),
	)

	s.purgeExpired(ctx)
}

// purgeExpired removes statements past the retention age
func (s *StatementScheduler) purgeExpired(ctx context.Context) {
	if s.purger == nil || s.config.Retention <= 0 {
		return
	}

	purged, err := s.purger.PurgeOldStatements(ctx, s.config.Retention)
	if err != nil {
		s.logger.Error("Failed to purge expired statements", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("Purged expired statements", zap.Int64("purged", purged))
	}
}

// TriggerManualRun starts a statement sweep for the given month right away.
// Note: uses background context so the sweep outlives the triggering request.
func (s *StatementScheduler) TriggerManualRun(month time.Time) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering manual statement sweep",
		zap.String("month", month.Format("2006-01")),
	)

	go func() {
		defer s.wg.Done()
		s.runStatementSweep(context.Background(), month, "manual")
	}()

	return nil
}

// GetStatus returns the current scheduler status for monitoring
func (s *StatementScheduler) GetStatus() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]any{
		"is_running":   s.isRunning,
		"enabled":      s.config.Enabled,
		"day_of_month": s.config.DayOfMonth,
		"hour_utc":     s.config.HourUTC,
		"queued_jobs":  len(s.jobs),
	}
	if s.lastRunAt != nil {
		status["last_run_at"] = s.lastRunAt.Format(time.RFC3339)
	}
	if s.nextRunAt != nil {
		status["next_run_at"] = s.nextRunAt.Format(time.RFC3339)
	}
	return status
}

// GetNextRunAt returns the next scheduled run time
func (s *StatementScheduler) GetNextRunAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRunAt
}

// GetLastRunAt returns the last run time
func (s *StatementScheduler) GetLastRunAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunAt
}

// IsRunning returns whether the scheduler is running
func (s *StatementScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// calculateNextRunTime returns the next occurrence of the configured day and hour
func (s *StatementScheduler) calculateNextRunTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), s.config.DayOfMonth, s.config.HourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}

// previousMonth returns the first day of the month before the given time
func previousMonth(now time.Time) time.Time {
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, -1, 0)
}
