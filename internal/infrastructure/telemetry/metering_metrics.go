// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// MeteringMetrics provides usage accounting metrics for the metering plane.
// It tracks enforcement decisions, ledger writes, and per-tenant storage levels.
type MeteringMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	// Counter metrics (monotonically increasing)
	rateLimitChecksTotal     *Counter
	quotaDenialsTotal        *Counter
	usageEventsRecordedTotal *Counter
	ledgerWriteFailuresTotal *Counter

	// Histogram metrics (distributions)
	enforcementDuration *Histogram

	// Gauge metrics (point-in-time values)
	storageBytes *Gauge

	// Periodic collector
	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	// Data providers for periodic collection
	storageProvider StorageMetricsProvider
}

// StorageMetricsProvider provides storage levels for periodic metrics collection.
// This interface allows the telemetry layer to query ledger state without
// depending on the metering application services directly; the snapshot
// service satisfies it.
type StorageMetricsProvider interface {
	// CurrentStorageBytes returns the tenant's current storage consumption
	CurrentStorageBytes(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// MeteringMetricsConfig holds configuration for metering metrics.
type MeteringMetricsConfig struct {
	Meter           metric.Meter
	Logger          *zap.Logger
	CollectInterval time.Duration // Default: 5 minutes
	StorageProvider StorageMetricsProvider
}

// NewMeteringMetrics creates a new MeteringMetrics instance.
func NewMeteringMetrics(cfg MeteringMetricsConfig) (*MeteringMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mm := &MeteringMetrics{
		meter:           cfg.Meter,
		logger:          logger,
		stopChan:        make(chan struct{}),
		storageProvider: cfg.StorageProvider,
	}

	// Initialize counter metrics
	var err error

	// Enforcement metrics
	mm.rateLimitChecksTotal, err = NewCounter(
		cfg.Meter,
		"metering_ratelimit_checks_total",
		"Total number of sliding-window rate limit checks",
		"{checks}",
	)
	if err != nil {
		return nil, err
	}

	mm.quotaDenialsTotal, err = NewCounter(
		cfg.Meter,
		"metering_quota_denials_total",
		"Total number of operations denied by quota, rate limit, or account state",
		"{denials}",
	)
	if err != nil {
		return nil, err
	}

	// Ledger metrics
	mm.usageEventsRecordedTotal, err = NewCounter(
		cfg.Meter,
		"metering_usage_events_recorded_total",
		"Total number of usage events accepted into the ledger",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	mm.ledgerWriteFailuresTotal, err = NewCounter(
		cfg.Meter,
		"metering_ledger_write_failures_total",
		"Total number of usage events that could not be persisted",
		"{failures}",
	)
	if err != nil {
		return nil, err
	}

	mm.enforcementDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "metering_enforcement_duration_seconds",
		Description: "Time spent deciding whether an operation may proceed",
		Unit:        "s",
		Boundaries:  SmallDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	// Storage gauge metric
	mm.storageBytes, err = NewGauge(
		cfg.Meter,
		"metering_storage_bytes",
		"Current storage consumption per tenant",
		"By",
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// =============================================================================
// Enforcement Metrics
// =============================================================================

// CheckOutcome represents the outcome of an enforcement check for metrics labeling.
type CheckOutcome string

const (
	CheckOutcomeAllowed CheckOutcome = "allowed"
	CheckOutcomeDenied  CheckOutcome = "denied"
)

// RecordRateLimitCheck records a sliding-window rate limit decision.
// This should be called from the enforcement path on every gated request.
func (mm *MeteringMetrics) RecordRateLimitCheck(ctx context.Context, tenantID uuid.UUID, action string, outcome CheckOutcome) {
	mm.rateLimitChecksTotal.Inc(ctx,
		AttrTenantID.String(tenantID.String()),
		AttrAction.String(action),
		AttrOutcome.String(string(outcome)),
	)
}

// RecordQuotaDenial records an operation that enforcement refused.
// The reason is the machine-readable denial reason returned to the caller.
func (mm *MeteringMetrics) RecordQuotaDenial(ctx context.Context, tenantID uuid.UUID, action, reason string) {
	mm.quotaDenialsTotal.Inc(ctx,
		AttrTenantID.String(tenantID.String()),
		AttrAction.String(action),
		AttrReason.String(reason),
	)
}

// ObserveEnforcement records how long an enforcement decision took.
func (mm *MeteringMetrics) ObserveEnforcement(ctx context.Context, action string, outcome CheckOutcome, d time.Duration) {
	mm.enforcementDuration.RecordDuration(ctx, d,
		AttrAction.String(action),
		AttrOutcome.String(string(outcome)),
	)
}

// =============================================================================
// Ledger Metrics
// =============================================================================

// RecordUsageEvent records a usage event accepted into the ledger.
func (mm *MeteringMetrics) RecordUsageEvent(ctx context.Context, tenantID uuid.UUID, action string) {
	mm.usageEventsRecordedTotal.Inc(ctx,
		AttrTenantID.String(tenantID.String()),
		AttrAction.String(action),
	)
}

// RecordLedgerWriteFailure records a usage event that could not be persisted.
// Tenant is deliberately not a label here: failures are rare and alerting on
// them should not depend on cardinality.
func (mm *MeteringMetrics) RecordLedgerWriteFailure(ctx context.Context, action string) {
	mm.ledgerWriteFailuresTotal.Inc(ctx,
		AttrAction.String(action),
	)
}

// =============================================================================
// Storage Metrics
// =============================================================================

// RecordStorageBytes records a tenant's current storage level.
// This is a gauge metric that should be updated periodically.
func (mm *MeteringMetrics) RecordStorageBytes(ctx context.Context, tenantID uuid.UUID, bytes int64) {
	mm.storageBytes.Record(ctx, bytes,
		AttrTenantID.String(tenantID.String()),
	)
}

// =============================================================================
// Periodic Collection
// =============================================================================

// TenantProvider provides tenant IDs for periodic metrics collection.
type TenantProvider interface {
	GetActiveTenantIDs(ctx context.Context) ([]uuid.UUID, error)
}

// StartPeriodicCollection starts periodic collection of gauge metrics.
// It collects storage levels every interval (default: 5 minutes).
// This is non-blocking - use Stop() to stop collection.
func (mm *MeteringMetrics) StartPeriodicCollection(ctx context.Context, tenantProvider TenantProvider, interval time.Duration) {
	mm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = 5 * time.Minute
		}

		go mm.runPeriodicCollection(ctx, tenantProvider, interval)
	})
}

// runPeriodicCollection runs the periodic collection loop.
func (mm *MeteringMetrics) runPeriodicCollection(ctx context.Context, tenantProvider TenantProvider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	mm.collectStorageMetrics(ctx, tenantProvider)

	for {
		select {
		case <-mm.stopChan:
			mm.logger.Info("Stopping periodic metering metrics collection")
			return
		case <-ctx.Done():
			mm.logger.Info("Context cancelled, stopping periodic metering metrics collection")
			return
		case <-ticker.C:
			mm.collectStorageMetrics(ctx, tenantProvider)
		}
	}
}

// collectStorageMetrics collects storage gauge metrics for all tenants.
func (mm *MeteringMetrics) collectStorageMetrics(ctx context.Context, tenantProvider TenantProvider) {
	if mm.storageProvider == nil {
		mm.logger.Debug("No storage provider configured, skipping storage metrics collection")
		return
	}

	tenantIDs, err := tenantProvider.GetActiveTenantIDs(ctx)
	if err != nil {
		mm.logger.Error("Failed to get tenant IDs for metrics collection", zap.Error(err))
		return
	}

	for _, tenantID := range tenantIDs {
		mm.collectTenantStorageMetrics(ctx, tenantID)
	}
}

// collectTenantStorageMetrics collects the storage level for a single tenant.
func (mm *MeteringMetrics) collectTenantStorageMetrics(ctx context.Context, tenantID uuid.UUID) {
	bytes, err := mm.storageProvider.CurrentStorageBytes(ctx, tenantID)
	if err != nil {
		mm.logger.Warn("Failed to get storage level for tenant",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return
	}

	mm.RecordStorageBytes(ctx, tenantID, bytes)
}

// Stop stops the periodic collection.
func (mm *MeteringMetrics) Stop() {
	mm.stopOnce.Do(func() {
		close(mm.stopChan)
	})
}

// =============================================================================
// Error Types
// =============================================================================

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewMeteringMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
