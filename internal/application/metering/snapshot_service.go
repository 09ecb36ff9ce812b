package metering

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
)

// SnapshotService materializes daily usage aggregates from the ledger.
// Snapshots serve trend queries and statements without rescanning raw
// events, and carry the running storage level for cumulative billing.
type SnapshotService struct {
	eventRepo    metering.UsageEventRepository
	snapshotRepo metering.UsageSnapshotRepository
	publisher    shared.EventPublisher
	logger       *zap.Logger
}

// NewSnapshotService creates a new SnapshotService
func NewSnapshotService(
	eventRepo metering.UsageEventRepository,
	snapshotRepo metering.UsageSnapshotRepository,
	publisher shared.EventPublisher,
	logger *zap.Logger,
) *SnapshotService {
	return &SnapshotService{
		eventRepo:    eventRepo,
		snapshotRepo: snapshotRepo,
		publisher:    publisher,
		logger:       logger,
	}
}

// TakeDailySnapshots materializes a snapshot for every tenant with
// ledger activity on the given UTC day. Re-running the job for the same
// day replaces the previous snapshots, so missed runs can be backfilled.
// Per-tenant failures are logged and skipped; the first error is
// returned after the sweep completes.
func (s *SnapshotService) TakeDailySnapshots(ctx context.Context, day time.Time) (int, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	tenantIDs, err := s.snapshotRepo.ActiveTenantIDs(ctx, dayStart, dayEnd)
	if err != nil {
		s.logger.Error("Failed to list active tenants for snapshot", zap.Error(err))
		return 0, shared.NewDomainError("INTERNAL_ERROR", "Failed to list active tenants")
	}

	var taken int
	var firstErr error
	for _, tenantID := range tenantIDs {
		if err := s.SnapshotTenant(ctx, tenantID, dayStart); err != nil {
			s.logger.Error("Failed to snapshot tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.Time("day", dayStart),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		taken++
	}

	s.logger.Info("Daily usage snapshots taken",
		zap.Time("day", dayStart),
		zap.Int("tenants", taken),
		zap.Int("active", len(tenantIDs)))

	return taken, firstErr
}

// SnapshotTenant materializes the snapshot for one tenant and day
func (s *SnapshotService) SnapshotTenant(ctx context.Context, tenantID uuid.UUID, day time.Time) error {
	if tenantID == uuid.Nil {
		return shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	totals, err := s.eventRepo.SumByAction(ctx, tenantID, dayStart, dayEnd)
	if err != nil {
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to aggregate usage for snapshot")
	}

	count, err := s.eventRepo.CountByTenant(ctx, tenantID, metering.UsageEventFilter{
		StartTime: &dayStart,
		EndTime:   &dayEnd,
	})
	if err != nil {
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to count events for snapshot")
	}

	// The storage level is the running sum of every delta ever recorded,
	// not just this day's, because storage is held rather than consumed
	storageLevel, err := s.eventRepo.SumQuantity(ctx, tenantID, metering.ActionStorageDelta, time.Time{}, dayEnd)
	if err != nil {
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to compute storage level for snapshot")
	}
	if storageLevel < 0 {
		// Deltas can transiently sum below zero when deletions arrive
		// before their uploads are recorded
		s.logger.Warn("Negative storage level clamped to zero",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("level", storageLevel))
		storageLevel = 0
	}

	snapshot, err := metering.NewUsageSnapshot(tenantID, dayStart)
	if err != nil {
		return err
	}
	for action, total := range totals {
		snapshot.WithTotal(action, total)
	}
	snapshot.WithStorageBytes(storageLevel).WithEventCount(count)

	if err := s.snapshotRepo.Upsert(ctx, snapshot); err != nil {
		s.logger.Error("Failed to persist usage snapshot",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return shared.NewDomainError("INTERNAL_ERROR", "Failed to persist usage snapshot")
	}

	if s.publisher != nil {
		go func() {
			if err := s.publisher.Publish(context.Background(), metering.NewSnapshotTakenEvent(snapshot)); err != nil {
				s.logger.Warn("Failed to publish snapshot event", zap.Error(err))
			}
		}()
	}

	return nil
}

// GetUsageTrend returns a tenant's daily snapshots over a date range
func (s *SnapshotService) GetUsageTrend(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*metering.UsageSnapshot, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	filter := metering.DefaultUsageSnapshotFilter().WithDateRange(start, end)
	snapshots, err := s.snapshotRepo.FindByTenant(ctx, tenantID, filter)
	if err != nil {
		s.logger.Error("Failed to load usage trend", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to load usage trend")
	}

	return snapshots, nil
}

// CurrentStorageBytes returns the tenant's storage level from the most
// recent snapshot plus deltas recorded since it was taken
func (s *SnapshotService) CurrentStorageBytes(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil {
		return 0, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	var base int64
	var since time.Time

	snapshot, err := s.snapshotRepo.FindLatestByTenant(ctx, tenantID)
	if err != nil && err != shared.ErrNotFound {
		s.logger.Error("Failed to load latest snapshot", zap.Error(err))
		return 0, shared.NewDomainError("INTERNAL_ERROR", "Failed to load latest snapshot")
	}
	if snapshot != nil {
		base = snapshot.StorageBytes
		since = snapshot.SnapshotDate.Add(24 * time.Hour)
	}

	delta, err := s.eventRepo.SumQuantity(ctx, tenantID, metering.ActionStorageDelta, since, time.Now().UTC())
	if err != nil {
		s.logger.Error("Failed to sum storage deltas", zap.Error(err))
		return 0, shared.NewDomainError("INTERNAL_ERROR", "Failed to sum storage deltas")
	}

	level := base + delta
	if level < 0 {
		level = 0
	}
	return level, nil
}
