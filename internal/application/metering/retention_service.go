package metering

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
)

// minLedgerRetention is the shortest ledger retention the service accepts.
// Quota checks sum raw events over the tenant's billing month, which spans
// at most 31 days; one extra day covers the daily snapshot lag that the
// storage level calculation depends on.
const minLedgerRetention = 32 * 24 * time.Hour

// RetentionPolicy controls how long raw ledger data is kept.
// A zero duration keeps the corresponding data forever.
type RetentionPolicy struct {
	// LedgerRetention prunes raw usage events older than this age
	LedgerRetention time.Duration

	// SnapshotRetention prunes daily snapshots older than this age.
	// Snapshots are the only usage record left once events are pruned,
	// so this must not be shorter than LedgerRetention.
	SnapshotRetention time.Duration
}

// PruneResult reports what one retention pass removed
type PruneResult struct {
	EventsDeleted    int64 `json:"events_deleted"`
	SnapshotsDeleted int64 `json:"snapshots_deleted"`
}

// RetentionService prunes aged ledger data. Disabled policies (all zero)
// make PruneExpired a no-op, so the service is safe to schedule
// unconditionally.
type RetentionService struct {
	eventRepo    metering.UsageEventRepository
	snapshotRepo metering.UsageSnapshotRepository
	logger       *zap.Logger
	policy       RetentionPolicy
}

// NewRetentionService creates a RetentionService, rejecting policies that
// would prune data the quota and storage calculations still need.
func NewRetentionService(
	eventRepo metering.UsageEventRepository,
	snapshotRepo metering.UsageSnapshotRepository,
	logger *zap.Logger,
	policy RetentionPolicy,
) (*RetentionService, error) {
	if policy.LedgerRetention != 0 && policy.LedgerRetention < minLedgerRetention {
		return nil, shared.NewDomainError("INVALID_CONFIG", "Ledger retention must cover at least a full billing month")
	}
	if policy.SnapshotRetention != 0 && policy.SnapshotRetention < policy.LedgerRetention {
		return nil, shared.NewDomainError("INVALID_CONFIG", "Snapshot retention cannot be shorter than ledger retention")
	}

	return &RetentionService{
		eventRepo:    eventRepo,
		snapshotRepo: snapshotRepo,
		logger:       logger,
		policy:       policy,
	}, nil
}

// PruneExpired removes events and snapshots that have aged out of the
// configured policy.
func (s *RetentionService) PruneExpired(ctx context.Context) (*PruneResult, error) {
	result := &PruneResult{}
	now := time.Now().UTC()

	if s.policy.LedgerRetention > 0 {
		deleted, err := s.eventRepo.DeleteOlderThan(ctx, now.Add(-s.policy.LedgerRetention))
		if err != nil {
			s.logger.Error("Failed to prune usage events", zap.Error(err))
			return result, shared.NewDomainError("INTERNAL_ERROR", "Failed to prune usage events")
		}
		result.EventsDeleted = deleted
	}

	if s.policy.SnapshotRetention > 0 {
		deleted, err := s.snapshotRepo.DeleteOlderThan(ctx, now.Add(-s.policy.SnapshotRetention))
		if err != nil {
			s.logger.Error("Failed to prune usage snapshots", zap.Error(err))
			return result, shared.NewDomainError("INTERNAL_ERROR", "Failed to prune usage snapshots")
		}
		result.SnapshotsDeleted = deleted
	}

	if result.EventsDeleted > 0 || result.SnapshotsDeleted > 0 {
		s.logger.Info("Retention pass completed",
			zap.Int64("events_deleted", result.EventsDeleted),
			zap.Int64("snapshots_deleted", result.SnapshotsDeleted))
	}

	return result, nil
}

// Enabled reports whether any retention policy is active
func (s *RetentionService) Enabled() bool {
	return s.policy.LedgerRetention > 0 || s.policy.SnapshotRetention > 0
}
