package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
)

// StorageScanner reports ground-truth object storage consumption.
// Implementations live in internal/infrastructure/storage.
type StorageScanner interface {
	// TenantBytes sums the stored object sizes under a tenant's prefix
	TenantBytes(ctx context.Context, tenantID uuid.UUID) (int64, error)

	// TenantIDs lists the tenants that currently have stored objects
	TenantIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ReconcileResult describes the outcome of reconciling one tenant
type ReconcileResult struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	ScannedBytes int64     `json:"scanned_bytes"`
	LedgerBytes  int64     `json:"ledger_bytes"`
	Delta        int64     `json:"delta"`
	Corrected    bool      `json:"corrected"`
	Duplicate    bool      `json:"duplicate"`
}

// ReconcileSummary describes one reconciliation sweep over the bucket
type ReconcileSummary struct {
	Tenants   int `json:"tenants"`
	Corrected int `json:"corrected"`
	InSync    int `json:"in_sync"`
	Failed    int `json:"failed"`
}

// ReconciliationService trues up ledger-derived storage levels against
// what actually sits in the object store. Drift accumulates when files
// are removed out of band or delta events are lost, and corrections
// enter the ledger as storage_delta events so every downstream consumer
// (snapshots, quota checks, statements) picks them up for free.
type ReconciliationService struct {
	scanner   StorageScanner
	eventRepo metering.UsageEventRepository
	snapshots *SnapshotService
	logger    *zap.Logger
}

// NewReconciliationService creates a new ReconciliationService
func NewReconciliationService(
	scanner StorageScanner,
	eventRepo metering.UsageEventRepository,
	snapshots *SnapshotService,
	logger *zap.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		scanner:   scanner,
		eventRepo: eventRepo,
		snapshots: snapshots,
		logger:    logger,
	}
}

// ReconcileAll sweeps every tenant that has objects in the bucket.
// Per-tenant failures are logged and skipped; the first error is
// returned after the sweep completes.
func (s *ReconciliationService) ReconcileAll(ctx context.Context) (*ReconcileSummary, error) {
	tenantIDs, err := s.scanner.TenantIDs(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants in object storage", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to list tenants in object storage")
	}

	summary := &ReconcileSummary{Tenants: len(tenantIDs)}
	var firstErr error
	for _, tenantID := range tenantIDs {
		result, err := s.ReconcileTenant(ctx, tenantID)
		if err != nil {
			s.logger.Error("Failed to reconcile tenant storage",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			summary.Failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if result.Corrected {
			summary.Corrected++
		} else {
			summary.InSync++
		}
	}

	s.logger.Info("Storage reconciliation sweep completed",
		zap.Int("tenants", summary.Tenants),
		zap.Int("corrected", summary.Corrected),
		zap.Int("in_sync", summary.InSync),
		zap.Int("failed", summary.Failed))

	return summary, firstErr
}

// ReconcileTenant compares one tenant's scanned bytes against the ledger
// level and records the difference as a correcting storage_delta event.
// The event carries a per-day administrative idempotency key, so a tenant
// is corrected at most once per UTC day no matter how often the job runs.
func (s *ReconciliationService) ReconcileTenant(ctx context.Context, tenantID uuid.UUID) (*ReconcileResult, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}

	scanned, err := s.scanner.TenantBytes(ctx, tenantID)
	if err != nil {
		s.logger.Error("Failed to scan tenant storage",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to scan tenant storage")
	}

	ledger, err := s.snapshots.CurrentStorageBytes(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{
		TenantID:     tenantID,
		ScannedBytes: scanned,
		LedgerBytes:  ledger,
		Delta:        scanned - ledger,
	}
	if result.Delta == 0 {
		return result, nil
	}

	day := time.Now().UTC().Format("2006-01-02")
	event := metering.NewStorageDeltaEvent(tenantID, result.Delta, "storage", "reconciliation").
		WithIdempotencyKey(fmt.Sprintf("storage-reconcile-%s-%s", tenantID, day)).
		WithMetadata("source", "storage_reconciliation").
		WithMetadata("scanned_bytes", scanned).
		WithMetadata("ledger_bytes", ledger)
	metering.SanitizeEvent(event)

	// Corrections are administrative and may be negative, so they write
	// to the ledger directly instead of going through the validated
	// tracking path, which rejects negative quantities.
	if err := s.eventRepo.Insert(ctx, event); err != nil {
		if err == shared.ErrAlreadyExists {
			result.Duplicate = true
			s.logger.Info("Storage already reconciled today",
				zap.String("tenant_id", tenantID.String()),
				zap.String("day", day),
				zap.Int64("delta", result.Delta))
			return result, nil
		}
		s.logger.Error("Failed to record storage correction",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to record storage correction")
	}

	result.Corrected = true
	s.logger.Info("Storage drift corrected",
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("scanned_bytes", scanned),
		zap.Int64("ledger_bytes", ledger),
		zap.Int64("delta", result.Delta))

	return result, nil
}
