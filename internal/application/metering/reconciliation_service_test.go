package metering

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
)

type MockStorageScanner struct {
	mock.Mock
}

func (m *MockStorageScanner) TenantBytes(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorageScanner) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func newTestReconciliationService() (*ReconciliationService, *MockStorageScanner, *MockUsageEventRepository, *MockUsageSnapshotRepository) {
	scanner := new(MockStorageScanner)
	eventRepo := new(MockUsageEventRepository)
	snapshotRepo := new(MockUsageSnapshotRepository)
	snapshots := NewSnapshotService(eventRepo, snapshotRepo, nil, zap.NewNop())
	service := NewReconciliationService(scanner, eventRepo, snapshots, zap.NewNop())
	return service, scanner, eventRepo, snapshotRepo
}

// expectLedgerLevel wires the snapshot-free ledger path so
// CurrentStorageBytes reports the given level.
func expectLedgerLevel(eventRepo *MockUsageEventRepository, snapshotRepo *MockUsageSnapshotRepository, ctx context.Context, tenantID uuid.UUID, level int64) {
	snapshotRepo.On("FindLatestByTenant", ctx, tenantID).Return(nil, shared.ErrNotFound)
	eventRepo.On("SumQuantity", ctx, tenantID, metering.ActionStorageDelta, time.Time{}, mock.Anything).Return(level, nil)
}

func TestReconciliationService_ReconcileTenant(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	day := time.Now().UTC().Format("2006-01-02")

	t.Run("corrects drift with a negative delta", func(t *testing.T) {
		service, scanner, eventRepo, snapshotRepo := newTestReconciliationService()

		scanner.On("TenantBytes", ctx, tenantID).Return(int64(1000), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, tenantID, 1512)

		var captured *metering.UsageEvent
		eventRepo.On("Insert", ctx, mock.AnythingOfType("*metering.UsageEvent")).Return(nil).Run(func(args mock.Arguments) {
			captured = args.Get(1).(*metering.UsageEvent)
		})

		result, err := service.ReconcileTenant(ctx, tenantID)
		require.NoError(t, err)

		assert.True(t, result.Corrected)
		assert.False(t, result.Duplicate)
		assert.Equal(t, int64(1000), result.ScannedBytes)
		assert.Equal(t, int64(1512), result.LedgerBytes)
		assert.Equal(t, int64(-512), result.Delta)

		require.NotNil(t, captured)
		assert.Equal(t, tenantID, captured.TenantID)
		assert.Equal(t, metering.ActionStorageDelta, captured.Action)
		assert.Equal(t, int64(-512), captured.Quantity)
		assert.Equal(t, "storage", captured.ResourceType)
		assert.Equal(t, "reconciliation", captured.ResourceID)
		assert.Equal(t, fmt.Sprintf("storage-reconcile-%s-%s", tenantID, day), captured.IdempotencyKey)
		assert.Equal(t, "storage_reconciliation", captured.Metadata["source"])
		assert.Equal(t, int64(1000), captured.Metadata["scanned_bytes"])
		assert.Equal(t, int64(1512), captured.Metadata["ledger_bytes"])

		eventRepo.AssertExpectations(t)
	})

	t.Run("records missing growth with a positive delta", func(t *testing.T) {
		service, scanner, eventRepo, snapshotRepo := newTestReconciliationService()

		scanner.On("TenantBytes", ctx, tenantID).Return(int64(2048), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, tenantID, 0)
		eventRepo.On("Insert", ctx, mock.Anything).Return(nil)

		result, err := service.ReconcileTenant(ctx, tenantID)
		require.NoError(t, err)
		assert.True(t, result.Corrected)
		assert.Equal(t, int64(2048), result.Delta)
	})

	t.Run("in sync writes nothing", func(t *testing.T) {
		service, scanner, eventRepo, snapshotRepo := newTestReconciliationService()

		scanner.On("TenantBytes", ctx, tenantID).Return(int64(512), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, tenantID, 512)

		result, err := service.ReconcileTenant(ctx, tenantID)
		require.NoError(t, err)

		assert.False(t, result.Corrected)
		assert.Zero(t, result.Delta)
		eventRepo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	})

	t.Run("repeat run on the same day is a duplicate", func(t *testing.T) {
		service, scanner, eventRepo, snapshotRepo := newTestReconciliationService()

		scanner.On("TenantBytes", ctx, tenantID).Return(int64(1000), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, tenantID, 900)
		eventRepo.On("Insert", ctx, mock.Anything).Return(shared.ErrAlreadyExists)

		result, err := service.ReconcileTenant(ctx, tenantID)
		require.NoError(t, err)

		assert.True(t, result.Duplicate)
		assert.False(t, result.Corrected)
		assert.Equal(t, int64(100), result.Delta)
	})

	t.Run("rejects nil tenant", func(t *testing.T) {
		service, _, _, _ := newTestReconciliationService()

		_, err := service.ReconcileTenant(ctx, uuid.Nil)
		require.Error(t, err)

		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "INVALID_TENANT", domainErr.Code)
	})

	t.Run("surfaces scan failure", func(t *testing.T) {
		service, scanner, _, _ := newTestReconciliationService()

		scanner.On("TenantBytes", ctx, tenantID).Return(int64(0), errors.New("connection refused"))

		_, err := service.ReconcileTenant(ctx, tenantID)
		require.Error(t, err)

		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "INTERNAL_ERROR", domainErr.Code)
	})

	t.Run("surfaces ledger failure", func(t *testing.T) {
		service, scanner, _, snapshotRepo := newTestReconciliationService()

		scanner.On("TenantBytes", ctx, tenantID).Return(int64(1000), nil)
		snapshotRepo.On("FindLatestByTenant", ctx, tenantID).Return(nil, errors.New("query timeout"))

		_, err := service.ReconcileTenant(ctx, tenantID)
		require.Error(t, err)
	})

	t.Run("surfaces write failure", func(t *testing.T) {
		service, scanner, eventRepo, snapshotRepo := newTestReconciliationService()

		scanner.On("TenantBytes", ctx, tenantID).Return(int64(1000), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, tenantID, 900)
		eventRepo.On("Insert", ctx, mock.Anything).Return(errors.New("connection reset"))

		_, err := service.ReconcileTenant(ctx, tenantID)
		require.Error(t, err)

		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "INTERNAL_ERROR", domainErr.Code)
	})
}

func TestReconciliationService_ReconcileAll(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps every tenant in the bucket", func(t *testing.T) {
		service, scanner, eventRepo, snapshotRepo := newTestReconciliationService()
		drifted := uuid.New()
		synced := uuid.New()

		scanner.On("TenantIDs", ctx).Return([]uuid.UUID{drifted, synced}, nil)

		scanner.On("TenantBytes", ctx, drifted).Return(int64(4096), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, drifted, 1024)
		eventRepo.On("Insert", ctx, mock.Anything).Return(nil)

		scanner.On("TenantBytes", ctx, synced).Return(int64(2048), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, synced, 2048)

		summary, err := service.ReconcileAll(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, summary.Tenants)
		assert.Equal(t, 1, summary.Corrected)
		assert.Equal(t, 1, summary.InSync)
		assert.Zero(t, summary.Failed)

		eventRepo.AssertNumberOfCalls(t, "Insert", 1)
	})

	t.Run("continues past per-tenant failures", func(t *testing.T) {
		service, scanner, eventRepo, snapshotRepo := newTestReconciliationService()
		failing := uuid.New()
		healthy := uuid.New()

		scanner.On("TenantIDs", ctx).Return([]uuid.UUID{failing, healthy}, nil)

		scanner.On("TenantBytes", ctx, failing).Return(int64(0), errors.New("connection refused"))

		scanner.On("TenantBytes", ctx, healthy).Return(int64(512), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, healthy, 512)

		summary, err := service.ReconcileAll(ctx)
		require.Error(t, err, "first failure should surface after the sweep")

		assert.Equal(t, 2, summary.Tenants)
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, 1, summary.InSync)
	})

	t.Run("counts a duplicate correction as in sync", func(t *testing.T) {
		service, scanner, eventRepo, snapshotRepo := newTestReconciliationService()
		tenantID := uuid.New()

		scanner.On("TenantIDs", ctx).Return([]uuid.UUID{tenantID}, nil)
		scanner.On("TenantBytes", ctx, tenantID).Return(int64(1000), nil)
		expectLedgerLevel(eventRepo, snapshotRepo, ctx, tenantID, 900)
		eventRepo.On("Insert", ctx, mock.Anything).Return(shared.ErrAlreadyExists)

		summary, err := service.ReconcileAll(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, summary.InSync)
		assert.Zero(t, summary.Corrected)
	})

	t.Run("empty bucket is a no-op", func(t *testing.T) {
		service, scanner, _, _ := newTestReconciliationService()

		scanner.On("TenantIDs", ctx).Return([]uuid.UUID{}, nil)

		summary, err := service.ReconcileAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, summary.Tenants)
	})

	t.Run("surfaces listing failure", func(t *testing.T) {
		service, scanner, _, _ := newTestReconciliationService()

		scanner.On("TenantIDs", ctx).Return(nil, errors.New("access denied"))

		_, err := service.ReconcileAll(ctx)
		require.Error(t, err)

		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "INTERNAL_ERROR", domainErr.Code)
	})
}
