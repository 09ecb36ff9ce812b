package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// mockStorageMetricsProvider returns a canned storage level and counts calls.
type mockStorageMetricsProvider struct {
	bytes int64
	err   error
	calls int32
}

func (m *mockStorageMetricsProvider) CurrentStorageBytes(_ context.Context, _ uuid.UUID) (int64, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.err != nil {
		return 0, m.err
	}
	return m.bytes, nil
}

// mockTenantIDProvider returns a fixed tenant list and counts calls.
type mockTenantIDProvider struct {
	ids   []uuid.UUID
	err   error
	calls int32
}

func (m *mockTenantIDProvider) GetActiveTenantIDs(_ context.Context) ([]uuid.UUID, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.err != nil {
		return nil, m.err
	}
	return m.ids, nil
}

func newTestMeteringMetrics(t *testing.T, storage StorageMetricsProvider) *MeteringMetrics {
	t.Helper()

	mm, err := NewMeteringMetrics(MeteringMetricsConfig{
		Meter:           noop.NewMeterProvider().Meter("test"),
		Logger:          zap.NewNop(),
		StorageProvider: storage,
	})
	require.NoError(t, err)
	require.NotNil(t, mm)

	return mm
}

func TestNewMeteringMetrics(t *testing.T) {
	t.Run("creates metrics with valid config", func(t *testing.T) {
		mm, err := NewMeteringMetrics(MeteringMetricsConfig{
			Meter:  noop.NewMeterProvider().Meter("test"),
			Logger: zap.NewNop(),
		})

		require.NoError(t, err)
		require.NotNil(t, mm)
		assert.NotNil(t, mm.rateLimitChecksTotal)
		assert.NotNil(t, mm.quotaDenialsTotal)
		assert.NotNil(t, mm.usageEventsRecordedTotal)
		assert.NotNil(t, mm.ledgerWriteFailuresTotal)
		assert.NotNil(t, mm.enforcementDuration)
		assert.NotNil(t, mm.storageBytes)
	})

	t.Run("returns error when meter is nil", func(t *testing.T) {
		mm, err := NewMeteringMetrics(MeteringMetricsConfig{
			Logger: zap.NewNop(),
		})

		assert.Nil(t, mm)
		assert.Equal(t, ErrMeterNil, err)
	})

	t.Run("defaults to nop logger", func(t *testing.T) {
		mm, err := NewMeteringMetrics(MeteringMetricsConfig{
			Meter: noop.NewMeterProvider().Meter("test"),
		})

		require.NoError(t, err)
		assert.NotNil(t, mm.logger)
	})
}

func TestMeteringMetrics_RecordEnforcement(t *testing.T) {
	mm := newTestMeteringMetrics(t, nil)
	ctx := context.Background()
	tenantID := uuid.New()

	// With a no-op meter these only need to not panic
	mm.RecordRateLimitCheck(ctx, tenantID, "api_call", CheckOutcomeAllowed)
	mm.RecordRateLimitCheck(ctx, tenantID, "api_call", CheckOutcomeDenied)
	mm.RecordQuotaDenial(ctx, tenantID, "doc_upload", "quota_exceeded")
	mm.RecordQuotaDenial(ctx, tenantID, "chat_message", "rate_limited")
	mm.ObserveEnforcement(ctx, "api_call", CheckOutcomeAllowed, 2*time.Millisecond)
}

func TestMeteringMetrics_RecordLedger(t *testing.T) {
	mm := newTestMeteringMetrics(t, nil)
	ctx := context.Background()
	tenantID := uuid.New()

	mm.RecordUsageEvent(ctx, tenantID, "doc_upload")
	mm.RecordUsageEvent(ctx, tenantID, "api_call")
	mm.RecordLedgerWriteFailure(ctx, "doc_upload")
}

func TestMeteringMetrics_RecordStorageBytes(t *testing.T) {
	mm := newTestMeteringMetrics(t, nil)
	ctx := context.Background()

	mm.RecordStorageBytes(ctx, uuid.New(), 1024)
	mm.RecordStorageBytes(ctx, uuid.New(), 0)
}

func TestMeteringMetrics_PeriodicCollection(t *testing.T) {
	storage := &mockStorageMetricsProvider{bytes: 2048}
	tenants := &mockTenantIDProvider{ids: []uuid.UUID{uuid.New(), uuid.New()}}

	mm := newTestMeteringMetrics(t, storage)
	defer mm.Stop()

	mm.StartPeriodicCollection(context.Background(), tenants, 50*time.Millisecond)

	// Immediate collect plus at least one tick
	time.Sleep(120 * time.Millisecond)
	mm.Stop()

	tenantCalls := atomic.LoadInt32(&tenants.calls)
	storageCalls := atomic.LoadInt32(&storage.calls)
	assert.GreaterOrEqual(t, tenantCalls, int32(2))
	// Two tenants per collection pass
	assert.GreaterOrEqual(t, storageCalls, int32(4))
}

func TestMeteringMetrics_PeriodicCollection_NoStorageProvider(t *testing.T) {
	tenants := &mockTenantIDProvider{ids: []uuid.UUID{uuid.New()}}

	mm := newTestMeteringMetrics(t, nil)
	defer mm.Stop()

	mm.StartPeriodicCollection(context.Background(), tenants, 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	mm.Stop()

	// Nothing to collect, so the tenant provider is never queried
	assert.Equal(t, int32(0), atomic.LoadInt32(&tenants.calls))
}

func TestMeteringMetrics_PeriodicCollection_TenantProviderError(t *testing.T) {
	storage := &mockStorageMetricsProvider{bytes: 2048}
	tenants := &mockTenantIDProvider{err: errors.New("database unavailable")}

	mm := newTestMeteringMetrics(t, storage)
	defer mm.Stop()

	mm.StartPeriodicCollection(context.Background(), tenants, 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	mm.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&tenants.calls), int32(1))
	assert.Equal(t, int32(0), atomic.LoadInt32(&storage.calls))
}

func TestMeteringMetrics_PeriodicCollection_StorageProviderError(t *testing.T) {
	storage := &mockStorageMetricsProvider{err: errors.New("ledger query failed")}
	tenants := &mockTenantIDProvider{ids: []uuid.UUID{uuid.New()}}

	mm := newTestMeteringMetrics(t, storage)
	defer mm.Stop()

	mm.StartPeriodicCollection(context.Background(), tenants, 20*time.Millisecond)

	// A failing tenant must not stop the loop
	time.Sleep(60 * time.Millisecond)
	mm.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&storage.calls), int32(1))
}

func TestMeteringMetrics_PeriodicCollection_ContextCancelled(t *testing.T) {
	storage := &mockStorageMetricsProvider{bytes: 512}
	tenants := &mockTenantIDProvider{ids: []uuid.UUID{uuid.New()}}

	mm := newTestMeteringMetrics(t, storage)

	ctx, cancel := context.WithCancel(context.Background())
	mm.StartPeriodicCollection(ctx, tenants, 20*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	callsAfterCancel := atomic.LoadInt32(&tenants.calls)
	time.Sleep(50 * time.Millisecond)

	// No further collections once the context is cancelled
	assert.Equal(t, callsAfterCancel, atomic.LoadInt32(&tenants.calls))
}

func TestMeteringMetrics_StartPeriodicCollection_OnlyOnce(t *testing.T) {
	storage := &mockStorageMetricsProvider{bytes: 512}
	tenants := &mockTenantIDProvider{ids: []uuid.UUID{uuid.New()}}

	mm := newTestMeteringMetrics(t, storage)
	defer mm.Stop()

	// Second call must be a no-op, not a second loop
	mm.StartPeriodicCollection(context.Background(), tenants, time.Hour)
	mm.StartPeriodicCollection(context.Background(), tenants, time.Hour)

	time.Sleep(50 * time.Millisecond)
	mm.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&tenants.calls))
}

func TestMeteringMetrics_StopIdempotent(t *testing.T) {
	mm := newTestMeteringMetrics(t, nil)

	// Stop multiple times should not panic
	mm.Stop()
	mm.Stop()
	mm.Stop()
}

func TestCheckOutcomeConstants(t *testing.T) {
	assert.Equal(t, "allowed", string(CheckOutcomeAllowed))
	assert.Equal(t, "denied", string(CheckOutcomeDenied))
}

func TestMetricsError(t *testing.T) {
	err := &MetricsError{Op: "NewMeteringMetrics", Err: "meter cannot be nil"}
	assert.Equal(t, "NewMeteringMetrics: meter cannot be nil", err.Error())
	assert.Equal(t, ErrMeterNil.Error(), err.Error())
}
