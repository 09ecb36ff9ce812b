package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
	infrabilling "github.com/briefly/metering/internal/infrastructure/billing"
)

type reportingTestEnv struct {
	gateway       *MockUsageReportGateway
	events        *MockUsageEventRepository
	reportLogs    *MockUsageReportLogRepository
	subscriptions *MockSubscriptionRepository
	service       *UsageReportingService
}

func newReportingTestEnv(actions ...metering.ActionKind) *reportingTestEnv {
	env := &reportingTestEnv{
		gateway:       new(MockUsageReportGateway),
		events:        new(MockUsageEventRepository),
		reportLogs:    new(MockUsageReportLogRepository),
		subscriptions: new(MockSubscriptionRepository),
	}
	config := DefaultUsageReportingConfig()
	if len(actions) > 0 {
		config.Actions = actions
	}
	env.service = NewUsageReportingService(env.gateway, env.events, env.reportLogs, env.subscriptions, zap.NewNop(), config)
	return env
}

// ripeReportLog builds a failed report whose backoff window has already
// elapsed, so the retry sweep picks it up.
func ripeReportLog(tenantID uuid.UUID, retryCount int) *infrabilling.UsageReportLog {
	report := infrabilling.NewUsageReportLog(tenantID, "si_metered_1", metering.ActionMessage, 75, time.Now().Add(-time.Hour))
	report.Status = infrabilling.UsageReportStatusFailed
	report.RetryCount = retryCount
	report.UpdatedAt = time.Now().Add(-time.Hour)
	return report
}

func TestNewUsageReportingService(t *testing.T) {
	service := NewUsageReportingService(nil, nil, nil, nil, zap.NewNop(), UsageReportingConfig{})

	assert.Equal(t, 5, service.config.MaxRetries)
	assert.Equal(t, time.Second, service.config.RetryBaseDelay)
	assert.Equal(t, 5*time.Minute, service.config.RetryMaxDelay)
}

func TestUsageReportingService_ReportUsageForTenant(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	t.Run("reports each configured pool's period total", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage, metering.ActionAPICall)
		subscription := providerLinkedSubscription(t, tenantID, billing.TierPro)

		env.subscriptions.On("FindByTenant", ctx, tenantID).Return(subscription, nil)
		env.gateway.On("GetSubscriptionItemID", ctx, "sub_hook_1").Return("si_metered_1", nil)
		env.events.On("SumQuantity", ctx, tenantID, metering.ActionMessage,
			subscription.CurrentPeriodStart, subscription.CurrentPeriodEnd).Return(int64(420), nil)
		env.events.On("SumQuantity", ctx, tenantID, metering.ActionAPICall,
			subscription.CurrentPeriodStart, subscription.CurrentPeriodEnd).Return(int64(1200), nil)
		env.reportLogs.On("Save", ctx, mock.AnythingOfType("*billing.UsageReportLog")).Return(nil)
		env.gateway.On("ReportUsage", ctx, mock.MatchedBy(func(input infrabilling.UsageReportInput) bool {
			return input.SubscriptionItemID == "si_metered_1" && input.Action == "set" && input.Quantity == 420
		})).Return(&infrabilling.UsageReportOutput{UsageRecordID: "mbur_msg_1"}, nil)
		env.gateway.On("ReportUsage", ctx, mock.MatchedBy(func(input infrabilling.UsageReportInput) bool {
			return input.SubscriptionItemID == "si_metered_1" && input.Action == "set" && input.Quantity == 1200
		})).Return(&infrabilling.UsageReportOutput{UsageRecordID: "mbur_api_1"}, nil)
		env.reportLogs.On("MarkAsSuccess", ctx, mock.AnythingOfType("uuid.UUID"), "mbur_msg_1").Return(nil)
		env.reportLogs.On("MarkAsSuccess", ctx, mock.AnythingOfType("uuid.UUID"), "mbur_api_1").Return(nil)

		require.NoError(t, env.service.ReportUsageForTenant(ctx, tenantID))

		env.gateway.AssertExpectations(t)
		env.reportLogs.AssertExpectations(t)
	})

	t.Run("local-only tenants are skipped", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		subscription := freeSubscription(t, tenantID)

		env.subscriptions.On("FindByTenant", ctx, tenantID).Return(subscription, nil)

		require.NoError(t, env.service.ReportUsageForTenant(ctx, tenantID))
		env.gateway.AssertNotCalled(t, "GetSubscriptionItemID", mock.Anything, mock.Anything)
	})

	t.Run("zero usage is not reported", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		subscription := providerLinkedSubscription(t, tenantID, billing.TierPro)

		env.subscriptions.On("FindByTenant", ctx, tenantID).Return(subscription, nil)
		env.gateway.On("GetSubscriptionItemID", ctx, "sub_hook_1").Return("si_metered_1", nil)
		env.events.On("SumQuantity", ctx, tenantID, metering.ActionMessage,
			subscription.CurrentPeriodStart, subscription.CurrentPeriodEnd).Return(int64(0), nil)

		require.NoError(t, env.service.ReportUsageForTenant(ctx, tenantID))

		env.gateway.AssertNotCalled(t, "ReportUsage", mock.Anything, mock.Anything)
		env.reportLogs.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("provider failure marks the report for retry", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		subscription := providerLinkedSubscription(t, tenantID, billing.TierPro)

		env.subscriptions.On("FindByTenant", ctx, tenantID).Return(subscription, nil)
		env.gateway.On("GetSubscriptionItemID", ctx, "sub_hook_1").Return("si_metered_1", nil)
		env.events.On("SumQuantity", ctx, tenantID, metering.ActionMessage,
			subscription.CurrentPeriodStart, subscription.CurrentPeriodEnd).Return(int64(100), nil)
		env.reportLogs.On("Save", ctx, mock.AnythingOfType("*billing.UsageReportLog")).Return(nil)
		env.gateway.On("ReportUsage", ctx, mock.Anything).Return(nil, errors.New("rate limited"))
		env.reportLogs.On("MarkAsFailed", ctx, mock.AnythingOfType("uuid.UUID"), "rate limited").Return(nil)

		// A single pool failing does not fail the whole tenant report.
		require.NoError(t, env.service.ReportUsageForTenant(ctx, tenantID))
		env.reportLogs.AssertExpectations(t)
	})

	t.Run("unknown tenant surfaces the lookup error", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)

		env.subscriptions.On("FindByTenant", ctx, tenantID).Return(nil, shared.ErrNotFound)

		err := env.service.ReportUsageForTenant(ctx, tenantID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to find subscription")
	})

	t.Run("item resolution failure aborts the report", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		subscription := providerLinkedSubscription(t, tenantID, billing.TierPro)

		env.subscriptions.On("FindByTenant", ctx, tenantID).Return(subscription, nil)
		env.gateway.On("GetSubscriptionItemID", ctx, "sub_hook_1").Return("", errors.New("provider timeout"))

		err := env.service.ReportUsageForTenant(ctx, tenantID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to resolve subscription item")
		env.events.AssertNotCalled(t, "SumQuantity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("item lookups are cached per subscription", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		subscription := providerLinkedSubscription(t, tenantID, billing.TierPro)

		env.subscriptions.On("FindByTenant", ctx, tenantID).Return(subscription, nil)
		env.gateway.On("GetSubscriptionItemID", ctx, "sub_hook_1").Return("si_metered_1", nil)
		env.events.On("SumQuantity", ctx, tenantID, metering.ActionMessage,
			subscription.CurrentPeriodStart, subscription.CurrentPeriodEnd).Return(int64(0), nil)

		require.NoError(t, env.service.ReportUsageForTenant(ctx, tenantID))
		require.NoError(t, env.service.ReportUsageForTenant(ctx, tenantID))

		env.gateway.AssertNumberOfCalls(t, "GetSubscriptionItemID", 1)
	})
}

func TestUsageReportingService_ReportUsageForAllTenants(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps provider-backed subscriptions only", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		linkedID := uuid.New()
		localID := uuid.New()
		linked := providerLinkedSubscription(t, linkedID, billing.TierPro)
		local := freeSubscription(t, localID)

		env.subscriptions.On("FindByStatus", ctx, billing.SubscriptionStatusActive).
			Return([]*billing.TenantSubscription{linked, local}, nil)
		env.subscriptions.On("FindByTenant", ctx, linkedID).Return(linked, nil)
		env.gateway.On("GetSubscriptionItemID", ctx, "sub_hook_1").Return("si_metered_1", nil)
		env.events.On("SumQuantity", ctx, linkedID, metering.ActionMessage,
			linked.CurrentPeriodStart, linked.CurrentPeriodEnd).Return(int64(12), nil)
		env.reportLogs.On("Save", ctx, mock.AnythingOfType("*billing.UsageReportLog")).Return(nil)
		env.gateway.On("ReportUsage", ctx, mock.Anything).
			Return(&infrabilling.UsageReportOutput{UsageRecordID: "mbur_1"}, nil)
		env.reportLogs.On("MarkAsSuccess", ctx, mock.AnythingOfType("uuid.UUID"), "mbur_1").Return(nil)

		require.NoError(t, env.service.ReportUsageForAllTenants(ctx))

		env.subscriptions.AssertNumberOfCalls(t, "FindByTenant", 1)
	})

	t.Run("per-tenant failures are counted and surfaced", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		healthyID := uuid.New()
		brokenID := uuid.New()
		healthy := providerLinkedSubscription(t, healthyID, billing.TierPro)
		broken := freeSubscription(t, brokenID).WithTier(billing.TierPro).WithStripeRefs("cus_hook_2", "sub_hook_2")

		env.subscriptions.On("FindByStatus", ctx, billing.SubscriptionStatusActive).
			Return([]*billing.TenantSubscription{healthy, broken}, nil)
		env.subscriptions.On("FindByTenant", ctx, healthyID).Return(healthy, nil)
		env.subscriptions.On("FindByTenant", ctx, brokenID).Return(nil, errors.New("connection refused"))
		env.gateway.On("GetSubscriptionItemID", ctx, "sub_hook_1").Return("si_metered_1", nil)
		env.events.On("SumQuantity", ctx, healthyID, metering.ActionMessage,
			healthy.CurrentPeriodStart, healthy.CurrentPeriodEnd).Return(int64(0), nil)

		err := env.service.ReportUsageForAllTenants(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to report usage for 1 tenants")
	})

	t.Run("listing failure aborts the sweep", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)

		env.subscriptions.On("FindByStatus", ctx, billing.SubscriptionStatusActive).
			Return(nil, errors.New("connection refused"))

		err := env.service.ReportUsageForAllTenants(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to find active subscriptions")
	})
}

func TestUsageReportingService_RetryFailedReports(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	t.Run("ripe failures are resubmitted with the original idempotency key", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		report := ripeReportLog(tenantID, 1)
		expectedKey := infrabilling.GenerateIdempotencyKey(tenantID, "si_metered_1", metering.ActionMessage, report.Timestamp)

		env.reportLogs.On("FindPending", ctx, 5).Return([]*infrabilling.UsageReportLog{report}, nil)
		env.reportLogs.On("IncrementRetryCount", ctx, report.ID).Return(nil)
		env.gateway.On("ReportUsage", ctx, mock.MatchedBy(func(input infrabilling.UsageReportInput) bool {
			return input.Quantity == 75 && input.Action == "set" && input.IdempotencyKey == expectedKey
		})).Return(&infrabilling.UsageReportOutput{UsageRecordID: "mbur_retry_1"}, nil)
		env.reportLogs.On("MarkAsSuccess", ctx, report.ID, "mbur_retry_1").Return(nil)

		require.NoError(t, env.service.RetryFailedReports(ctx))
		env.reportLogs.AssertExpectations(t)
	})

	t.Run("reports still inside the backoff window wait", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		report := ripeReportLog(tenantID, 5)
		report.UpdatedAt = time.Now().Add(-time.Second)

		env.reportLogs.On("FindPending", ctx, 5).Return([]*infrabilling.UsageReportLog{report}, nil)

		require.NoError(t, env.service.RetryFailedReports(ctx))

		env.reportLogs.AssertNotCalled(t, "IncrementRetryCount", mock.Anything, mock.Anything)
		env.gateway.AssertNotCalled(t, "ReportUsage", mock.Anything, mock.Anything)
	})

	t.Run("exhausted reports are abandoned", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)
		report := ripeReportLog(tenantID, 5)

		env.reportLogs.On("FindPending", ctx, 5).Return([]*infrabilling.UsageReportLog{report}, nil)
		env.reportLogs.On("IncrementRetryCount", ctx, report.ID).Return(nil)
		env.gateway.On("ReportUsage", ctx, mock.Anything).Return(nil, errors.New("still failing"))
		env.reportLogs.On("MarkAsFailed", ctx, report.ID, "max retries exceeded: still failing").Return(nil)

		require.NoError(t, env.service.RetryFailedReports(ctx))
		env.reportLogs.AssertExpectations(t)
	})

	t.Run("nothing pending is a no-op", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)

		env.reportLogs.On("FindPending", ctx, 5).Return([]*infrabilling.UsageReportLog{}, nil)

		require.NoError(t, env.service.RetryFailedReports(ctx))
		env.gateway.AssertNotCalled(t, "ReportUsage", mock.Anything, mock.Anything)
	})
}

func TestUsageReportingService_Backoff(t *testing.T) {
	env := newReportingTestEnv(metering.ActionMessage)

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{10, 5 * time.Minute},
		{31, 5 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, env.service.calculateBackoff(tt.retryCount), "retry %d", tt.retryCount)
	}
}

func TestUsageReportingService_GetReportingStats(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	start := time.Now().AddDate(0, -1, 0)
	end := time.Now()

	t.Run("counts reports by outcome", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)

		logs := make([]*infrabilling.UsageReportLog, 0, 5)
		for _, status := range []infrabilling.UsageReportStatus{
			infrabilling.UsageReportStatusSuccess,
			infrabilling.UsageReportStatusFailed,
			infrabilling.UsageReportStatusAbandoned,
			infrabilling.UsageReportStatusPending,
			infrabilling.UsageReportStatusRetrying,
		} {
			report := infrabilling.NewUsageReportLog(tenantID, "si_metered_1", metering.ActionMessage, 10, time.Now())
			report.Status = status
			logs = append(logs, report)
		}
		env.reportLogs.On("FindByTenant", ctx, tenantID, start, end).Return(logs, nil)

		stats, err := env.service.GetReportingStats(ctx, tenantID, start, end)
		require.NoError(t, err)

		assert.Equal(t, 5, stats.TotalReports)
		assert.Equal(t, 1, stats.SuccessfulReports)
		assert.Equal(t, 2, stats.FailedReports)
		assert.Equal(t, 2, stats.PendingReports)
	})

	t.Run("lookup failure surfaces", func(t *testing.T) {
		env := newReportingTestEnv(metering.ActionMessage)

		env.reportLogs.On("FindByTenant", ctx, tenantID, start, end).Return(nil, errors.New("connection refused"))

		stats, err := env.service.GetReportingStats(ctx, tenantID, start, end)
		require.Error(t, err)
		assert.Nil(t, stats)
	})
}
