package enforcement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appmetering "github.com/briefly/metering/internal/application/metering"
	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/ratelimit"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/briefly/metering/internal/infrastructure/cache"
)

// MockEntitlementGate is a mock implementation of EntitlementGate
type MockEntitlementGate struct {
	mock.Mock
}

func (m *MockEntitlementGate) HasFeatureAccess(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) (*billing.FeatureCheckResult, error) {
	args := m.Called(ctx, tenantID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.FeatureCheckResult), args.Error(1)
}

func (m *MockEntitlementGate) CheckUsageLimit(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, quantity int64) (*billing.LimitCheckResult, error) {
	args := m.Called(ctx, tenantID, action, quantity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.LimitCheckResult), args.Error(1)
}

// MockAdmissionLimiter is a mock implementation of AdmissionLimiter
type MockAdmissionLimiter struct {
	mock.Mock
}

func (m *MockAdmissionLimiter) Check(ctx context.Context, req ratelimit.CheckRequest) ratelimit.Decision {
	args := m.Called(ctx, req)
	return args.Get(0).(ratelimit.Decision)
}

// MockUsageRecorder is a mock implementation of UsageRecorder
type MockUsageRecorder struct {
	mock.Mock
}

func (m *MockUsageRecorder) TrackUsage(ctx context.Context, input appmetering.TrackUsageInput) (*appmetering.TrackUsageResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*appmetering.TrackUsageResult), args.Error(1)
}

type enforcerTestEnv struct {
	entitlements *MockEntitlementGate
	limiter      *MockAdmissionLimiter
	recorder     *MockUsageRecorder
	enforcer     *Enforcer
}

func newEnforcerTestEnv(t *testing.T) *enforcerTestEnv {
	t.Helper()

	env := &enforcerTestEnv{
		entitlements: new(MockEntitlementGate),
		limiter:      new(MockAdmissionLimiter),
		recorder:     new(MockUsageRecorder),
	}

	enforcer, err := NewEnforcer(env.entitlements, env.limiter, env.recorder, nil, zap.NewNop())
	require.NoError(t, err)
	env.enforcer = enforcer
	return env
}

func grantFeature(tier billing.Tier, key billing.FeatureKey) *billing.FeatureCheckResult {
	return &billing.FeatureCheckResult{Allowed: true, Feature: key, Tier: tier}
}

func denyFeature(tier billing.Tier, key billing.FeatureKey) *billing.FeatureCheckResult {
	return &billing.FeatureCheckResult{Feature: key, Tier: tier, Reason: billing.DenialFeatureNotAvailable}
}

func allowDecision(limit, remaining int64) ratelimit.Decision {
	return ratelimit.Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: time.Now().Add(time.Minute),
	}
}

func TestNewEnforcer(t *testing.T) {
	entitlements := new(MockEntitlementGate)
	limiter := new(MockAdmissionLimiter)
	recorder := new(MockUsageRecorder)

	t.Run("requires every collaborator", func(t *testing.T) {
		_, err := NewEnforcer(nil, limiter, recorder, nil, zap.NewNop())
		assert.ErrorContains(t, err, "Entitlement gate")

		_, err = NewEnforcer(entitlements, nil, recorder, nil, zap.NewNop())
		assert.ErrorContains(t, err, "Rate limiter")

		_, err = NewEnforcer(entitlements, limiter, nil, nil, zap.NewNop())
		assert.ErrorContains(t, err, "Usage recorder")
	})

	t.Run("falls back to built-in rules", func(t *testing.T) {
		enforcer, err := NewEnforcer(entitlements, limiter, recorder, nil, zap.NewNop())

		require.NoError(t, err)
		assert.Greater(t, enforcer.rules.Len(), 0)
	})
}

func TestEnforcer_Check(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	t.Run("admits when every gate passes", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		quota := billing.EvaluateLimit(billing.TierPro, billing.ResourceDocuments, 40, 1, 1000)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureDocumentUpload).
			Return(grantFeature(billing.TierPro, billing.FeatureDocumentUpload), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionUpload, int64(1)).
			Return(&quota, nil)
		env.limiter.On("Check", ctx, mock.MatchedBy(func(req ratelimit.CheckRequest) bool {
			return req.TenantID == tenantID && req.Action == metering.ActionUpload && req.Limit == 12
		})).Return(allowDecision(12, 11))

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionUpload, 1)

		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, DenialNone, result.Denial)
		assert.Equal(t, billing.TierPro, result.Tier)
		assert.Equal(t, billing.ResourceDocuments, result.Resource)
		assert.Equal(t, int64(40), result.Current)
		assert.Equal(t, int64(1000), result.Limit)
		assert.Equal(t, int64(960), result.Remaining)
		assert.Equal(t, int64(12), result.RateLimit)
		assert.Equal(t, int64(11), result.RateRemaining)
		assert.NotEmpty(t, result.Message)
	})

	t.Run("feature denial skips every later check", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureBulkExport).
			Return(denyFeature(billing.TierFree, billing.FeatureBulkExport), nil)

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionExport, 1)

		require.NoError(t, err)
		assert.True(t, result.Denied())
		assert.Equal(t, DenialFeatureNotAvailable, result.Denial)
		assert.Equal(t, billing.TierFree, result.Tier)
		assert.Contains(t, result.Message, "bulk_export")
		env.entitlements.AssertNotCalled(t, "CheckUsageLimit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		env.limiter.AssertNotCalled(t, "Check", mock.Anything, mock.Anything)
	})

	t.Run("limit denial skips the rate check", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		quota := billing.EvaluateLimit(billing.TierFree, billing.ResourceDocuments, 10, 1, 10)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureDocumentUpload).
			Return(grantFeature(billing.TierFree, billing.FeatureDocumentUpload), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionUpload, int64(1)).
			Return(&quota, nil)

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionUpload, 1)

		require.NoError(t, err)
		assert.True(t, result.Denied())
		assert.Equal(t, DenialUsageLimitExceeded, result.Denial)
		assert.Equal(t, int64(10), result.Current)
		assert.Equal(t, int64(10), result.Limit)
		assert.Equal(t, int64(0), result.Remaining)
		env.limiter.AssertNotCalled(t, "Check", mock.Anything, mock.Anything)
	})

	t.Run("inactive subscription is its own denial", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		quota := billing.SubscriptionInactiveResult(billing.TierPro, billing.ResourceDocuments)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureDocumentUpload).
			Return(grantFeature(billing.TierPro, billing.FeatureDocumentUpload), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionUpload, int64(1)).
			Return(&quota, nil)

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionUpload, 1)

		require.NoError(t, err)
		assert.Equal(t, DenialSubscriptionInactive, result.Denial)
	})

	t.Run("rate denial carries the retry hint", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		quota := billing.EvaluateLimit(billing.TierPro, billing.ResourceChatMessages, 5, 1, 1000)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureChatStreaming).
			Return(grantFeature(billing.TierPro, billing.FeatureChatStreaming), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionMessage, int64(1)).
			Return(&quota, nil)
		env.limiter.On("Check", ctx, mock.Anything).Return(ratelimit.Decision{
			Limit:      30,
			Remaining:  0,
			ResetTime:  time.Now().Add(12 * time.Second),
			RetryAfter: 12 * time.Second,
		})

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionMessage, 1)

		require.NoError(t, err)
		assert.Equal(t, DenialRateLimited, result.Denial)
		assert.Equal(t, 12*time.Second, result.RetryAfter)
		assert.Equal(t, int64(30), result.RateLimit)
		assert.Contains(t, result.Message, "retry")
	})

	t.Run("ungated actions skip the feature gate", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		quota := billing.EvaluateLimit(billing.TierFree, billing.ResourceAPICalls, 10, 1, 1000)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionAPICall, int64(1)).
			Return(&quota, nil)
		env.limiter.On("Check", ctx, mock.Anything).Return(allowDecision(120, 119))

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionAPICall, 1)

		require.NoError(t, err)
		assert.True(t, result.Allowed)
		env.entitlements.AssertNotCalled(t, "HasFeatureAccess", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("actions without a rate rule skip the limiter", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		rules, err := ratelimit.NewRuleTable(nil)
		require.NoError(t, err)
		enforcer, err := NewEnforcer(env.entitlements, env.limiter, env.recorder, rules, zap.NewNop())
		require.NoError(t, err)

		quota := billing.EvaluateLimit(billing.TierPro, billing.ResourceChatMessages, 5, 1, 1000)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureChatStreaming).
			Return(grantFeature(billing.TierPro, billing.FeatureChatStreaming), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionMessage, int64(1)).
			Return(&quota, nil)

		result, err := enforcer.Check(ctx, tenantID, metering.ActionMessage, 1)

		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Zero(t, result.RateLimit)
		env.limiter.AssertNotCalled(t, "Check", mock.Anything, mock.Anything)
	})

	t.Run("store failure denies as unavailable when failing closed", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		quota := billing.EvaluateLimit(billing.TierPro, billing.ResourceChatMessages, 5, 1, 1000)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureChatStreaming).
			Return(grantFeature(billing.TierPro, billing.FeatureChatStreaming), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionMessage, int64(1)).
			Return(&quota, nil)
		env.limiter.On("Check", ctx, mock.Anything).Return(ratelimit.Decision{
			Limit:      30,
			RetryAfter: ratelimit.UnavailableRetryAfter,
			Err:        shared.ErrStoreUnavailable,
		})

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionMessage, 1)

		require.NoError(t, err)
		assert.Equal(t, DenialStoreUnavailable, result.Denial)
		assert.Equal(t, ratelimit.UnavailableRetryAfter, result.RetryAfter)
	})

	t.Run("store failure admits when the rule fails open", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		quota := billing.EvaluateLimit(billing.TierPro, billing.ResourceChatMessages, 5, 1, 1000)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureChatStreaming).
			Return(grantFeature(billing.TierPro, billing.FeatureChatStreaming), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionMessage, int64(1)).
			Return(&quota, nil)
		env.limiter.On("Check", ctx, mock.Anything).Return(ratelimit.Decision{
			Allowed:   true,
			Limit:     30,
			Remaining: 29,
			Err:       shared.ErrStoreUnavailable,
		})

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionMessage, 1)

		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("grace admissions surface the over-limit state", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		graceEnd := time.Now().Add(48 * time.Hour)
		quota := billing.EvaluateLimit(billing.TierFree, billing.ResourceDocuments, 50, 1, 10).AdmitWithGrace(graceEnd)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureDocumentUpload).
			Return(grantFeature(billing.TierFree, billing.FeatureDocumentUpload), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionUpload, int64(1)).
			Return(&quota, nil)
		env.limiter.On("Check", ctx, mock.Anything).Return(allowDecision(12, 11))

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionUpload, 1)

		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.True(t, result.OverLimit)
		require.NotNil(t, result.GraceEndsAt)
		assert.Equal(t, graceEnd, *result.GraceEndsAt)
	})

	t.Run("unlimited pools admit any quantity", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		quota := billing.EvaluateLimit(billing.TierProBYOK, billing.ResourceAPICalls, 1_000_000, 10_000, billing.Unlimited)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionAPICall, int64(10_000)).
			Return(&quota, nil)
		env.limiter.On("Check", ctx, mock.Anything).Return(allowDecision(120, 119))

		result, err := env.enforcer.Check(ctx, tenantID, metering.ActionAPICall, 10_000)

		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.True(t, result.Unlimited)
		assert.Equal(t, billing.Unlimited, result.Remaining)
	})

	t.Run("rejects malformed input before any check", func(t *testing.T) {
		env := newEnforcerTestEnv(t)

		_, err := env.enforcer.Check(ctx, uuid.Nil, metering.ActionUpload, 1)
		assert.ErrorContains(t, err, "Tenant ID")

		_, err = env.enforcer.Check(ctx, tenantID, metering.ActionKind("teleport"), 1)
		assert.ErrorContains(t, err, "Unknown action")

		_, err = env.enforcer.Check(ctx, tenantID, metering.ActionUpload, -1)
		assert.ErrorContains(t, err, "negative")

		env.entitlements.AssertNotCalled(t, "HasFeatureAccess", mock.Anything, mock.Anything, mock.Anything)
		env.entitlements.AssertNotCalled(t, "CheckUsageLimit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("entitlement failures surface as errors", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureDocumentUpload).
			Return(nil, errors.New("subscription store down"))

		_, err := env.enforcer.Check(ctx, tenantID, metering.ActionUpload, 1)

		assert.ErrorContains(t, err, "subscription store down")
	})

	t.Run("quota lookup failures surface as errors", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		env.entitlements.On("HasFeatureAccess", ctx, tenantID, billing.FeatureDocumentUpload).
			Return(grantFeature(billing.TierPro, billing.FeatureDocumentUpload), nil)
		env.entitlements.On("CheckUsageLimit", ctx, tenantID, metering.ActionUpload, int64(1)).
			Return(nil, errors.New("aggregate query failed"))

		_, err := env.enforcer.Check(ctx, tenantID, metering.ActionUpload, 1)

		assert.ErrorContains(t, err, "aggregate query failed")
	})
}

func TestEnforcer_EnforceAndRun(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	allowEverything := func(env *enforcerTestEnv, quantity int64) {
		quota := billing.EvaluateLimit(billing.TierPro, billing.ResourceDocuments, 40, quantity, 1000)
		env.entitlements.On("HasFeatureAccess", mock.Anything, tenantID, billing.FeatureDocumentUpload).
			Return(grantFeature(billing.TierPro, billing.FeatureDocumentUpload), nil)
		env.entitlements.On("CheckUsageLimit", mock.Anything, tenantID, metering.ActionUpload, quantity).
			Return(&quota, nil)
		env.limiter.On("Check", mock.Anything, mock.Anything).Return(allowDecision(12, 11))
	}

	t.Run("runs the operation and records usage", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		allowEverything(env, 3)
		env.recorder.On("TrackUsage", mock.Anything, mock.MatchedBy(func(input appmetering.TrackUsageInput) bool {
			return input.TenantID == tenantID &&
				input.Action == metering.ActionUpload &&
				input.Quantity == 3 &&
				input.Metadata["outcome"] == "success"
		})).Return(&appmetering.TrackUsageResult{}, nil)

		opRan := false
		result, err := env.enforcer.EnforceAndRun(ctx, tenantID, metering.ActionUpload, 3, func(context.Context) error {
			opRan = true
			return nil
		})

		require.NoError(t, err)
		assert.True(t, opRan)
		assert.True(t, result.Allowed)
		env.recorder.AssertExpectations(t)
	})

	t.Run("denial prevents the operation", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		env.entitlements.On("HasFeatureAccess", mock.Anything, tenantID, billing.FeatureBulkExport).
			Return(denyFeature(billing.TierFree, billing.FeatureBulkExport), nil)

		opRan := false
		result, err := env.enforcer.EnforceAndRun(ctx, tenantID, metering.ActionExport, 1, func(context.Context) error {
			opRan = true
			return nil
		})

		require.NoError(t, err)
		assert.False(t, opRan)
		assert.True(t, result.Denied())
		env.recorder.AssertNotCalled(t, "TrackUsage", mock.Anything, mock.Anything)
	})

	t.Run("operation failure records a zero-quantity event and re-raises", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		allowEverything(env, 3)
		env.recorder.On("TrackUsage", mock.Anything, mock.MatchedBy(func(input appmetering.TrackUsageInput) bool {
			return input.Quantity == 0 &&
				input.Metadata["outcome"] == "failed" &&
				input.Metadata["error"] == "upstream exploded"
		})).Return(&appmetering.TrackUsageResult{}, nil)

		opErr := errors.New("upstream exploded")
		result, err := env.enforcer.EnforceAndRun(ctx, tenantID, metering.ActionUpload, 3, func(context.Context) error {
			return opErr
		})

		assert.Equal(t, opErr, err)
		assert.True(t, result.Allowed, "admission already happened")
		env.recorder.AssertExpectations(t)
	})

	t.Run("recording failures never fail the call", func(t *testing.T) {
		env := newEnforcerTestEnv(t)
		allowEverything(env, 1)
		env.recorder.On("TrackUsage", mock.Anything, mock.Anything).
			Return(nil, errors.New("ledger down"))

		result, err := env.enforcer.EnforceAndRun(ctx, tenantID, metering.ActionUpload, 1, func(context.Context) error {
			return nil
		})

		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("rejects a nil operation", func(t *testing.T) {
		env := newEnforcerTestEnv(t)

		_, err := env.enforcer.EnforceAndRun(ctx, tenantID, metering.ActionUpload, 1, nil)

		assert.ErrorContains(t, err, "Operation")
		env.entitlements.AssertNotCalled(t, "HasFeatureAccess", mock.Anything, mock.Anything, mock.Anything)
	})
}

// Six simultaneous attempts against a limit of five must admit exactly
// five, with the denied attempt told when to retry. Uses the real
// limiter and in-memory store so the atomicity of the admission path is
// what is under test.
func TestEnforcer_ConcurrentRateAdmission(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	store := cache.NewMemoryCounterStore()
	t.Cleanup(func() { _ = store.Close() })

	rules, err := ratelimit.NewRuleTable(map[metering.ActionKind]ratelimit.Rule{
		metering.ActionMessage: {Limit: 5, Window: 60 * time.Second, Algorithm: ratelimit.AlgorithmSlidingWindow},
	})
	require.NoError(t, err)

	entitlements := new(MockEntitlementGate)
	quota := billing.EvaluateLimit(billing.TierPro, billing.ResourceChatMessages, 0, 1, 1000)
	entitlements.On("HasFeatureAccess", mock.Anything, tenantID, billing.FeatureChatStreaming).
		Return(grantFeature(billing.TierPro, billing.FeatureChatStreaming), nil)
	entitlements.On("CheckUsageLimit", mock.Anything, tenantID, metering.ActionMessage, int64(1)).
		Return(&quota, nil)

	enforcer, err := NewEnforcer(entitlements, ratelimit.NewLimiter(store), new(MockUsageRecorder), rules, zap.NewNop())
	require.NoError(t, err)

	const attempts = 6
	results := make([]*Result, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = enforcer.Check(ctx, tenantID, metering.ActionMessage, 1)
		}(i)
	}
	wg.Wait()

	allowed := 0
	for i, result := range results {
		require.NoError(t, errs[i])
		if result.Allowed {
			allowed++
			continue
		}
		assert.Equal(t, DenialRateLimited, result.Denial)
		assert.Greater(t, result.RetryAfter, time.Duration(0))
	}
	assert.Equal(t, 5, allowed, "exactly the rate limit admitted under contention")
}
