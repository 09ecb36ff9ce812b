package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateLimit(t *testing.T) {
	t.Run("allows usage under the limit", func(t *testing.T) {
		result := EvaluateLimit(TierFree, ResourceDocuments, 3, 1, 10)

		assert.True(t, result.Allowed)
		assert.Equal(t, int64(3), result.Current)
		assert.Equal(t, int64(10), result.Limit)
		assert.Equal(t, int64(7), result.Remaining)
		assert.InDelta(t, 30.0, result.PercentUsed, 0.01)
		assert.Equal(t, SeverityOK, result.Severity)
		assert.Equal(t, DenialNone, result.Reason)
	})

	t.Run("denies when the limit is reached", func(t *testing.T) {
		result := EvaluateLimit(TierFree, ResourceDocuments, 10, 1, 10)

		assert.False(t, result.Allowed)
		assert.Equal(t, DenialLimitExceeded, result.Reason)
		assert.Equal(t, int64(10), result.Current)
		assert.Equal(t, int64(10), result.Limit)
		assert.Equal(t, int64(0), result.Remaining)
		assert.Equal(t, SeverityExceeded, result.Severity)
	})

	t.Run("admits exactly up to the limit", func(t *testing.T) {
		assert.True(t, EvaluateLimit(TierFree, ResourceDocuments, 9, 1, 10).Allowed)
		assert.False(t, EvaluateLimit(TierFree, ResourceDocuments, 9, 2, 10).Allowed)
	})

	t.Run("denies multi-unit requests that would overshoot", func(t *testing.T) {
		result := EvaluateLimit(TierPro, ResourceAPICalls, 9995, 10, 10000)

		assert.False(t, result.Allowed)
		assert.Equal(t, int64(5), result.Remaining)
	})

	t.Run("unlimited always admits", func(t *testing.T) {
		result := EvaluateLimit(TierProBYOK, ResourceAPICalls, 1_000_000_000, 1, Unlimited)

		assert.True(t, result.Allowed)
		assert.True(t, result.Unlimited)
		assert.Equal(t, Unlimited, result.Remaining)
		assert.Equal(t, float64(0), result.PercentUsed)
		assert.Equal(t, SeverityOK, result.Severity)
	})

	t.Run("zero limit denies any consumption", func(t *testing.T) {
		result := EvaluateLimit(TierFree, ResourceDocuments, 0, 1, 0)

		assert.False(t, result.Allowed)
		assert.Equal(t, int64(0), result.Remaining)
	})

	t.Run("warning severity at eighty percent", func(t *testing.T) {
		result := EvaluateLimit(TierFree, ResourceChatMessages, 80, 1, 100)

		assert.True(t, result.Allowed)
		assert.Equal(t, SeverityWarning, result.Severity)
		assert.True(t, result.ShouldRecommendUpgrade())
	})

	t.Run("critical severity at ninety five percent", func(t *testing.T) {
		result := EvaluateLimit(TierFree, ResourceChatMessages, 95, 1, 100)

		assert.True(t, result.Allowed)
		assert.Equal(t, SeverityCritical, result.Severity)
	})

	t.Run("remaining never goes negative", func(t *testing.T) {
		result := EvaluateLimit(TierFree, ResourceDocuments, 15, 1, 10)

		assert.Equal(t, int64(0), result.Remaining)
		assert.InDelta(t, 150.0, result.PercentUsed, 0.01)
	})
}

func TestLimitCheckResult_AdmitWithGrace(t *testing.T) {
	graceEnd := time.Now().Add(time.Hour)

	t.Run("converts a limit denial into an over-limit admission", func(t *testing.T) {
		denied := EvaluateLimit(TierFree, ResourceDocuments, 500, 1, 10)
		require.False(t, denied.Allowed)

		admitted := denied.AdmitWithGrace(graceEnd)

		assert.True(t, admitted.Allowed)
		assert.True(t, admitted.OverLimit)
		assert.Equal(t, DenialNone, admitted.Reason)
		require.NotNil(t, admitted.GraceEndsAt)
		assert.Equal(t, graceEnd, *admitted.GraceEndsAt)
	})

	t.Run("leaves allowed results alone", func(t *testing.T) {
		allowed := EvaluateLimit(TierFree, ResourceDocuments, 1, 1, 10)

		result := allowed.AdmitWithGrace(graceEnd)

		assert.False(t, result.OverLimit)
		assert.Nil(t, result.GraceEndsAt)
	})

	t.Run("leaves non-limit denials alone", func(t *testing.T) {
		denied := SubscriptionInactiveResult(TierPro, ResourceDocuments)

		result := denied.AdmitWithGrace(graceEnd)

		assert.False(t, result.Allowed)
		assert.Equal(t, DenialSubscriptionInactive, result.Reason)
	})
}

func TestLimitCheckResult_ShouldRecommendUpgrade(t *testing.T) {
	t.Run("recommends when warning and a higher tier exists", func(t *testing.T) {
		result := EvaluateLimit(TierFree, ResourceDocuments, 8, 1, 10)

		assert.True(t, result.ShouldRecommendUpgrade())
	})

	t.Run("no recommendation below the warn threshold", func(t *testing.T) {
		result := EvaluateLimit(TierFree, ResourceDocuments, 5, 1, 10)

		assert.False(t, result.ShouldRecommendUpgrade())
	})

	t.Run("no recommendation at the top tier", func(t *testing.T) {
		result := EvaluateLimit(TierProBYOK, ResourceDocuments, 9900, 1, 10000)

		assert.False(t, result.ShouldRecommendUpgrade())
	})

	t.Run("no recommendation for unlimited resources", func(t *testing.T) {
		result := EvaluateLimit(TierPro, ResourceAPICalls, 10, 1, Unlimited)

		assert.False(t, result.ShouldRecommendUpgrade())
	})
}

func TestCheckFeature(t *testing.T) {
	t.Run("free tier lacks api access", func(t *testing.T) {
		result := CheckFeature(TierFree, FeatureAPIAccess)

		assert.False(t, result.Allowed)
		assert.Equal(t, DenialFeatureNotAvailable, result.Reason)
	})

	t.Run("pro tier has api access", func(t *testing.T) {
		result := CheckFeature(TierPro, FeatureAPIAccess)

		assert.True(t, result.Allowed)
		assert.Equal(t, DenialNone, result.Reason)
	})

	t.Run("only byok tier has byok keys", func(t *testing.T) {
		assert.False(t, CheckFeature(TierFree, FeatureBYOKKeys).Allowed)
		assert.False(t, CheckFeature(TierPro, FeatureBYOKKeys).Allowed)
		assert.True(t, CheckFeature(TierProBYOK, FeatureBYOKKeys).Allowed)
	})
}
