package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTenantSubscription(t *testing.T) {
	t.Run("creates a free active subscription", func(t *testing.T) {
		tenantID := uuid.New()

		sub, err := NewTenantSubscription(tenantID)

		require.NoError(t, err)
		assert.Equal(t, tenantID, sub.TenantID)
		assert.Equal(t, TierFree, sub.Tier)
		assert.Equal(t, SubscriptionStatusActive, sub.Status)
		assert.True(t, sub.CanConsume())
		assert.True(t, sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart))
	})

	t.Run("rejects a nil tenant", func(t *testing.T) {
		_, err := NewTenantSubscription(uuid.Nil)

		assert.Error(t, err)
	})
}

func TestSubscriptionStatus_CanConsume(t *testing.T) {
	assert.True(t, SubscriptionStatusActive.CanConsume())
	assert.True(t, SubscriptionStatusTrialing.CanConsume())

	t.Run("every other status denies", func(t *testing.T) {
		assert.False(t, SubscriptionStatusPastDue.CanConsume())
		assert.False(t, SubscriptionStatusCanceled.CanConsume())
		assert.False(t, SubscriptionStatusUnpaid.CanConsume())
		assert.False(t, SubscriptionStatusIncomplete.CanConsume())
	})
}

func TestTenantSubscription_ChangeTier(t *testing.T) {
	t.Run("records the previous tier and change instant", func(t *testing.T) {
		sub, err := NewTenantSubscription(uuid.New())
		require.NoError(t, err)
		sub.WithTier(TierPro)
		changedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, sub.ChangeTier(TierFree, changedAt))

		assert.Equal(t, TierFree, sub.Tier)
		require.NotNil(t, sub.PreviousTier)
		assert.Equal(t, TierPro, *sub.PreviousTier)
		require.NotNil(t, sub.TierChangedAt)
		assert.Equal(t, changedAt, *sub.TierChangedAt)
		assert.True(t, sub.IsDowngraded())
	})

	t.Run("upgrade is not a downgrade", func(t *testing.T) {
		sub, err := NewTenantSubscription(uuid.New())
		require.NoError(t, err)

		require.NoError(t, sub.ChangeTier(TierPro, time.Now()))

		assert.False(t, sub.IsDowngraded())
	})

	t.Run("same tier is a no-op", func(t *testing.T) {
		sub, err := NewTenantSubscription(uuid.New())
		require.NoError(t, err)

		require.NoError(t, sub.ChangeTier(TierFree, time.Now()))

		assert.Nil(t, sub.PreviousTier)
	})

	t.Run("rejects unknown tiers", func(t *testing.T) {
		sub, err := NewTenantSubscription(uuid.New())
		require.NoError(t, err)

		assert.Error(t, sub.ChangeTier(Tier("platinum"), time.Now()))
	})
}

func TestTenantSubscription_InDowngradeGrace(t *testing.T) {
	grace := 72 * time.Hour

	newDowngraded := func(t *testing.T, changedAt time.Time) *TenantSubscription {
		t.Helper()
		sub, err := NewTenantSubscription(uuid.New())
		require.NoError(t, err)
		sub.WithTier(TierPro)
		require.NoError(t, sub.ChangeTier(TierFree, changedAt))
		return sub
	}

	t.Run("inside the window", func(t *testing.T) {
		changedAt := time.Now().Add(-time.Hour)
		sub := newDowngraded(t, changedAt)

		assert.True(t, sub.InDowngradeGrace(grace, time.Now()))
		assert.Equal(t, changedAt.UTC().Add(grace), sub.GraceEndsAt(grace))
	})

	t.Run("after the window", func(t *testing.T) {
		sub := newDowngraded(t, time.Now().Add(-100*time.Hour))

		assert.False(t, sub.InDowngradeGrace(grace, time.Now()))
	})

	t.Run("no grace without a downgrade", func(t *testing.T) {
		sub, err := NewTenantSubscription(uuid.New())
		require.NoError(t, err)
		require.NoError(t, sub.ChangeTier(TierPro, time.Now()))

		assert.False(t, sub.InDowngradeGrace(grace, time.Now()))
		assert.True(t, sub.GraceEndsAt(grace).IsZero())
	})
}

func TestTenantSubscription_PeriodContains(t *testing.T) {
	sub, err := NewTenantSubscription(uuid.New())
	require.NoError(t, err)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	sub.WithPeriod(start, end)

	assert.True(t, sub.PeriodContains(start))
	assert.True(t, sub.PeriodContains(start.Add(15*24*time.Hour)))
	assert.False(t, sub.PeriodContains(end))
	assert.False(t, sub.PeriodContains(start.Add(-time.Second)))
}
