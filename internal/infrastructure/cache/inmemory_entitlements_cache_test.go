package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefly/metering/internal/domain/billing"
)

func testEntitlements(t *testing.T, tenantID uuid.UUID, tier billing.Tier) *billing.TenantEntitlements {
	t.Helper()

	sub, err := billing.NewTenantSubscription(tenantID)
	require.NoError(t, err)
	require.NoError(t, sub.ChangeTier(tier, time.Now().UTC()))

	entitlements := billing.BuildEntitlements(sub, billing.DefaultTierTable(), nil, nil, 0, time.Now().UTC())
	return &entitlements
}

func TestInMemoryEntitlementsCache_GetSet(t *testing.T) {
	cache := NewInMemoryEntitlementsCache()
	defer cache.Close()

	ctx := context.Background()
	tenantID := uuid.New()

	t.Run("miss on empty cache", func(t *testing.T) {
		got, err := cache.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("hit after set", func(t *testing.T) {
		entitlements := testEntitlements(t, tenantID, billing.TierPro)
		require.NoError(t, cache.Set(ctx, entitlements, time.Minute))

		got, err := cache.Get(ctx, tenantID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, billing.TierPro, got.Tier)
		assert.Equal(t, tenantID, got.TenantID)
	})

	t.Run("nil entitlements are ignored", func(t *testing.T) {
		assert.NoError(t, cache.Set(ctx, nil, time.Minute))
	})

	t.Run("zero ttl falls back to config", func(t *testing.T) {
		other := uuid.New()
		require.NoError(t, cache.Set(ctx, testEntitlements(t, other, billing.TierFree), 0))

		got, err := cache.Get(ctx, other)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}

func TestInMemoryEntitlementsCache_Expiry(t *testing.T) {
	cache := NewInMemoryEntitlementsCache()
	defer cache.Close()

	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, cache.Set(ctx, testEntitlements(t, tenantID, billing.TierPro), 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	got, err := cache.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry should read as a miss")
}

func TestInMemoryEntitlementsCache_Invalidate(t *testing.T) {
	cache := NewInMemoryEntitlementsCache()
	defer cache.Close()

	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, cache.Set(ctx, testEntitlements(t, tenantID, billing.TierPro), time.Minute))
	require.NoError(t, cache.Invalidate(ctx, tenantID))

	got, err := cache.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInMemoryEntitlementsCache_InvalidateAll(t *testing.T) {
	cache := NewInMemoryEntitlementsCache()
	defer cache.Close()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Set(ctx, testEntitlements(t, uuid.New(), billing.TierFree), time.Minute))
	}
	require.Equal(t, 5, cache.Count())

	require.NoError(t, cache.InvalidateAll(ctx))

	assert.Equal(t, 0, cache.Count())
}

func TestInMemoryEntitlementsCache_Stats(t *testing.T) {
	cache := NewInMemoryEntitlementsCache()
	defer cache.Close()

	ctx := context.Background()
	tenantID := uuid.New()

	// One miss
	_, err := cache.Get(ctx, tenantID)
	require.NoError(t, err)

	// One hit
	require.NoError(t, cache.Set(ctx, testEntitlements(t, tenantID, billing.TierPro), time.Minute))
	_, err = cache.Get(ctx, tenantID)
	require.NoError(t, err)

	hits, misses := cache.GetStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	cache.ResetStats()
	hits, misses = cache.GetStats()
	assert.Equal(t, int64(0), hits)
	assert.Equal(t, int64(0), misses)
}

func TestInMemoryEntitlementsCache_Cleanup(t *testing.T) {
	cache := NewInMemoryEntitlementsCache()
	defer cache.Close()

	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, testEntitlements(t, uuid.New(), billing.TierFree), 10*time.Millisecond))
	require.NoError(t, cache.Set(ctx, testEntitlements(t, uuid.New(), billing.TierPro), time.Hour))
	require.Equal(t, 2, cache.Count())

	time.Sleep(20 * time.Millisecond)
	cache.doCleanup()

	assert.Equal(t, 1, cache.Count(), "only the long-lived entry should survive cleanup")
}

func TestInMemoryEntitlementsCache_Close(t *testing.T) {
	cache := NewInMemoryEntitlementsCache()

	err := cache.Close()
	assert.NoError(t, err)

	// Multiple closes should be safe
	err = cache.Close()
	assert.NoError(t, err)
}
