package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// TenantLimitOverrideModelSQLite is a SQLite-compatible version of TenantLimitOverrideModel for testing
type TenantLimitOverrideModelSQLite struct {
	ID        string `gorm:"primaryKey"`
	TenantID  string `gorm:"uniqueIndex:idx_limit_overrides_tenant_resource,priority:1;not null"`
	Resource  string `gorm:"uniqueIndex:idx_limit_overrides_tenant_resource,priority:2;not null"`
	Limit     int64  `gorm:"column:limit_value;not null"`
	Reason    string
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TenantLimitOverrideModelSQLite) TableName() string {
	return "tenant_limit_overrides"
}

// TenantFeatureOverrideModelSQLite is a SQLite-compatible version of TenantFeatureOverrideModel for testing
type TenantFeatureOverrideModelSQLite struct {
	ID         string `gorm:"primaryKey"`
	TenantID   string `gorm:"uniqueIndex:idx_feature_overrides_tenant_key,priority:1;not null"`
	FeatureKey string `gorm:"uniqueIndex:idx_feature_overrides_tenant_key,priority:2;not null"`
	Enabled    bool
	Reason     string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (TenantFeatureOverrideModelSQLite) TableName() string {
	return "tenant_feature_overrides"
}

func setupOverrideTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// Auto-migrate the SQLite-compatible models
	err = db.AutoMigrate(&TenantLimitOverrideModelSQLite{}, &TenantFeatureOverrideModelSQLite{})
	require.NoError(t, err)

	return db
}

func TestOverrideRepository_LimitOverrides(t *testing.T) {
	db := setupOverrideTestDB(t)
	repo := NewOverrideRepository(db)
	ctx := context.Background()

	t.Run("saves and finds a limit override", func(t *testing.T) {
		tenantID := uuid.New()

		override, err := billing.NewLimitOverride(tenantID, billing.ResourceDocuments, 500)
		require.NoError(t, err)
		override.WithReason("pilot customer")

		require.NoError(t, repo.SaveLimitOverride(ctx, override))

		found, err := repo.FindLimitOverride(ctx, tenantID, billing.ResourceDocuments)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, override.ID, found.ID)
		assert.Equal(t, int64(500), found.Limit)
		assert.Equal(t, "pilot customer", found.Reason)
		assert.Nil(t, found.ExpiresAt)
	})

	t.Run("returns nil when no override exists", func(t *testing.T) {
		found, err := repo.FindLimitOverride(ctx, uuid.New(), billing.ResourceDocuments)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("re-saving replaces the existing override", func(t *testing.T) {
		tenantID := uuid.New()

		first, err := billing.NewLimitOverride(tenantID, billing.ResourceChatMessages, 100)
		require.NoError(t, err)
		require.NoError(t, repo.SaveLimitOverride(ctx, first))

		second, err := billing.NewLimitOverride(tenantID, billing.ResourceChatMessages, billing.Unlimited)
		require.NoError(t, err)
		second.WithReason("support escalation")
		require.NoError(t, repo.SaveLimitOverride(ctx, second))

		found, err := repo.FindLimitOverride(ctx, tenantID, billing.ResourceChatMessages)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, billing.Unlimited, found.Limit)
		assert.Equal(t, "support escalation", found.Reason)

		all, err := repo.FindLimitOverrides(ctx, tenantID)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("lists all overrides for a tenant", func(t *testing.T) {
		tenantID := uuid.New()

		for _, resource := range []billing.ResourceKind{
			billing.ResourceDocuments,
			billing.ResourceAPICalls,
		} {
			override, err := billing.NewLimitOverride(tenantID, resource, 1000)
			require.NoError(t, err)
			require.NoError(t, repo.SaveLimitOverride(ctx, override))
		}

		all, err := repo.FindLimitOverrides(ctx, tenantID)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("deletes an override", func(t *testing.T) {
		tenantID := uuid.New()

		override, err := billing.NewLimitOverride(tenantID, billing.ResourceStorageBytes, 1<<30)
		require.NoError(t, err)
		require.NoError(t, repo.SaveLimitOverride(ctx, override))

		require.NoError(t, repo.DeleteLimitOverride(ctx, tenantID, billing.ResourceStorageBytes))

		found, err := repo.FindLimitOverride(ctx, tenantID, billing.ResourceStorageBytes)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("delete returns not found when nothing matches", func(t *testing.T) {
		err := repo.DeleteLimitOverride(ctx, uuid.New(), billing.ResourceDocuments)
		assert.Equal(t, shared.ErrNotFound, err)
	})
}

func TestOverrideRepository_FeatureOverrides(t *testing.T) {
	db := setupOverrideTestDB(t)
	repo := NewOverrideRepository(db)
	ctx := context.Background()

	t.Run("saves and finds a feature override", func(t *testing.T) {
		tenantID := uuid.New()

		override, err := billing.NewFeatureOverride(tenantID, billing.FeatureAPIAccess, true)
		require.NoError(t, err)
		override.WithReason("beta program")

		require.NoError(t, repo.SaveFeatureOverride(ctx, override))

		found, err := repo.FindFeatureOverride(ctx, tenantID, billing.FeatureAPIAccess)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, override.ID, found.ID)
		assert.True(t, found.Enabled)
		assert.Equal(t, "beta program", found.Reason)
	})

	t.Run("returns nil when no override exists", func(t *testing.T) {
		found, err := repo.FindFeatureOverride(ctx, uuid.New(), billing.FeatureAPIAccess)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("re-saving flips the flag in place", func(t *testing.T) {
		tenantID := uuid.New()

		on, err := billing.NewFeatureOverride(tenantID, billing.FeatureBulkExport, true)
		require.NoError(t, err)
		require.NoError(t, repo.SaveFeatureOverride(ctx, on))

		off, err := billing.NewFeatureOverride(tenantID, billing.FeatureBulkExport, false)
		require.NoError(t, err)
		require.NoError(t, repo.SaveFeatureOverride(ctx, off))

		found, err := repo.FindFeatureOverride(ctx, tenantID, billing.FeatureBulkExport)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.False(t, found.Enabled)

		all, err := repo.FindFeatureOverrides(ctx, tenantID)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("deletes an override", func(t *testing.T) {
		tenantID := uuid.New()

		override, err := billing.NewFeatureOverride(tenantID, billing.FeatureAPIAccess, true)
		require.NoError(t, err)
		require.NoError(t, repo.SaveFeatureOverride(ctx, override))

		require.NoError(t, repo.DeleteFeatureOverride(ctx, tenantID, billing.FeatureAPIAccess))

		err = repo.DeleteFeatureOverride(ctx, tenantID, billing.FeatureAPIAccess)
		assert.Equal(t, shared.ErrNotFound, err)
	})
}

func TestOverrideRepository_DeleteExpired(t *testing.T) {
	db := setupOverrideTestDB(t)
	repo := NewOverrideRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	tenantID := uuid.New()

	expired, err := billing.NewLimitOverride(tenantID, billing.ResourceDocuments, 500)
	require.NoError(t, err)
	expired.WithExpiry(now.Add(-time.Hour))
	require.NoError(t, repo.SaveLimitOverride(ctx, expired))

	current, err := billing.NewLimitOverride(tenantID, billing.ResourceAPICalls, 500)
	require.NoError(t, err)
	current.WithExpiry(now.Add(time.Hour))
	require.NoError(t, repo.SaveLimitOverride(ctx, current))

	permanent, err := billing.NewFeatureOverride(tenantID, billing.FeatureAPIAccess, true)
	require.NoError(t, err)
	require.NoError(t, repo.SaveFeatureOverride(ctx, permanent))

	expiredFeature, err := billing.NewFeatureOverride(tenantID, billing.FeatureBulkExport, true)
	require.NoError(t, err)
	expiredFeature.WithExpiry(now.Add(-time.Minute))
	require.NoError(t, repo.SaveFeatureOverride(ctx, expiredFeature))

	t.Run("removes expired overrides of both kinds", func(t *testing.T) {
		deleted, err := repo.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		// The unexpired and permanent overrides survive
		limits, err := repo.FindLimitOverrides(ctx, tenantID)
		require.NoError(t, err)
		assert.Len(t, limits, 1)

		features, err := repo.FindFeatureOverrides(ctx, tenantID)
		require.NoError(t, err)
		assert.Len(t, features, 1)
	})
}
