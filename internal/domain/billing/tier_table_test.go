package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTierTable(t *testing.T) {
	t.Run("accepts a complete table", func(t *testing.T) {
		table, err := NewTierTable(map[Tier]LimitSet{
			TierFree:    {Documents: 1, ChatMessages: 1, APICalls: 1, StorageBytes: 1},
			TierPro:     {Documents: 2, ChatMessages: 2, APICalls: 2, StorageBytes: 2},
			TierProBYOK: {Documents: Unlimited, ChatMessages: Unlimited, APICalls: Unlimited, StorageBytes: Unlimited},
		})

		require.NoError(t, err)
		assert.Equal(t, int64(2), table.LimitFor(TierPro, ResourceDocuments))
	})

	t.Run("rejects a table missing a tier", func(t *testing.T) {
		_, err := NewTierTable(map[Tier]LimitSet{
			TierFree: {Documents: 1, ChatMessages: 1, APICalls: 1, StorageBytes: 1},
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing tier")
	})

	t.Run("rejects invalid limit values", func(t *testing.T) {
		_, err := NewTierTable(map[Tier]LimitSet{
			TierFree:    {Documents: -5},
			TierPro:     {},
			TierProBYOK: {},
		})

		assert.Error(t, err)
	})

	t.Run("rejects unknown tiers", func(t *testing.T) {
		_, err := NewTierTable(map[Tier]LimitSet{
			TierFree:          {},
			TierPro:           {},
			TierProBYOK:       {},
			Tier("enterprise"): {},
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown tier")
	})
}

func TestDefaultTierTable(t *testing.T) {
	table := DefaultTierTable()

	t.Run("free tier limits", func(t *testing.T) {
		limits := table.Limits(TierFree)

		assert.Equal(t, int64(10), limits.Documents)
		assert.Equal(t, int64(100), limits.ChatMessages)
		assert.Equal(t, int64(1000), limits.APICalls)
		assert.Equal(t, int64(100*1024*1024), limits.StorageBytes)
	})

	t.Run("pro tier limits", func(t *testing.T) {
		limits := table.Limits(TierPro)

		assert.Equal(t, int64(1000), limits.Documents)
		assert.Equal(t, int64(1000), limits.ChatMessages)
		assert.Equal(t, int64(10000), limits.APICalls)
		assert.Equal(t, int64(10*1024*1024*1024), limits.StorageBytes)
	})

	t.Run("pro byok tier limits", func(t *testing.T) {
		limits := table.Limits(TierProBYOK)

		assert.Equal(t, int64(10000), limits.Documents)
		assert.Equal(t, int64(5000), limits.ChatMessages)
		assert.Equal(t, int64(50000), limits.APICalls)
		assert.Equal(t, int64(100*1024*1024*1024), limits.StorageBytes)
	})

	t.Run("unknown tier falls back to free limits", func(t *testing.T) {
		limits := table.Limits(Tier("corrupted"))

		assert.Equal(t, table.Limits(TierFree), limits)
	})
}
