package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier_IsValid(t *testing.T) {
	for _, tier := range AllTiers() {
		assert.True(t, tier.IsValid(), "expected %s to be valid", tier)
	}

	assert.False(t, Tier("").IsValid())
	assert.False(t, Tier("enterprise").IsValid())
	assert.False(t, Tier("FREE").IsValid())
}

func TestTier_Rank(t *testing.T) {
	assert.Less(t, TierFree.Rank(), TierPro.Rank())
	assert.Less(t, TierPro.Rank(), TierProBYOK.Rank())
	assert.Equal(t, -1, Tier("bogus").Rank())
}

func TestTier_Next(t *testing.T) {
	assert.Equal(t, TierPro, TierFree.Next())
	assert.Equal(t, TierProBYOK, TierPro.Next())

	t.Run("top tier has no upgrade", func(t *testing.T) {
		assert.Equal(t, TierProBYOK, TierProBYOK.Next())
	})
}

func TestTier_IsDowngradeFrom(t *testing.T) {
	assert.True(t, TierFree.IsDowngradeFrom(TierPro))
	assert.True(t, TierPro.IsDowngradeFrom(TierProBYOK))
	assert.False(t, TierPro.IsDowngradeFrom(TierFree))
	assert.False(t, TierPro.IsDowngradeFrom(TierPro))
}

func TestParseTier(t *testing.T) {
	t.Run("parses valid tiers", func(t *testing.T) {
		tier, err := ParseTier("pro_byok")

		require.NoError(t, err)
		assert.Equal(t, TierProBYOK, tier)
	})

	t.Run("rejects unknown tiers", func(t *testing.T) {
		_, err := ParseTier("platinum")

		assert.Error(t, err)
	})
}
