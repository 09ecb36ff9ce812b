package billing

import (
	"fmt"
)

// TierTable maps every tier to its limit set. The table is loaded from
// configuration at startup and validated once; lookups after that are
// infallible.
type TierTable struct {
	limits map[Tier]LimitSet
}

// NewTierTable builds a validated tier table. Every known tier must be
// present and every limit set must be internally valid.
func NewTierTable(limits map[Tier]LimitSet) (*TierTable, error) {
	for _, tier := range AllTiers() {
		set, ok := limits[tier]
		if !ok {
			return nil, fmt.Errorf("tier table is missing tier %q", tier)
		}
		if err := set.Validate(); err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier, err)
		}
	}

	table := make(map[Tier]LimitSet, len(limits))
	for tier, set := range limits {
		if !tier.IsValid() {
			return nil, fmt.Errorf("tier table contains unknown tier %q", tier)
		}
		table[tier] = set
	}
	return &TierTable{limits: table}, nil
}

// Limits returns the limit set for the tier. Unknown tiers fall back to
// the free tier so that a corrupted subscription record degrades to the
// most restrictive enforcement instead of an open one.
func (t *TierTable) Limits(tier Tier) LimitSet {
	if set, ok := t.limits[tier]; ok {
		return set
	}
	return t.limits[TierFree]
}

// LimitFor returns the limit for a single resource under the tier
func (t *TierTable) LimitFor(tier Tier, kind ResourceKind) int64 {
	return t.Limits(tier).For(kind)
}

// DefaultTierTable returns the built-in limits used when configuration
// does not override them.
//
//	free:     10 documents, 100 chat messages, 1000 API calls, 100 MB
//	pro:      1000 documents, 1000 chat messages, 10000 API calls, 10 GB
//	pro_byok: 10000 documents, 5000 chat messages, 50000 API calls, 100 GB
func DefaultTierTable() *TierTable {
	table, err := NewTierTable(map[Tier]LimitSet{
		TierFree: {
			Documents:    10,
			ChatMessages: 100,
			APICalls:     1000,
			StorageBytes: 100 * 1024 * 1024,
		},
		TierPro: {
			Documents:    1000,
			ChatMessages: 1000,
			APICalls:     10000,
			StorageBytes: 10 * 1024 * 1024 * 1024,
		},
		TierProBYOK: {
			Documents:    10000,
			ChatMessages: 5000,
			APICalls:     50000,
			StorageBytes: 100 * 1024 * 1024 * 1024,
		},
	})
	if err != nil {
		// The built-in table is a compile-time constant; failing to
		// build it is a programming error.
		panic(err)
	}
	return table
}
