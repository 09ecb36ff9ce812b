package billing

import "fmt"

// Tier represents a subscription tier
type Tier string

const (
	// TierFree is the entry tier with tight limits
	TierFree Tier = "free"

	// TierPro is the paid tier with production-grade limits
	TierPro Tier = "pro"

	// TierProBYOK is the paid tier for tenants bringing their own
	// model provider keys, with the loosest limits
	TierProBYOK Tier = "pro_byok"
)

// String returns the string representation of the tier
func (t Tier) String() string {
	return string(t)
}

// IsValid returns true if the tier is a known tier
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierPro, TierProBYOK:
		return true
	}
	return false
}

// DisplayName returns a human-readable tier name
func (t Tier) DisplayName() string {
	switch t {
	case TierFree:
		return "Free"
	case TierPro:
		return "Pro"
	case TierProBYOK:
		return "Pro (BYOK)"
	default:
		return string(t)
	}
}

// Rank returns the ordering of the tier for upgrade and downgrade
// comparisons. Higher rank means a more generous tier.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPro:
		return 1
	case TierProBYOK:
		return 2
	default:
		return -1
	}
}

// Next returns the next tier up, or the same tier if already at the top
func (t Tier) Next() Tier {
	switch t {
	case TierFree:
		return TierPro
	case TierPro:
		return TierProBYOK
	default:
		return t
	}
}

// IsDowngradeFrom returns true if moving from the given tier to this
// tier reduces entitlements.
func (t Tier) IsDowngradeFrom(from Tier) bool {
	return t.Rank() < from.Rank()
}

// AllTiers returns all known tiers in ascending order
func AllTiers() []Tier {
	return []Tier{TierFree, TierPro, TierProBYOK}
}

// ParseTier parses a string into a Tier
func ParseTier(s string) (Tier, error) {
	tier := Tier(s)
	if !tier.IsValid() {
		return "", fmt.Errorf("invalid tier: %s", s)
	}
	return tier, nil
}
