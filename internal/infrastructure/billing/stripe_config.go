package billing

import (
	"fmt"

	"github.com/stripe/stripe-go/v81"

	"github.com/briefly/metering/internal/domain/billing"
)

// StripeConfig holds configuration for Stripe integration
type StripeConfig struct {
	// SecretKey is the Stripe secret API key (sk_test_xxx or sk_live_xxx)
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`

	// PublishableKey is the Stripe publishable key for frontend (pk_test_xxx or pk_live_xxx)
	PublishableKey string `json:"publishable_key" mapstructure:"publishable_key"`

	// WebhookSecret is the secret for verifying webhook signatures
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret"`

	// IsTestMode indicates if using Stripe test mode
	IsTestMode bool `json:"is_test_mode" mapstructure:"is_test_mode"`

	// DefaultCurrency is the default currency for subscriptions (e.g., "usd")
	DefaultCurrency string `json:"default_currency" mapstructure:"default_currency"`

	// PriceIDs maps tier names to Stripe Price IDs
	PriceIDs map[string]string `json:"price_ids" mapstructure:"price_ids"`

	// SuccessURL is the URL to redirect after successful checkout
	SuccessURL string `json:"success_url" mapstructure:"success_url"`

	// CancelURL is the URL to redirect after cancelled checkout
	CancelURL string `json:"cancel_url" mapstructure:"cancel_url"`

	// BillingPortalReturnURL is the return URL from Stripe billing portal
	BillingPortalReturnURL string `json:"billing_portal_return_url" mapstructure:"billing_portal_return_url"`
}

// DefaultStripeConfig returns a default configuration for development/testing
func DefaultStripeConfig() *StripeConfig {
	return &StripeConfig{
		IsTestMode:      true,
		DefaultCurrency: "usd",
		PriceIDs: map[string]string{
			billing.TierFree.String():    "", // Free tier has no Stripe price
			billing.TierPro.String():     "price_pro_monthly",
			billing.TierProBYOK.String(): "price_pro_byok_monthly",
		},
	}
}

// Validate validates the Stripe configuration
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}

	// Validate key format
	if c.IsTestMode {
		if len(c.SecretKey) > 7 && c.SecretKey[:7] != "sk_test" {
			return fmt.Errorf("stripe: test mode enabled but secret key is not a test key")
		}
	} else {
		if len(c.SecretKey) > 7 && c.SecretKey[:7] != "sk_live" {
			return fmt.Errorf("stripe: live mode enabled but secret key is not a live key")
		}
	}

	if c.DefaultCurrency == "" {
		return fmt.Errorf("stripe: default currency is required")
	}

	return nil
}

// GetPriceID returns the Stripe Price ID for a given tier
func (c *StripeConfig) GetPriceID(tier billing.Tier) (string, error) {
	priceID, exists := c.PriceIDs[tier.String()]
	if !exists {
		return "", fmt.Errorf("stripe: no price ID configured for tier: %s", tier)
	}
	if priceID == "" && tier != billing.TierFree {
		return "", fmt.Errorf("stripe: price ID not set for tier: %s", tier)
	}
	return priceID, nil
}

// TierForPrice resolves the tier a Stripe price belongs to. Used when
// folding provider subscription state back into local records.
func (c *StripeConfig) TierForPrice(priceID string) (billing.Tier, bool) {
	if priceID == "" {
		return "", false
	}
	for name, id := range c.PriceIDs {
		if id != priceID {
			continue
		}
		tier, err := billing.ParseTier(name)
		if err != nil {
			return "", false
		}
		return tier, true
	}
	return "", false
}

// InitStripeClient initializes the Stripe client with the configured API key
func (c *StripeConfig) InitStripeClient() {
	stripe.Key = c.SecretKey
}
