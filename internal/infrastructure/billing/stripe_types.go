package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/briefly/metering/internal/domain/billing"
)

// CreateCustomerInput contains input for creating a Stripe customer
type CreateCustomerInput struct {
	TenantID    uuid.UUID
	Email       string
	Name        string
	Description string
	Metadata    map[string]string
}

// CreateCustomerOutput contains the result of creating a Stripe customer
type CreateCustomerOutput struct {
	CustomerID string
	Email      string
	Name       string
	CreatedAt  time.Time
}

// CreateSubscriptionInput contains input for creating a Stripe subscription
type CreateSubscriptionInput struct {
	TenantID         uuid.UUID
	CustomerID       string       // Stripe Customer ID
	Tier             billing.Tier // Target tier; resolved to a price via config
	PriceID          string       // Stripe Price ID (optional, looked up from config if empty)
	TrialDays        int          // Number of trial days (0 = no trial)
	Metadata         map[string]string
	PaymentMethod    string // Payment method ID for immediate charge
	CollectionMethod string // "charge_automatically" or "send_invoice"
}

// CreateSubscriptionOutput contains the result of creating a Stripe subscription
type CreateSubscriptionOutput struct {
	SubscriptionID     string
	CustomerID         string
	Status             billing.SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	ClientSecret       string // For incomplete subscriptions requiring payment
	LatestInvoiceID    string
}

// UpdateSubscriptionInput contains input for updating a Stripe subscription
type UpdateSubscriptionInput struct {
	TenantID          uuid.UUID
	SubscriptionID    string
	NewTier           billing.Tier // Target tier; resolved to a price via config
	NewPriceID        string       // New Stripe Price ID (optional)
	ProrationBehavior string       // "create_prorations", "none", "always_invoice"
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// UpdateSubscriptionOutput contains the result of updating a Stripe subscription
type UpdateSubscriptionOutput struct {
	SubscriptionID     string
	Status             billing.SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	PreviousPriceID    string
	NewPriceID         string
}

// CancelSubscriptionInput contains input for canceling a Stripe subscription
type CancelSubscriptionInput struct {
	TenantID          uuid.UUID
	SubscriptionID    string
	CancelAtPeriodEnd bool // If true, cancel at end of billing period; if false, cancel immediately
	Reason            string
}

// CancelSubscriptionOutput contains the result of canceling a Stripe subscription
type CancelSubscriptionOutput struct {
	SubscriptionID    string
	Status            billing.SubscriptionStatus
	CanceledAt        *time.Time
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
}

// GetSubscriptionStatusInput contains input for getting subscription status
type GetSubscriptionStatusInput struct {
	TenantID       uuid.UUID
	SubscriptionID string
}

// GetSubscriptionStatusOutput contains the subscription status details
type GetSubscriptionStatusOutput struct {
	SubscriptionID       string
	CustomerID           string
	Status               billing.SubscriptionStatus
	PriceID              string
	ProductID            string
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	TrialStart           *time.Time
	TrialEnd             *time.Time
	CancelAt             *time.Time
	CanceledAt           *time.Time
	CancelAtPeriodEnd    bool
	StartDate            time.Time
	EndedAt              *time.Time
	DaysUntilDue         int
	LatestInvoiceID      string
	DefaultPaymentMethod string
}
