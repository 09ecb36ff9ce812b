package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
	infrabilling "github.com/briefly/metering/internal/infrastructure/billing"
)

// WebhookService handles Stripe webhook events and folds them into
// local subscription state. Processing is idempotent: applying the
// same provider state twice is a no-op, so Stripe retries are safe.
type WebhookService struct {
	config        *infrabilling.StripeConfig
	subscriptions *SubscriptionService
	logger        *zap.Logger
}

// NewWebhookService creates a new WebhookService
func NewWebhookService(
	config *infrabilling.StripeConfig,
	subscriptions *SubscriptionService,
	logger *zap.Logger,
) *WebhookService {
	return &WebhookService{
		config:        config,
		subscriptions: subscriptions,
		logger:        logger,
	}
}

// WebhookResult contains the result of processing a webhook
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Processed bool   `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// ProcessWebhook verifies and processes a Stripe webhook event
func (s *WebhookService) ProcessWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	// Verify webhook signature
	event, err := webhook.ConstructEvent(payload, signature, s.config.WebhookSecret)
	if err != nil {
		s.logger.Error("Failed to verify webhook signature",
			zap.Error(err))
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}

	s.logger.Info("Processing Stripe webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))

	result := &WebhookResult{
		EventID:   event.ID,
		EventType: string(event.Type),
		Processed: true,
	}

	switch event.Type {
	case "customer.subscription.created":
		err = s.handleSubscriptionCreated(ctx, event)
	case "customer.subscription.updated":
		err = s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = s.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid":
		err = s.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		err = s.handleInvoicePaymentFailed(ctx, event)
	default:
		s.logger.Debug("Unhandled webhook event type",
			zap.String("event_type", string(event.Type)))
		result.Message = "Event type not handled"
	}

	if err != nil {
		s.logger.Error("Failed to process webhook event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		result.Processed = false
		result.Message = err.Error()
		return result, err
	}

	return result, nil
}

// handleSubscriptionCreated handles customer.subscription.created events.
// Subscriptions created through our checkout flow carry the tenant ID in
// their metadata; those get their provider refs attached before the
// state is folded in.
func (s *WebhookService) handleSubscriptionCreated(ctx context.Context, event stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	customerID := ""
	if subscription.Customer != nil {
		customerID = subscription.Customer.ID
	}

	s.logger.Info("Handling subscription created",
		zap.String("subscription_id", subscription.ID),
		zap.String("customer_id", customerID),
		zap.String("status", string(subscription.Status)))

	if raw, ok := subscription.Metadata["tenant_id"]; ok {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			s.logger.Warn("Subscription metadata carries invalid tenant ID",
				zap.String("subscription_id", subscription.ID),
				zap.String("tenant_id", raw))
		} else if err := s.subscriptions.AttachProviderRefs(ctx, tenantID, customerID, subscription.ID); err != nil {
			return fmt.Errorf("failed to attach provider refs: %w", err)
		}
	}

	return s.subscriptions.ApplyProviderUpdate(ctx, s.providerUpdate(&subscription, customerID))
}

// handleSubscriptionUpdated handles customer.subscription.updated events
func (s *WebhookService) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	customerID := ""
	if subscription.Customer != nil {
		customerID = subscription.Customer.ID
	}

	s.logger.Info("Handling subscription updated",
		zap.String("subscription_id", subscription.ID),
		zap.String("status", string(subscription.Status)))

	return s.subscriptions.ApplyProviderUpdate(ctx, s.providerUpdate(&subscription, customerID))
}

// handleSubscriptionDeleted handles customer.subscription.deleted
// events. The tenant drops to the free tier; the recorded tier change
// starts the downgrade grace window.
func (s *WebhookService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	s.logger.Info("Handling subscription deleted",
		zap.String("subscription_id", subscription.ID))

	return s.subscriptions.ApplyProviderUpdate(ctx, billing.ProviderSubscription{
		SubscriptionID: subscription.ID,
		Tier:           billing.TierFree,
		Status:         billing.SubscriptionStatusCanceled,
	})
}

// handleInvoicePaid handles invoice.paid events. A paid invoice
// reactivates consumption after a payment recovery.
func (s *WebhookService) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	if invoice.Subscription == nil {
		s.logger.Debug("Invoice is not for a subscription, skipping",
			zap.String("invoice_id", invoice.ID))
		return nil
	}

	s.logger.Info("Handling invoice paid",
		zap.String("invoice_id", invoice.ID),
		zap.String("subscription_id", invoice.Subscription.ID))

	return s.subscriptions.ApplyProviderUpdate(ctx, billing.ProviderSubscription{
		SubscriptionID: invoice.Subscription.ID,
		Status:         billing.SubscriptionStatusActive,
	})
}

// handleInvoicePaymentFailed handles invoice.payment_failed events.
// The subscription moves to past_due, which the enforcement gate
// denies before any limit is evaluated.
func (s *WebhookService) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	if invoice.Subscription == nil {
		s.logger.Debug("Invoice is not for a subscription, skipping",
			zap.String("invoice_id", invoice.ID))
		return nil
	}

	s.logger.Warn("Invoice payment failed",
		zap.String("invoice_id", invoice.ID),
		zap.String("subscription_id", invoice.Subscription.ID))

	return s.subscriptions.ApplyProviderUpdate(ctx, billing.ProviderSubscription{
		SubscriptionID: invoice.Subscription.ID,
		Status:         billing.SubscriptionStatusPastDue,
	})
}

// providerUpdate projects a Stripe subscription onto the
// provider-neutral update shape.
func (s *WebhookService) providerUpdate(subscription *stripe.Subscription, customerID string) billing.ProviderSubscription {
	update := billing.ProviderSubscription{
		CustomerID:        customerID,
		SubscriptionID:    subscription.ID,
		Tier:              s.tierFromSubscription(subscription),
		Status:            infrabilling.MapSubscriptionStatus(subscription.Status),
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
	}
	if subscription.CurrentPeriodStart > 0 {
		update.PeriodStart = time.Unix(subscription.CurrentPeriodStart, 0)
	}
	if subscription.CurrentPeriodEnd > 0 {
		update.PeriodEnd = time.Unix(subscription.CurrentPeriodEnd, 0)
	}
	return update
}

// tierFromSubscription derives the tier from subscription metadata,
// falling back to the price-to-tier mapping. Subscriptions on unknown
// prices yield an empty tier, which leaves the local tier untouched.
func (s *WebhookService) tierFromSubscription(subscription *stripe.Subscription) billing.Tier {
	if name, ok := subscription.Metadata["tier"]; ok {
		if tier, err := billing.ParseTier(name); err == nil {
			return tier
		}
		s.logger.Warn("Subscription metadata carries unknown tier",
			zap.String("subscription_id", subscription.ID),
			zap.String("tier", name))
	}
	if subscription.Items != nil && len(subscription.Items.Data) > 0 && subscription.Items.Data[0].Price != nil {
		if tier, ok := s.config.TierForPrice(subscription.Items.Data[0].Price.ID); ok {
			return tier
		}
	}
	return ""
}
