package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/shared"
	infrabilling "github.com/briefly/metering/internal/infrastructure/billing"
)

const webhookTestSecret = "whsec_0Zx4vLqSTp1KbFdeigJTJc7q"

type webhookTestEnv struct {
	repo      *MockSubscriptionRepository
	overrides *MockOverrideRepository
	cache     *MockEntitlementsCache
	publisher *capturingPublisher
	service   *WebhookService
}

func newWebhookTestEnv() *webhookTestEnv {
	env := &webhookTestEnv{
		repo:      new(MockSubscriptionRepository),
		overrides: new(MockOverrideRepository),
		cache:     new(MockEntitlementsCache),
		publisher: newCapturingPublisher(),
	}
	subscriptions := NewSubscriptionService(env.repo, env.overrides, new(MockProviderGateway), env.cache, env.publisher, zap.NewNop())
	config := &infrabilling.StripeConfig{
		SecretKey:       "sk_test_webhooks",
		WebhookSecret:   webhookTestSecret,
		IsTestMode:      true,
		DefaultCurrency: "usd",
		PriceIDs: map[string]string{
			billing.TierFree.String():    "",
			billing.TierPro.String():     "price_pro_monthly",
			billing.TierProBYOK.String(): "price_pro_byok_monthly",
		},
	}
	env.service = NewWebhookService(config, subscriptions, zap.NewNop())
	return env
}

// signWebhook computes the Stripe-Signature header the provider would
// attach to a delivery signed at the given instant.
func signWebhook(payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(webhookTestSecret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// webhookPayload wraps object in an event envelope carrying the
// library's pinned API version, as a real delivery would.
func webhookPayload(t *testing.T, eventType string, object interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_test_1",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)
	return payload
}

func webhookEvent(t *testing.T, eventType string, object interface{}) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripe.Event{
		ID:   "evt_test_1",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

// providerLinkedSubscription builds a subscription already attached to
// the provider refs used by the webhook fixtures.
func providerLinkedSubscription(t *testing.T, tenantID uuid.UUID, tier billing.Tier) *billing.TenantSubscription {
	t.Helper()
	return freeSubscription(t, tenantID).WithTier(tier).WithStripeRefs("cus_hook_1", "sub_hook_1")
}

func TestWebhookService_ProcessWebhook_SignatureVerification(t *testing.T) {
	ctx := context.Background()
	payload := webhookPayload(t, "customer.subscription.updated", &stripe.Subscription{ID: "sub_hook_1"})

	t.Run("malformed signature header is rejected", func(t *testing.T) {
		env := newWebhookTestEnv()

		result, err := env.service.ProcessWebhook(ctx, payload, "invalid_signature")

		require.Error(t, err)
		assert.Nil(t, result)
		assert.Contains(t, err.Error(), "webhook signature verification failed")
		env.repo.AssertNotCalled(t, "FindByStripeSubscription", mock.Anything, mock.Anything)
	})

	t.Run("replayed delivery outside the tolerance window is rejected", func(t *testing.T) {
		env := newWebhookTestEnv()

		result, err := env.service.ProcessWebhook(ctx, payload, signWebhook(payload, time.Now().Add(-2*time.Hour)))

		require.Error(t, err)
		assert.Nil(t, result)
		assert.Contains(t, err.Error(), "webhook signature verification failed")
		env.repo.AssertNotCalled(t, "FindByStripeSubscription", mock.Anything, mock.Anything)
	})
}

func TestWebhookService_ProcessWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("applies a subscription update end to end", func(t *testing.T) {
		env := newWebhookTestEnv()
		tenantID := uuid.New()
		subscription := providerLinkedSubscription(t, tenantID, billing.TierFree)

		now := time.Now().UTC()
		payload := webhookPayload(t, "customer.subscription.updated", &stripe.Subscription{
			ID:                 "sub_hook_1",
			Customer:           &stripe.Customer{ID: "cus_hook_1"},
			Status:             stripe.SubscriptionStatusActive,
			CurrentPeriodStart: now.Unix(),
			CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour).Unix(),
			Metadata:           map[string]string{"tier": "pro"},
		})

		env.repo.On("FindByStripeSubscription", ctx, "sub_hook_1").Return(subscription, nil)
		env.repo.On("Save", ctx, subscription).Return(nil)
		env.cache.On("Invalidate", ctx, tenantID).Return(nil)

		result, err := env.service.ProcessWebhook(ctx, payload, signWebhook(payload, time.Now()))
		require.NoError(t, err)

		assert.True(t, result.Processed)
		assert.Equal(t, "evt_test_1", result.EventID)
		assert.Equal(t, "customer.subscription.updated", result.EventType)
		assert.Equal(t, billing.TierPro, subscription.Tier)
		assert.Equal(t, billing.SubscriptionStatusActive, subscription.Status)

		env.publisher.waitForEvent(t)
		env.publisher.waitForEvent(t)
		assert.ElementsMatch(t,
			[]string{billing.EventTypeSubscriptionSynced, billing.EventTypeTierChanged},
			env.publisher.eventTypes())
		env.repo.AssertExpectations(t)
	})

	t.Run("unhandled event types are acknowledged", func(t *testing.T) {
		env := newWebhookTestEnv()
		payload := webhookPayload(t, "checkout.session.completed", map[string]interface{}{"id": "cs_test_1"})

		result, err := env.service.ProcessWebhook(ctx, payload, signWebhook(payload, time.Now()))
		require.NoError(t, err)

		assert.True(t, result.Processed)
		assert.Equal(t, "Event type not handled", result.Message)
		env.repo.AssertNotCalled(t, "FindByStripeSubscription", mock.Anything, mock.Anything)
	})

	t.Run("handler failure marks the event unprocessed", func(t *testing.T) {
		env := newWebhookTestEnv()
		payload := webhookPayload(t, "customer.subscription.updated", &stripe.Subscription{
			ID:       "sub_hook_1",
			Customer: &stripe.Customer{ID: "cus_hook_1"},
			Status:   stripe.SubscriptionStatusActive,
		})

		env.repo.On("FindByStripeSubscription", ctx, "sub_hook_1").Return(nil, errors.New("connection refused"))

		result, err := env.service.ProcessWebhook(ctx, payload, signWebhook(payload, time.Now()))
		require.Error(t, err)

		require.NotNil(t, result)
		assert.False(t, result.Processed)
		assert.NotEmpty(t, result.Message)
	})
}

func TestWebhookService_HandleSubscriptionCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("checkout metadata links the tenant before state is applied", func(t *testing.T) {
		env := newWebhookTestEnv()
		tenantID := uuid.New()
		subscription := freeSubscription(t, tenantID)

		now := time.Now().UTC()
		event := webhookEvent(t, "customer.subscription.created", &stripe.Subscription{
			ID:                 "sub_hook_1",
			Customer:           &stripe.Customer{ID: "cus_hook_1"},
			Status:             stripe.SubscriptionStatusActive,
			CurrentPeriodStart: now.Unix(),
			CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour).Unix(),
			Metadata:           map[string]string{"tenant_id": tenantID.String(), "tier": "pro"},
		})

		env.repo.On("FindByTenant", ctx, tenantID).Return(subscription, nil)
		env.repo.On("FindByStripeSubscription", ctx, "sub_hook_1").Return(subscription, nil)
		env.repo.On("Save", ctx, subscription).Return(nil)
		env.cache.On("Invalidate", ctx, tenantID).Return(nil)

		require.NoError(t, env.service.handleSubscriptionCreated(ctx, event))

		assert.Equal(t, "cus_hook_1", subscription.StripeCustomerID)
		assert.Equal(t, "sub_hook_1", subscription.StripeSubscriptionID)
		assert.Equal(t, billing.TierPro, subscription.Tier)
		env.repo.AssertExpectations(t)
	})

	t.Run("invalid tenant metadata is ignored", func(t *testing.T) {
		env := newWebhookTestEnv()
		event := webhookEvent(t, "customer.subscription.created", &stripe.Subscription{
			ID:       "sub_hook_2",
			Customer: &stripe.Customer{ID: "cus_hook_2"},
			Status:   stripe.SubscriptionStatusActive,
			Metadata: map[string]string{"tenant_id": "not-a-uuid"},
		})

		env.repo.On("FindByStripeSubscription", ctx, "sub_hook_2").Return(nil, shared.ErrNotFound)

		require.NoError(t, env.service.handleSubscriptionCreated(ctx, event))

		env.repo.AssertNotCalled(t, "FindByTenant", mock.Anything, mock.Anything)
		env.repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("malformed payload is rejected", func(t *testing.T) {
		env := newWebhookTestEnv()
		event := stripe.Event{
			ID:   "evt_test_1",
			Type: "customer.subscription.created",
			Data: &stripe.EventData{Raw: []byte("{")},
		}

		err := env.service.handleSubscriptionCreated(ctx, event)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal subscription")
	})
}

func TestWebhookService_HandleSubscriptionDeleted(t *testing.T) {
	ctx := context.Background()

	t.Run("cancellation drops the tenant to the free tier", func(t *testing.T) {
		env := newWebhookTestEnv()
		tenantID := uuid.New()
		subscription := providerLinkedSubscription(t, tenantID, billing.TierPro)

		event := webhookEvent(t, "customer.subscription.deleted", &stripe.Subscription{
			ID:     "sub_hook_1",
			Status: stripe.SubscriptionStatusCanceled,
		})

		env.repo.On("FindByStripeSubscription", ctx, "sub_hook_1").Return(subscription, nil)
		env.repo.On("Save", ctx, subscription).Return(nil)
		env.cache.On("Invalidate", ctx, tenantID).Return(nil)

		require.NoError(t, env.service.handleSubscriptionDeleted(ctx, event))

		assert.Equal(t, billing.TierFree, subscription.Tier)
		assert.Equal(t, billing.SubscriptionStatusCanceled, subscription.Status)
		assert.True(t, subscription.IsDowngraded())
		assert.False(t, subscription.CanConsume())

		env.publisher.waitForEvent(t)
		env.publisher.waitForEvent(t)
		assert.ElementsMatch(t,
			[]string{billing.EventTypeSubscriptionSynced, billing.EventTypeTierChanged},
			env.publisher.eventTypes())
		env.repo.AssertExpectations(t)
	})

	t.Run("unknown subscription is acknowledged without local effect", func(t *testing.T) {
		env := newWebhookTestEnv()
		event := webhookEvent(t, "customer.subscription.deleted", &stripe.Subscription{
			ID:     "sub_gone_1",
			Status: stripe.SubscriptionStatusCanceled,
		})

		env.repo.On("FindByStripeSubscription", ctx, "sub_gone_1").Return(nil, shared.ErrNotFound)

		require.NoError(t, env.service.handleSubscriptionDeleted(ctx, event))
		env.repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
}

func TestWebhookService_HandleInvoicePaid(t *testing.T) {
	ctx := context.Background()

	t.Run("payment recovery reactivates consumption", func(t *testing.T) {
		env := newWebhookTestEnv()
		tenantID := uuid.New()
		subscription := providerLinkedSubscription(t, tenantID, billing.TierPro)
		require.NoError(t, subscription.ChangeStatus(billing.SubscriptionStatusPastDue))

		event := webhookEvent(t, "invoice.paid", &stripe.Invoice{
			ID:           "in_test_1",
			Customer:     &stripe.Customer{ID: "cus_hook_1"},
			Subscription: &stripe.Subscription{ID: "sub_hook_1"},
		})

		env.repo.On("FindByStripeSubscription", ctx, "sub_hook_1").Return(subscription, nil)
		env.repo.On("Save", ctx, subscription).Return(nil)
		env.cache.On("Invalidate", ctx, tenantID).Return(nil)

		require.NoError(t, env.service.handleInvoicePaid(ctx, event))

		assert.Equal(t, billing.SubscriptionStatusActive, subscription.Status)
		assert.True(t, subscription.CanConsume())

		synced := env.publisher.waitForEvent(t)
		assert.Equal(t, billing.EventTypeSubscriptionSynced, synced.EventType())
		env.repo.AssertExpectations(t)
	})

	t.Run("one-time invoices are skipped", func(t *testing.T) {
		env := newWebhookTestEnv()
		event := webhookEvent(t, "invoice.paid", &stripe.Invoice{
			ID:       "in_test_2",
			Customer: &stripe.Customer{ID: "cus_hook_1"},
		})

		require.NoError(t, env.service.handleInvoicePaid(ctx, event))
		env.repo.AssertNotCalled(t, "FindByStripeSubscription", mock.Anything, mock.Anything)
	})
}

func TestWebhookService_HandleInvoicePaymentFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("failed payment suspends consumption", func(t *testing.T) {
		env := newWebhookTestEnv()
		tenantID := uuid.New()
		subscription := providerLinkedSubscription(t, tenantID, billing.TierPro)

		event := webhookEvent(t, "invoice.payment_failed", &stripe.Invoice{
			ID:           "in_test_1",
			Customer:     &stripe.Customer{ID: "cus_hook_1"},
			Subscription: &stripe.Subscription{ID: "sub_hook_1"},
		})

		env.repo.On("FindByStripeSubscription", ctx, "sub_hook_1").Return(subscription, nil)
		env.repo.On("Save", ctx, subscription).Return(nil)
		env.cache.On("Invalidate", ctx, tenantID).Return(nil)

		require.NoError(t, env.service.handleInvoicePaymentFailed(ctx, event))

		assert.Equal(t, billing.SubscriptionStatusPastDue, subscription.Status)
		assert.False(t, subscription.CanConsume())

		synced := env.publisher.waitForEvent(t)
		assert.Equal(t, billing.EventTypeSubscriptionSynced, synced.EventType())
		env.repo.AssertExpectations(t)
	})

	t.Run("one-time invoices are skipped", func(t *testing.T) {
		env := newWebhookTestEnv()
		event := webhookEvent(t, "invoice.payment_failed", &stripe.Invoice{
			ID:       "in_test_2",
			Customer: &stripe.Customer{ID: "cus_hook_1"},
		})

		require.NoError(t, env.service.handleInvoicePaymentFailed(ctx, event))
		env.repo.AssertNotCalled(t, "FindByStripeSubscription", mock.Anything, mock.Anything)
	})
}

func TestWebhookService_TierMapping(t *testing.T) {
	env := newWebhookTestEnv()

	proItems := &stripe.SubscriptionItemList{
		Data: []*stripe.SubscriptionItem{
			{Price: &stripe.Price{ID: "price_pro_monthly"}},
		},
	}

	tests := []struct {
		name         string
		subscription *stripe.Subscription
		want         billing.Tier
	}{
		{
			name: "metadata tier wins over the price mapping",
			subscription: &stripe.Subscription{
				ID:       "sub_hook_1",
				Metadata: map[string]string{"tier": "pro_byok"},
				Items:    proItems,
			},
			want: billing.TierProBYOK,
		},
		{
			name: "unknown metadata tier falls back to the price mapping",
			subscription: &stripe.Subscription{
				ID:       "sub_hook_1",
				Metadata: map[string]string{"tier": "platinum"},
				Items:    proItems,
			},
			want: billing.TierPro,
		},
		{
			name: "unmapped price yields no tier",
			subscription: &stripe.Subscription{
				ID: "sub_hook_1",
				Items: &stripe.SubscriptionItemList{
					Data: []*stripe.SubscriptionItem{
						{Price: &stripe.Price{ID: "price_custom_123"}},
					},
				},
			},
			want: "",
		},
		{
			name:         "subscription without items yields no tier",
			subscription: &stripe.Subscription{ID: "sub_hook_1"},
			want:         "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.service.tierFromSubscription(tt.subscription))
		})
	}
}
