package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/form"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
)

// mockBackend implements stripe.Backend for testing
type mockBackend struct {
	handler func(method, path string, params stripe.ParamsContainer) ([]byte, error)
}

func (m *mockBackend) Call(method, path, key string, params stripe.ParamsContainer, v stripe.LastResponseSetter) error {
	data, err := m.handler(method, path, params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (m *mockBackend) CallStreaming(method, path, key string, params stripe.ParamsContainer, v stripe.StreamingLastResponseSetter) error {
	return nil
}

func (m *mockBackend) CallRaw(method, path, key string, body *form.Values, params *stripe.Params, v stripe.LastResponseSetter) error {
	return nil
}

func (m *mockBackend) CallMultipart(method, path, key, boundary string, body *bytes.Buffer, params *stripe.Params, v stripe.LastResponseSetter) error {
	return nil
}

func (m *mockBackend) SetMaxNetworkRetries(maxNetworkRetries int64) {}

// testConfig returns a valid test configuration
func testConfig() *StripeConfig {
	return &StripeConfig{
		SecretKey:       "sk_test_123456789",
		PublishableKey:  "pk_test_123456789",
		WebhookSecret:   "whsec_test_123456789",
		IsTestMode:      true,
		DefaultCurrency: "usd",
		PriceIDs: map[string]string{
			"free":     "",
			"pro":      "price_pro_test",
			"pro_byok": "price_pro_byok_test",
		},
	}
}

// testLogger returns a no-op logger for testing
func testLogger() *zap.Logger {
	return zap.NewNop()
}

// setupMockBackend sets up a mock Stripe backend for testing
func setupMockBackend(handler func(method, path string, params stripe.ParamsContainer) ([]byte, error)) func() {
	mock := &mockBackend{handler: handler}
	stripe.SetBackend(stripe.APIBackend, mock)
	return func() {
		// Reset to default backend after test
		stripe.SetBackend(stripe.APIBackend, nil)
	}
}

// setupHTTPMockServer routes Stripe API calls to a local test server
func setupHTTPMockServer(handler http.HandlerFunc) (*httptest.Server, func()) {
	server := httptest.NewServer(handler)

	backendConfig := &stripe.BackendConfig{
		URL: stripe.String(server.URL),
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)
	stripe.SetBackend(stripe.APIBackend, backend)

	return server, func() {
		server.Close()
		stripe.SetBackend(stripe.APIBackend, nil)
	}
}

func TestNewStripeAdapter_Success(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())

	require.NoError(t, err)
	assert.NotNil(t, adapter)
}

func TestNewStripeAdapter_InvalidConfig(t *testing.T) {
	tests := []struct {
		name        string
		config      *StripeConfig
		expectedErr string
	}{
		{
			name: "missing secret key",
			config: &StripeConfig{
				IsTestMode:      true,
				DefaultCurrency: "usd",
			},
			expectedErr: "secret key is required",
		},
		{
			name: "test mode with live key",
			config: &StripeConfig{
				SecretKey:       "sk_live_123456789",
				IsTestMode:      true,
				DefaultCurrency: "usd",
			},
			expectedErr: "test mode enabled but secret key is not a test key",
		},
		{
			name: "live mode with test key",
			config: &StripeConfig{
				SecretKey:       "sk_test_123456789",
				IsTestMode:      false,
				DefaultCurrency: "usd",
			},
			expectedErr: "live mode enabled but secret key is not a live key",
		},
		{
			name: "missing currency",
			config: &StripeConfig{
				SecretKey:  "sk_test_123456789",
				IsTestMode: true,
			},
			expectedErr: "default currency is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := NewStripeAdapter(tt.config, testLogger())

			assert.Error(t, err)
			assert.Nil(t, adapter)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestStripeConfig_GetPriceID(t *testing.T) {
	config := testConfig()

	priceID, err := config.GetPriceID(billing.TierPro)
	require.NoError(t, err)
	assert.Equal(t, "price_pro_test", priceID)

	priceID, err = config.GetPriceID(billing.TierFree)
	require.NoError(t, err)
	assert.Empty(t, priceID)

	_, err = config.GetPriceID(billing.Tier("enterprise"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no price ID configured")
}

func TestStripeConfig_TierForPrice(t *testing.T) {
	config := testConfig()

	tier, ok := config.TierForPrice("price_pro_test")
	assert.True(t, ok)
	assert.Equal(t, billing.TierPro, tier)

	tier, ok = config.TierForPrice("price_pro_byok_test")
	assert.True(t, ok)
	assert.Equal(t, billing.TierProBYOK, tier)

	_, ok = config.TierForPrice("price_unknown")
	assert.False(t, ok)

	// Empty price must not resolve to the free tier
	_, ok = config.TierForPrice("")
	assert.False(t, ok)
}

func TestCreateCustomer_Success(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	cleanup := setupMockBackend(func(method, path string, params stripe.ParamsContainer) ([]byte, error) {
		if method == "POST" && path == "/v1/customers" {
			return json.Marshal(&stripe.Customer{
				ID:      "cus_test123",
				Email:   "ops@briefly.dev",
				Name:    "Briefly Workspace",
				Created: time.Now().Unix(),
			})
		}
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})
	defer cleanup()

	input := CreateCustomerInput{
		TenantID:    uuid.New(),
		Email:       "ops@briefly.dev",
		Name:        "Briefly Workspace",
		Description: "Tenant workspace",
	}

	output, err := adapter.CreateCustomer(context.Background(), input)

	require.NoError(t, err)
	assert.Equal(t, "cus_test123", output.CustomerID)
	assert.Equal(t, "ops@briefly.dev", output.Email)
	assert.Equal(t, "Briefly Workspace", output.Name)
}

func TestCreateCustomer_StripeError(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	cleanup := setupMockBackend(func(method, path string, params stripe.ParamsContainer) ([]byte, error) {
		return nil, &stripe.Error{
			Code: stripe.ErrorCodeCardDeclined,
			Msg:  "Your card was declined",
		}
	})
	defer cleanup()

	output, err := adapter.CreateCustomer(context.Background(), CreateCustomerInput{
		TenantID: uuid.New(),
		Email:    "ops@briefly.dev",
	})

	assert.Error(t, err)
	assert.Nil(t, output)
	assert.Contains(t, err.Error(), "failed to create customer")
}

func TestCreateSubscription_Success(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	now := time.Now()

	cleanup := setupMockBackend(func(method, path string, params stripe.ParamsContainer) ([]byte, error) {
		if method == "POST" && path == "/v1/subscriptions" {
			return json.Marshal(&stripe.Subscription{
				ID:                 "sub_test123",
				Customer:           &stripe.Customer{ID: "cus_test123"},
				Status:             stripe.SubscriptionStatusActive,
				CurrentPeriodStart: now.Unix(),
				CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour).Unix(),
			})
		}
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})
	defer cleanup()

	input := CreateSubscriptionInput{
		TenantID:   uuid.New(),
		CustomerID: "cus_test123",
		Tier:       billing.TierPro,
	}

	output, err := adapter.CreateSubscription(context.Background(), input)

	require.NoError(t, err)
	assert.Equal(t, "sub_test123", output.SubscriptionID)
	assert.Equal(t, "cus_test123", output.CustomerID)
	assert.Equal(t, billing.SubscriptionStatusActive, output.Status)
	assert.False(t, output.CancelAtPeriodEnd)
}

func TestCreateSubscription_FreeTierSkipsStripe(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	// Any Stripe call fails the test
	cleanup := setupMockBackend(func(method, path string, params stripe.ParamsContainer) ([]byte, error) {
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})
	defer cleanup()

	output, err := adapter.CreateSubscription(context.Background(), CreateSubscriptionInput{
		TenantID:   uuid.New(),
		CustomerID: "cus_test123",
		Tier:       billing.TierFree,
	})

	require.NoError(t, err)
	assert.Empty(t, output.SubscriptionID)
	assert.Equal(t, "cus_test123", output.CustomerID)
	assert.Equal(t, billing.SubscriptionStatusActive, output.Status)
}

func TestCreateSubscription_UnknownTier(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	output, err := adapter.CreateSubscription(context.Background(), CreateSubscriptionInput{
		TenantID:   uuid.New(),
		CustomerID: "cus_test123",
		Tier:       billing.Tier("enterprise"),
	})

	assert.Error(t, err)
	assert.Nil(t, output)
	assert.Contains(t, err.Error(), "no price ID configured")
}

func TestUpdateSubscription_Success(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	now := time.Now()

	cleanup := setupMockBackend(func(method, path string, params stripe.ParamsContainer) ([]byte, error) {
		if method == "GET" && path == "/v1/subscriptions/sub_test123" {
			return json.Marshal(&stripe.Subscription{
				ID:       "sub_test123",
				Customer: &stripe.Customer{ID: "cus_test123"},
				Status:   stripe.SubscriptionStatusActive,
				Items: &stripe.SubscriptionItemList{
					Data: []*stripe.SubscriptionItem{
						{ID: "si_item123", Price: &stripe.Price{ID: "price_pro_test"}},
					},
				},
				CurrentPeriodStart: now.Unix(),
				CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour).Unix(),
			})
		}
		if method == "POST" && path == "/v1/subscriptions/sub_test123" {
			return json.Marshal(&stripe.Subscription{
				ID:                 "sub_test123",
				Customer:           &stripe.Customer{ID: "cus_test123"},
				Status:             stripe.SubscriptionStatusActive,
				CurrentPeriodStart: now.Unix(),
				CurrentPeriodEnd:   now.Add(30 * 24 * time.Hour).Unix(),
			})
		}
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})
	defer cleanup()

	output, err := adapter.UpdateSubscription(context.Background(), UpdateSubscriptionInput{
		TenantID:       uuid.New(),
		SubscriptionID: "sub_test123",
		NewTier:        billing.TierProBYOK,
	})

	require.NoError(t, err)
	assert.Equal(t, "sub_test123", output.SubscriptionID)
	assert.Equal(t, "price_pro_test", output.PreviousPriceID)
	assert.Equal(t, "price_pro_byok_test", output.NewPriceID)
}

func TestCancelSubscription_AtPeriodEnd(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	now := time.Now()

	cleanup := setupMockBackend(func(method, path string, params stripe.ParamsContainer) ([]byte, error) {
		if method == "POST" && path == "/v1/subscriptions/sub_test123" {
			return json.Marshal(&stripe.Subscription{
				ID:                "sub_test123",
				Customer:          &stripe.Customer{ID: "cus_test123"},
				Status:            stripe.SubscriptionStatusActive,
				CancelAtPeriodEnd: true,
				CurrentPeriodEnd:  now.Add(10 * 24 * time.Hour).Unix(),
			})
		}
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})
	defer cleanup()

	output, err := adapter.CancelSubscription(context.Background(), CancelSubscriptionInput{
		TenantID:          uuid.New(),
		SubscriptionID:    "sub_test123",
		CancelAtPeriodEnd: true,
		Reason:            "downgrade requested",
	})

	require.NoError(t, err)
	assert.True(t, output.CancelAtPeriodEnd)
	assert.Equal(t, billing.SubscriptionStatusActive, output.Status)
	assert.Nil(t, output.CanceledAt)
}

func TestCancelSubscription_Immediately(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	now := time.Now()

	cleanup := setupMockBackend(func(method, path string, params stripe.ParamsContainer) ([]byte, error) {
		if method == "DELETE" && path == "/v1/subscriptions/sub_test123" {
			return json.Marshal(&stripe.Subscription{
				ID:               "sub_test123",
				Customer:         &stripe.Customer{ID: "cus_test123"},
				Status:           stripe.SubscriptionStatusCanceled,
				CanceledAt:       now.Unix(),
				CurrentPeriodEnd: now.Unix(),
			})
		}
		return nil, fmt.Errorf("unexpected call: %s %s", method, path)
	})
	defer cleanup()

	output, err := adapter.CancelSubscription(context.Background(), CancelSubscriptionInput{
		TenantID:       uuid.New(),
		SubscriptionID: "sub_test123",
	})

	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionStatusCanceled, output.Status)
	require.NotNil(t, output.CanceledAt)
}

func TestFetchSubscription_Success(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	now := time.Now()

	_, cleanup := setupHTTPMockServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/subscriptions/sub_test123" {
			response := map[string]interface{}{
				"id":       "sub_test123",
				"object":   "subscription",
				"customer": "cus_test123",
				"status":   "active",
				"items": map[string]interface{}{
					"object": "list",
					"data": []map[string]interface{}{
						{
							"id":     "si_item123",
							"object": "subscription_item",
							"price": map[string]interface{}{
								"id": "price_pro_byok_test",
							},
						},
					},
				},
				"current_period_start": now.Unix(),
				"current_period_end":   now.Add(30 * 24 * time.Hour).Unix(),
				"cancel_at_period_end": true,
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(response)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	})
	defer cleanup()

	sub, err := adapter.FetchSubscription(context.Background(), "sub_test123")

	require.NoError(t, err)
	assert.Equal(t, "sub_test123", sub.SubscriptionID)
	assert.Equal(t, "cus_test123", sub.CustomerID)
	assert.Equal(t, billing.TierProBYOK, sub.Tier)
	assert.Equal(t, billing.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, now.Unix(), sub.PeriodStart.Unix())
}

func TestFetchSubscription_UnknownPriceLeavesTierEmpty(t *testing.T) {
	adapter, err := NewStripeAdapter(testConfig(), testLogger())
	require.NoError(t, err)

	now := time.Now()

	_, cleanup := setupHTTPMockServer(func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"id":       "sub_test123",
			"object":   "subscription",
			"customer": "cus_test123",
			"status":   "past_due",
			"items": map[string]interface{}{
				"object": "list",
				"data": []map[string]interface{}{
					{
						"id":     "si_item123",
						"object": "subscription_item",
						"price": map[string]interface{}{
							"id": "price_legacy_plan",
						},
					},
				},
			},
			"current_period_start": now.Unix(),
			"current_period_end":   now.Add(30 * 24 * time.Hour).Unix(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})
	defer cleanup()

	sub, err := adapter.FetchSubscription(context.Background(), "sub_test123")

	require.NoError(t, err)
	assert.False(t, sub.Tier.IsValid())
	assert.Equal(t, billing.SubscriptionStatusPastDue, sub.Status)
}

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		stripe   stripe.SubscriptionStatus
		expected billing.SubscriptionStatus
	}{
		{stripe.SubscriptionStatusActive, billing.SubscriptionStatusActive},
		{stripe.SubscriptionStatusTrialing, billing.SubscriptionStatusTrialing},
		{stripe.SubscriptionStatusPastDue, billing.SubscriptionStatusPastDue},
		{stripe.SubscriptionStatusCanceled, billing.SubscriptionStatusCanceled},
		{stripe.SubscriptionStatusUnpaid, billing.SubscriptionStatusUnpaid},
		{stripe.SubscriptionStatusIncomplete, billing.SubscriptionStatusIncomplete},
		{stripe.SubscriptionStatusIncompleteExpired, billing.SubscriptionStatusCanceled},
		{stripe.SubscriptionStatusPaused, billing.SubscriptionStatusPastDue},
	}

	for _, tt := range tests {
		t.Run(string(tt.stripe), func(t *testing.T) {
			mapped := MapSubscriptionStatus(tt.stripe)
			assert.Equal(t, tt.expected, mapped)
			assert.True(t, mapped.IsValid())
		})
	}
}
