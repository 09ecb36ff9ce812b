package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	appbilling "github.com/briefly/metering/internal/application/billing"
)

// Billing webhook payloads are small; anything larger is not a
// legitimate provider event.
const maxWebhookPayloadSize = 65536

// WebhookHandler receives billing provider webhooks. The provider
// authenticates through its signature header, not through JWT, so these
// routes sit outside the authenticated groups.
type WebhookHandler struct {
	BaseHandler
	webhooks *appbilling.WebhookService
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhooks *appbilling.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// BillingWebhookResponse acknowledges a webhook delivery
//
//	@Description	Billing webhook acknowledgement
type BillingWebhookResponse struct {
	Received  bool   `json:"received" example:"true"`
	EventID   string `json:"event_id,omitempty" example:"evt_1234567890"`
	EventType string `json:"event_type,omitempty" example:"customer.subscription.updated"`
	Message   string `json:"message,omitempty"`
}

// HandleBillingWebhook godoc
//
//	@ID				handleBillingWebhook
//	@Summary		Handle a billing provider webhook
//	@Description	Receives subscription lifecycle events from the billing provider. The raw body is verified against the provider's signature before any state changes.
//	@Tags			webhooks
//	@Accept			json
//	@Produce		json
//	@Param			Stripe-Signature	header		string					true	"Provider webhook signature"
//	@Success		200					{object}	BillingWebhookResponse	"Event accepted"
//	@Failure		400					{object}	BillingWebhookResponse	"Unreadable payload"
//	@Failure		401					{object}	BillingWebhookResponse	"Signature verification failed"
//	@Failure		413					{object}	BillingWebhookResponse	"Payload too large"
//	@Failure		500					{object}	BillingWebhookResponse	"Processing failed, delivery should be retried"
//	@Router			/webhooks/billing [post]
func (h *WebhookHandler) HandleBillingWebhook(c *gin.Context) {
	// Signature verification needs the raw body, so no binding here
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, BillingWebhookResponse{
			Received: false,
			Message:  "Failed to read request body",
		})
		return
	}
	if len(payload) > maxWebhookPayloadSize {
		c.JSON(http.StatusRequestEntityTooLarge, BillingWebhookResponse{
			Received: false,
			Message:  "Payload too large",
		})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusUnauthorized, BillingWebhookResponse{
			Received: false,
			Message:  "Missing Stripe-Signature header",
		})
		return
	}

	result, err := h.webhooks.ProcessWebhook(c.Request.Context(), payload, signature)
	if err != nil {
		if result == nil {
			// Verification failed before the event was even parsed
			c.JSON(http.StatusUnauthorized, BillingWebhookResponse{
				Received: false,
				Message:  "Signature verification failed",
			})
			return
		}
		// The provider retries on 5xx, which is what we want for
		// transient processing failures
		c.JSON(http.StatusInternalServerError, BillingWebhookResponse{
			Received:  false,
			EventID:   result.EventID,
			EventType: result.EventType,
			Message:   sanitizeWebhookError(result.Message),
		})
		return
	}

	c.JSON(http.StatusOK, BillingWebhookResponse{
		Received:  true,
		EventID:   result.EventID,
		EventType: result.EventType,
		Message:   result.Message,
	})
}

// sanitizeWebhookError keeps internal error detail out of responses
// sent back to the provider
func sanitizeWebhookError(message string) string {
	if message == "" {
		return "Processing failed"
	}
	// First clause only; wrapped chains can leak table or host names
	if idx := strings.Index(message, ":"); idx > 0 {
		return message[:idx]
	}
	return message
}
