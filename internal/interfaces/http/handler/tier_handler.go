package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/interfaces/http/middleware"
)

// TierHandler exposes the tier matrix and the tenant's subscription
type TierHandler struct {
	BaseHandler
	subscriptions SubscriptionManager
	entitlements  EntitlementsReader
	table         *billing.TierTable
	logger        *zap.Logger
}

// SubscriptionManager reads and changes tenant subscriptions. The
// subscription service satisfies it.
type SubscriptionManager interface {
	GetOrCreateSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.TenantSubscription, error)
	ChangeTier(ctx context.Context, tenantID uuid.UUID, newTier billing.Tier) (*billing.TenantSubscription, error)
}

// EntitlementsReader resolves a tenant's effective entitlement state.
// The tier service satisfies it.
type EntitlementsReader interface {
	GetEntitlements(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error)
}

// NewTierHandler creates a new tier handler
func NewTierHandler(subscriptions SubscriptionManager, entitlements EntitlementsReader, table *billing.TierTable, logger *zap.Logger) *TierHandler {
	if table == nil {
		table = billing.DefaultTierTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierHandler{
		subscriptions: subscriptions,
		entitlements:  entitlements,
		table:         table,
		logger:        logger,
	}
}

// ============================================================================
// Request/Response DTOs
// ============================================================================

// TierDescription is the public description of one subscription tier
//
//	@Description	One subscription tier with its limits and feature grants
type TierDescription struct {
	Name        string           `json:"name" example:"pro"`
	DisplayName string           `json:"display_name" example:"Pro"`
	Rank        int              `json:"rank" example:"1"`
	Limits      billing.LimitSet `json:"limits"`
	Features    map[string]bool  `json:"features"`
}

// TierMatrixResponse lists every tier in ascending rank order
//
//	@Description	The full tier matrix
type TierMatrixResponse struct {
	Tiers []TierDescription `json:"tiers"`
}

// SubscriptionResponse is the API representation of a tenant subscription
//
//	@Description	The tenant's subscription and resolved entitlement state
type SubscriptionResponse struct {
	TenantID           string                      `json:"tenant_id" example:"9b2f11b4-7a70-4e2f-9c25-1c8e2f3a0d11"`
	Tier               string                      `json:"tier" example:"pro"`
	Status             string                      `json:"status" example:"active"`
	CurrentPeriodStart time.Time                   `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                   `json:"current_period_end"`
	CancelAtPeriodEnd  bool                        `json:"cancel_at_period_end"`
	PreviousTier       string                      `json:"previous_tier,omitempty" example:"free"`
	TierChangedAt      *time.Time                  `json:"tier_changed_at,omitempty"`
	Entitlements       *billing.TenantEntitlements `json:"entitlements,omitempty"`
}

// ChangeTierRequest asks for the tenant's tier to be changed
//
//	@Description	Tier change request
type ChangeTierRequest struct {
	Tier string `json:"tier" binding:"required,tier" example:"pro"`
}

// ============================================================================
// Handlers
// ============================================================================

// GetTierMatrix godoc
//
//	@ID				getTierMatrix
//	@Summary		Get the tier matrix
//	@Description	Lists every subscription tier with its per-resource limits and feature grants, in ascending rank order. A limit of -1 means unlimited.
//	@Tags			tiers
//	@Produce		json
//	@Success		200	{object}	APIResponse[TierMatrixResponse]
//	@Failure		401	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/tiers [get]
func (h *TierHandler) GetTierMatrix(c *gin.Context) {
	tiers := make([]TierDescription, 0, len(billing.AllTiers()))
	for _, tier := range billing.AllTiers() {
		features := make(map[string]bool, len(billing.AllFeatureKeys()))
		for _, f := range billing.DefaultTierFeatures(tier) {
			features[f.Key.String()] = f.Enabled
		}
		tiers = append(tiers, TierDescription{
			Name:        tier.String(),
			DisplayName: tier.DisplayName(),
			Rank:        tier.Rank(),
			Limits:      h.table.Limits(tier),
			Features:    features,
		})
	}

	h.Success(c, TierMatrixResponse{Tiers: tiers})
}

// GetSubscription godoc
//
//	@ID				getSubscription
//	@Summary		Get the tenant's subscription
//	@Description	Returns the tenant's subscription together with its resolved entitlements: effective limits and features with any overrides applied, and the downgrade grace deadline when one is running. Tenants without a subscription get one created on the free tier.
//	@Tags			tiers
//	@Produce		json
//	@Success		200	{object}	APIResponse[SubscriptionResponse]
//	@Failure		401	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/tiers/subscription [get]
func (h *TierHandler) GetSubscription(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	subscription, err := h.subscriptions.GetOrCreateSubscription(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := toSubscriptionResponse(subscription)
	entitlements, err := h.entitlements.GetEntitlements(c.Request.Context(), tenantID)
	if err != nil {
		// The subscription itself is still useful without the resolved view
		h.logger.Warn("Entitlement resolution failed, returning bare subscription",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	} else {
		resp.Entitlements = entitlements
	}

	h.Success(c, resp)
}

// ChangeTier godoc
//
//	@ID				changeTier
//	@Summary		Change the tenant's tier
//	@Description	Moves the tenant to another tier. Upgrades take effect immediately; downgrades keep the old tier's limits for the configured grace period before the new limits apply.
//	@Tags			tiers
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ChangeTierRequest	true	"Target tier"
//	@Success		200		{object}	APIResponse[SubscriptionResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/tiers/subscription [put]
func (h *TierHandler) ChangeTier(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	var req ChangeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	tier, err := billing.ParseTier(req.Tier)
	if err != nil {
		h.BadRequest(c, "Unknown tier: "+req.Tier)
		return
	}

	subscription, err := h.subscriptions.ChangeTier(c.Request.Context(), tenantID, tier)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toSubscriptionResponse(subscription))
}

// toSubscriptionResponse maps a subscription to its API representation
func toSubscriptionResponse(sub *billing.TenantSubscription) *SubscriptionResponse {
	resp := &SubscriptionResponse{
		TenantID:           sub.TenantID.String(),
		Tier:               sub.Tier.String(),
		Status:             sub.Status.String(),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		TierChangedAt:      sub.TierChangedAt,
	}
	if sub.PreviousTier != nil {
		resp.PreviousTier = sub.PreviousTier.String()
	}
	return resp
}
