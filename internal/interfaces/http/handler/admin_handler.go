package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appmetering "github.com/briefly/metering/internal/application/metering"
	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/interfaces/http/middleware"
)

// AdminHandler serves the operator surface: per-tenant overrides,
// ledger corrections, subscription re-sync, and recording health.
// Every route behind it requires the admin key.
type AdminHandler struct {
	BaseHandler
	overrides  OverrideManager
	ledger     LedgerAdmin
	apiTracker *middleware.APIUsageTracker
	logger     *zap.Logger
}

// OverrideManager manages per-tenant overrides and provider re-sync.
// The subscription service satisfies it.
type OverrideManager interface {
	SetLimitOverride(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind, limit int64, reason string, expiresAt *time.Time) (*billing.LimitOverride, error)
	RemoveLimitOverride(ctx context.Context, tenantID uuid.UUID, resource billing.ResourceKind) error
	SetFeatureOverride(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey, enabled bool, reason string, expiresAt *time.Time) (*billing.FeatureOverride, error)
	RemoveFeatureOverride(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) error
	ListOverrides(ctx context.Context, tenantID uuid.UUID) ([]*billing.LimitOverride, []*billing.FeatureOverride, error)
	SyncSubscription(ctx context.Context, tenantID uuid.UUID) error
}

// LedgerAdmin corrects ledger entries and reports write-path health.
// The usage tracker satisfies it.
type LedgerAdmin interface {
	CorrectEvent(ctx context.Context, eventID uuid.UUID) (*metering.UsageEvent, error)
	Health() appmetering.RecordingHealth
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(overrides OverrideManager, ledger LedgerAdmin, apiTracker *middleware.APIUsageTracker, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		overrides:  overrides,
		ledger:     ledger,
		apiTracker: apiTracker,
		logger:     logger,
	}
}

// ============================================================================
// Request/Response DTOs
// ============================================================================

// SetLimitOverrideRequest grants a tenant a custom resource limit
//
//	@Description	Custom per-tenant resource limit
type SetLimitOverrideRequest struct {
	Limit     int64      `json:"limit" binding:"min=-1" example:"500"`
	Reason    string     `json:"reason,omitempty" binding:"omitempty,max=500" example:"enterprise trial"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SetFeatureOverrideRequest grants or revokes a feature for a tenant
//
//	@Description	Custom per-tenant feature grant
type SetFeatureOverrideRequest struct {
	Enabled   bool       `json:"enabled" example:"true"`
	Reason    string     `json:"reason,omitempty" binding:"omitempty,max=500" example:"beta program"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// OverridesResponse lists a tenant's active overrides
//
//	@Description	Every limit and feature override recorded for a tenant
type OverridesResponse struct {
	TenantID         string                     `json:"tenant_id"`
	LimitOverrides   []*billing.LimitOverride   `json:"limit_overrides"`
	FeatureOverrides []*billing.FeatureOverride `json:"feature_overrides"`
}

// CorrectionResponse reports a ledger correction
//
//	@Description	The removed ledger entry
type CorrectionResponse struct {
	Event *UsageEventResponse `json:"event"`
}

// SystemHealthResponse is the operator view of the recording pipeline
//
//	@Description	Recording pipeline health and API metering buffer statistics
type SystemHealthResponse struct {
	Recording appmetering.RecordingHealth `json:"recording"`
	APIUsage  *middleware.APIUsageStats   `json:"api_usage,omitempty"`
}

// ============================================================================
// Handlers
// ============================================================================

// ListOverrides godoc
//
//	@ID				adminListOverrides
//	@Summary		List a tenant's overrides
//	@Description	Lists every limit and feature override recorded for the tenant, including expired ones.
//	@Tags			admin
//	@Produce		json
//	@Param			tenant_id	path		string	true	"Tenant ID"	format(uuid)
//	@Success		200			{object}	APIResponse[OverridesResponse]
//	@Failure		400			{object}	ErrorResponse
//	@Failure		401			{object}	ErrorResponse
//	@Security		AdminKeyAuth
//	@Router			/admin/tenants/{tenant_id}/overrides [get]
func (h *AdminHandler) ListOverrides(c *gin.Context) {
	tenantID, ok := h.pathTenantID(c)
	if !ok {
		return
	}

	limits, features, err := h.overrides.ListOverrides(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if limits == nil {
		limits = []*billing.LimitOverride{}
	}
	if features == nil {
		features = []*billing.FeatureOverride{}
	}

	h.Success(c, OverridesResponse{
		TenantID:         tenantID.String(),
		LimitOverrides:   limits,
		FeatureOverrides: features,
	})
}

// SetLimitOverride godoc
//
//	@ID				adminSetLimitOverride
//	@Summary		Set a limit override
//	@Description	Grants the tenant a custom limit for one resource, replacing the tier's limit until the override expires or is removed. A limit of -1 means unlimited.
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			tenant_id	path		string					true	"Tenant ID"	format(uuid)
//	@Param			resource	path		string					true	"Resource kind"	example(documents)
//	@Param			request		body		SetLimitOverrideRequest	true	"Override to apply"
//	@Success		200			{object}	APIResponse[billing.LimitOverride]
//	@Failure		400			{object}	ErrorResponse
//	@Failure		401			{object}	ErrorResponse
//	@Security		AdminKeyAuth
//	@Router			/admin/tenants/{tenant_id}/overrides/limits/{resource} [put]
func (h *AdminHandler) SetLimitOverride(c *gin.Context) {
	tenantID, ok := h.pathTenantID(c)
	if !ok {
		return
	}
	resource, err := billing.ParseResourceKind(c.Param("resource"))
	if err != nil {
		h.BadRequest(c, "Unknown resource kind: "+c.Param("resource"))
		return
	}

	var req SetLimitOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	override, err := h.overrides.SetLimitOverride(c.Request.Context(), tenantID, resource, req.Limit, req.Reason, req.ExpiresAt)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.logger.Info("Limit override applied",
		zap.String("tenant_id", tenantID.String()),
		zap.String("resource", resource.String()),
		zap.Int64("limit", req.Limit))
	h.Success(c, override)
}

// RemoveLimitOverride godoc
//
//	@ID				adminRemoveLimitOverride
//	@Summary		Remove a limit override
//	@Description	Removes the tenant's custom limit for one resource, restoring the tier's limit.
//	@Tags			admin
//	@Param			tenant_id	path	string	true	"Tenant ID"	format(uuid)
//	@Param			resource	path	string	true	"Resource kind"	example(documents)
//	@Success		204
//	@Failure		400	{object}	ErrorResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		AdminKeyAuth
//	@Router			/admin/tenants/{tenant_id}/overrides/limits/{resource} [delete]
func (h *AdminHandler) RemoveLimitOverride(c *gin.Context) {
	tenantID, ok := h.pathTenantID(c)
	if !ok {
		return
	}
	resource, err := billing.ParseResourceKind(c.Param("resource"))
	if err != nil {
		h.BadRequest(c, "Unknown resource kind: "+c.Param("resource"))
		return
	}

	if err := h.overrides.RemoveLimitOverride(c.Request.Context(), tenantID, resource); err != nil {
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}

// SetFeatureOverride godoc
//
//	@ID				adminSetFeatureOverride
//	@Summary		Set a feature override
//	@Description	Grants or revokes one feature for the tenant regardless of tier, until the override expires or is removed.
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			tenant_id	path		string						true	"Tenant ID"	format(uuid)
//	@Param			feature		path		string						true	"Feature key"	example(api_access)
//	@Param			request		body		SetFeatureOverrideRequest	true	"Override to apply"
//	@Success		200			{object}	APIResponse[billing.FeatureOverride]
//	@Failure		400			{object}	ErrorResponse
//	@Failure		401			{object}	ErrorResponse
//	@Security		AdminKeyAuth
//	@Router			/admin/tenants/{tenant_id}/overrides/features/{feature} [put]
func (h *AdminHandler) SetFeatureOverride(c *gin.Context) {
	tenantID, ok := h.pathTenantID(c)
	if !ok {
		return
	}
	key := billing.FeatureKey(c.Param("feature"))
	if !billing.IsValidFeatureKey(key) {
		h.BadRequest(c, "Unknown feature key: "+c.Param("feature"))
		return
	}

	var req SetFeatureOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	override, err := h.overrides.SetFeatureOverride(c.Request.Context(), tenantID, key, req.Enabled, req.Reason, req.ExpiresAt)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.logger.Info("Feature override applied",
		zap.String("tenant_id", tenantID.String()),
		zap.String("feature", key.String()),
		zap.Bool("enabled", req.Enabled))
	h.Success(c, override)
}

// RemoveFeatureOverride godoc
//
//	@ID				adminRemoveFeatureOverride
//	@Summary		Remove a feature override
//	@Description	Removes the tenant's feature override, restoring the tier's grant.
//	@Tags			admin
//	@Param			tenant_id	path	string	true	"Tenant ID"	format(uuid)
//	@Param			feature		path	string	true	"Feature key"	example(api_access)
//	@Success		204
//	@Failure		400	{object}	ErrorResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		AdminKeyAuth
//	@Router			/admin/tenants/{tenant_id}/overrides/features/{feature} [delete]
func (h *AdminHandler) RemoveFeatureOverride(c *gin.Context) {
	tenantID, ok := h.pathTenantID(c)
	if !ok {
		return
	}
	key := billing.FeatureKey(c.Param("feature"))
	if !billing.IsValidFeatureKey(key) {
		h.BadRequest(c, "Unknown feature key: "+c.Param("feature"))
		return
	}

	if err := h.overrides.RemoveFeatureOverride(c.Request.Context(), tenantID, key); err != nil {
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}

// CorrectEvent godoc
//
//	@ID				adminCorrectEvent
//	@Summary		Correct a usage event
//	@Description	Removes one ledger entry as an explicit administrative correction. Cached counters and snapshots pick the change up on their next refresh.
//	@Tags			admin
//	@Produce		json
//	@Param			event_id	path		string	true	"Usage event ID"	format(uuid)
//	@Success		200			{object}	APIResponse[CorrectionResponse]
//	@Failure		400			{object}	ErrorResponse
//	@Failure		401			{object}	ErrorResponse
//	@Failure		404			{object}	ErrorResponse
//	@Security		AdminKeyAuth
//	@Router			/admin/usage/events/{event_id} [delete]
func (h *AdminHandler) CorrectEvent(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("event_id"))
	if err != nil {
		h.BadRequest(c, "Invalid event ID")
		return
	}

	event, err := h.ledger.CorrectEvent(c.Request.Context(), eventID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.logger.Info("Ledger entry corrected",
		zap.String("event_id", eventID.String()),
		zap.String("tenant_id", event.TenantID.String()),
		zap.String("action", event.Action.String()))
	h.Success(c, CorrectionResponse{Event: toUsageEventResponse(event)})
}

// SyncSubscription godoc
//
//	@ID				adminSyncSubscription
//	@Summary		Re-sync a subscription
//	@Description	Pulls the tenant's subscription state from the billing provider and reconciles the local copy, invalidating cached entitlements.
//	@Tags			admin
//	@Produce		json
//	@Param			tenant_id	path	string	true	"Tenant ID"	format(uuid)
//	@Success		204
//	@Failure		400	{object}	ErrorResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		AdminKeyAuth
//	@Router			/admin/tenants/{tenant_id}/subscription/sync [post]
func (h *AdminHandler) SyncSubscription(c *gin.Context) {
	tenantID, ok := h.pathTenantID(c)
	if !ok {
		return
	}

	if err := h.overrides.SyncSubscription(c.Request.Context(), tenantID); err != nil {
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}

// GetSystemHealth godoc
//
//	@ID				adminGetSystemHealth
//	@Summary		Get recording pipeline health
//	@Description	Reports the ledger write path's health and the API metering buffer's statistics.
//	@Tags			admin
//	@Produce		json
//	@Success		200	{object}	APIResponse[SystemHealthResponse]
//	@Failure		401	{object}	ErrorResponse
//	@Security		AdminKeyAuth
//	@Router			/admin/health [get]
func (h *AdminHandler) GetSystemHealth(c *gin.Context) {
	resp := SystemHealthResponse{Recording: h.ledger.Health()}
	if h.apiTracker != nil {
		stats := h.apiTracker.Stats()
		resp.APIUsage = &stats
	}

	h.Success(c, resp)
}

// pathTenantID parses the tenant_id path parameter
func (h *AdminHandler) pathTenantID(c *gin.Context) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return uuid.Nil, false
	}
	return tenantID, true
}
