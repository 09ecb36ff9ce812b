package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appbilling "github.com/briefly/metering/internal/application/billing"
	appmetering "github.com/briefly/metering/internal/application/metering"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/interfaces/http/dto"
	"github.com/briefly/metering/internal/interfaces/http/middleware"
)

// UsageHandler handles usage recording and reporting HTTP requests
type UsageHandler struct {
	BaseHandler
	recorder UsageRecorder
	tiers    TierOverviewSource
	logger   *zap.Logger
}

// UsageRecorder records and queries the usage ledger. The usage tracker
// satisfies it.
type UsageRecorder interface {
	TrackUsage(ctx context.Context, input appmetering.TrackUsageInput) (*appmetering.TrackUsageResult, error)
	GetUsageStatistics(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*appmetering.UsageStatistics, error)
	GetDailySeries(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, start, end time.Time) ([]metering.DailyUsage, error)
	ListUsageEvents(ctx context.Context, tenantID uuid.UUID, filter metering.UsageEventFilter) ([]*metering.UsageEvent, int64, error)
}

// TierOverviewSource reports consumption against effective limits. The
// tier service satisfies it.
type TierOverviewSource interface {
	GetUsageOverview(ctx context.Context, tenantID uuid.UUID) (*appbilling.UsageOverview, error)
	GetUpgradeRecommendations(ctx context.Context, tenantID uuid.UUID) ([]appbilling.UpgradeRecommendation, error)
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(recorder UsageRecorder, tiers TierOverviewSource, logger *zap.Logger) *UsageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageHandler{
		recorder: recorder,
		tiers:    tiers,
		logger:   logger,
	}
}

// ============================================================================
// Request/Response DTOs
// ============================================================================

// RecordUsageRequest submits one metered action for recording
//
//	@Description	One metered action to record against the tenant's usage
type RecordUsageRequest struct {
	Action         string         `json:"action" binding:"required,action" example:"message"`
	Quantity       *int64         `json:"quantity,omitempty" binding:"omitempty,min=0" example:"1"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" binding:"omitempty,max=128" example:"req-7c9e6679-7425-40de-963d-cb1efca1de5f"`
	OccurredAt     *time.Time     `json:"occurred_at,omitempty" example:"2026-08-01T12:00:00Z"`
	ResourceType   string         `json:"resource_type,omitempty" example:"document"`
	ResourceID     string         `json:"resource_id,omitempty" example:"doc_42"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// UsageEventResponse is the API representation of one ledger entry
//
//	@Description	One recorded usage event
type UsageEventResponse struct {
	ID             string         `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	TenantID       string         `json:"tenant_id" example:"9b2f11b4-7a70-4e2f-9c25-1c8e2f3a0d11"`
	Action         string         `json:"action" example:"message"`
	Quantity       int64          `json:"quantity" example:"1"`
	Unit           string         `json:"unit" example:"count"`
	OccurredAt     time.Time      `json:"occurred_at"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty" example:"document"`
	ResourceID     string         `json:"resource_id,omitempty" example:"doc_42"`
	UserID         string         `json:"user_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RecordUsageResponse reports the recording outcome
//
//	@Description	Outcome of recording a usage event
type RecordUsageResponse struct {
	Event     *UsageEventResponse `json:"event,omitempty"`
	Duplicate bool                `json:"duplicate" example:"false"`
}

// DailyUsagePoint is one UTC day in a usage series
//
//	@Description	Usage total for one UTC day
type DailyUsagePoint struct {
	Date       string `json:"date" example:"2026-08-01"`
	Total      int64  `json:"total" example:"120"`
	EventCount int64  `json:"event_count" example:"118"`
}

// DailySeriesResponse is the per-day usage series for one action kind
//
//	@Description	Per-day usage series for one action kind
type DailySeriesResponse struct {
	TenantID string            `json:"tenant_id" example:"9b2f11b4-7a70-4e2f-9c25-1c8e2f3a0d11"`
	Action   string            `json:"action" example:"message"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Points   []DailyUsagePoint `json:"points"`
}

// RecommendationsResponse lists suggested tier upgrades
//
//	@Description	Tier upgrade suggestions for resource pools nearing their limit
type RecommendationsResponse struct {
	Recommendations []appbilling.UpgradeRecommendation `json:"recommendations"`
}

// ============================================================================
// Handlers
// ============================================================================

// RecordUsage godoc
//
//	@ID				recordUsage
//	@Summary		Record a usage event
//	@Description	Records one metered action against the tenant's usage ledger. Resubmitting the same idempotency key returns the original event instead of double counting, so clients can retry blindly.
//	@Tags			usage
//	@Accept			json
//	@Produce		json
//	@Param			request	body		RecordUsageRequest	true	"Usage event to record"
//	@Success		200		{object}	APIResponse[RecordUsageResponse]	"Duplicate submission resolved as no-op"
//	@Success		201		{object}	APIResponse[RecordUsageResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/usage/events [post]
func (h *UsageHandler) RecordUsage(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	var req RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	action, err := metering.ParseActionKind(req.Action)
	if err != nil {
		h.BadRequest(c, "Unknown action kind: "+req.Action)
		return
	}

	quantity := int64(1)
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	input := appmetering.TrackUsageInput{
		TenantID:       tenantID,
		Action:         action,
		Quantity:       quantity,
		IdempotencyKey: req.IdempotencyKey,
		OccurredAt:     req.OccurredAt,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		ClientIP:       c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
		Metadata:       req.Metadata,
	}
	if userIDStr := middleware.GetJWTUserID(c); userIDStr != "" {
		if userID, parseErr := uuid.Parse(userIDStr); parseErr == nil {
			input.UserID = &userID
		} else {
			h.logger.Warn("Unparseable user ID in token, recording without actor",
				zap.String("tenant_id", tenantID.String()))
		}
	}

	result, err := h.recorder.TrackUsage(c.Request.Context(), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := RecordUsageResponse{Duplicate: result.Duplicate}
	if result.Event != nil {
		resp.Event = toUsageEventResponse(result.Event)
	}

	if result.Duplicate {
		h.Success(c, resp)
		return
	}
	h.Created(c, resp)
}

// ListUsageEvents godoc
//
//	@ID				listUsageEvents
//	@Summary		List usage events
//	@Description	Pages through the tenant's recorded usage events, newest first. Supports filtering by time range, action kinds, and resource type.
//	@Tags			usage
//	@Produce		json
//	@Param			page			query		int		false	"Page number"		default(1)
//	@Param			page_size		query		int		false	"Events per page"	default(20)
//	@Param			order_by		query		string	false	"Sort field"		default(occurred_at)
//	@Param			order_dir		query		string	false	"Sort direction"	Enums(asc, desc)
//	@Param			start			query		string	false	"Range start (RFC 3339 or YYYY-MM-DD)"
//	@Param			end				query		string	false	"Range end (RFC 3339 or YYYY-MM-DD)"
//	@Param			actions			query		string	false	"Comma-separated action kinds"	example(message,upload)
//	@Param			resource_type	query		string	false	"Resource type filter"			example(document)
//	@Success		200				{object}	APIResponse[[]UsageEventResponse]
//	@Failure		400				{object}	ErrorResponse
//	@Failure		401				{object}	ErrorResponse
//	@Failure		500				{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/usage/events [get]
func (h *UsageHandler) ListUsageEvents(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	req := dto.DefaultListRequest()
	if err := c.ShouldBindQuery(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	actions, err := parseActionsParam(c)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	filter := metering.UsageEventFilter{
		Actions:      actions,
		ResourceType: c.Query("resource_type"),
		Page:         req.Page,
		PageSize:     req.PageSize,
		OrderBy:      req.OrderBy,
		OrderDir:     req.OrderDir,
	}
	if v := c.Query("start"); v != "" {
		start, parseErr := parseTimeParam(v, time.Time{})
		if parseErr != nil {
			h.BadRequest(c, "Invalid start parameter: "+parseErr.Error())
			return
		}
		filter.StartTime = &start
	}
	if v := c.Query("end"); v != "" {
		end, parseErr := parseTimeParam(v, time.Time{})
		if parseErr != nil {
			h.BadRequest(c, "Invalid end parameter: "+parseErr.Error())
			return
		}
		filter.EndTime = &end
	}

	events, total, err := h.recorder.ListUsageEvents(c.Request.Context(), tenantID, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	responses := make([]UsageEventResponse, 0, len(events))
	for _, event := range events {
		responses = append(responses, *toUsageEventResponse(event))
	}

	h.SuccessWithMeta(c, responses, total, req.Page, req.PageSize)
}

// GetUsageOverview godoc
//
//	@ID				getUsageOverview
//	@Summary		Get usage overview
//	@Description	Reports every resource pool's consumption against the tenant's effective limits, plus tier, feature entitlements, and downgrade grace state.
//	@Tags			usage
//	@Produce		json
//	@Success		200	{object}	APIResponse[appbilling.UsageOverview]
//	@Failure		401	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/usage/overview [get]
func (h *UsageHandler) GetUsageOverview(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	overview, err := h.tiers.GetUsageOverview(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, overview)
}

// GetUsageStatistics godoc
//
//	@ID				getUsageStatistics
//	@Summary		Get usage statistics
//	@Description	Aggregates the tenant's usage per action kind over a period. Defaults to the last 30 days.
//	@Tags			usage
//	@Produce		json
//	@Param			start	query		string	false	"Period start (RFC 3339 or YYYY-MM-DD)"	example(2026-08-01)
//	@Param			end		query		string	false	"Period end (RFC 3339 or YYYY-MM-DD)"	example(2026-08-31)
//	@Success		200		{object}	APIResponse[appmetering.UsageStatistics]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/usage/statistics [get]
func (h *UsageHandler) GetUsageStatistics(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	start, end, err := parseTimeRange(c, 30*24*time.Hour)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	stats, err := h.recorder.GetUsageStatistics(c.Request.Context(), tenantID, start, end)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, stats)
}

// GetDailySeries godoc
//
//	@ID				getDailyUsageSeries
//	@Summary		Get daily usage series
//	@Description	Returns per-UTC-day totals for one action kind over a period. Defaults to the last 30 days.
//	@Tags			usage
//	@Produce		json
//	@Param			action	query		string	true	"Action kind"	example(message)
//	@Param			start	query		string	false	"Period start (RFC 3339 or YYYY-MM-DD)"
//	@Param			end		query		string	false	"Period end (RFC 3339 or YYYY-MM-DD)"
//	@Success		200		{object}	APIResponse[DailySeriesResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/usage/daily [get]
func (h *UsageHandler) GetDailySeries(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	actionParam := c.Query("action")
	if actionParam == "" {
		h.BadRequest(c, "action parameter is required")
		return
	}
	action, err := metering.ParseActionKind(actionParam)
	if err != nil {
		h.BadRequest(c, "Unknown action kind: "+actionParam)
		return
	}

	start, end, err := parseTimeRange(c, 30*24*time.Hour)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	series, err := h.recorder.GetDailySeries(c.Request.Context(), tenantID, action, start, end)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	points := make([]DailyUsagePoint, 0, len(series))
	for _, day := range series {
		points = append(points, DailyUsagePoint{
			Date:       day.Day.Format("2006-01-02"),
			Total:      day.Total,
			EventCount: day.EventCount,
		})
	}

	h.Success(c, DailySeriesResponse{
		TenantID: tenantID.String(),
		Action:   action.String(),
		Start:    start,
		End:      end,
		Points:   points,
	})
}

// GetUpgradeRecommendations godoc
//
//	@ID				getUpgradeRecommendations
//	@Summary		Get tier upgrade recommendations
//	@Description	Suggests tier upgrades for resource pools whose usage has crossed the warning threshold. Empty when the tenant is already on the highest tier or all pools are comfortable.
//	@Tags			usage
//	@Produce		json
//	@Success		200	{object}	APIResponse[RecommendationsResponse]
//	@Failure		401	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/usage/recommendations [get]
func (h *UsageHandler) GetUpgradeRecommendations(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant ID not found in request context")
		return
	}

	recommendations, err := h.tiers.GetUpgradeRecommendations(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if recommendations == nil {
		recommendations = []appbilling.UpgradeRecommendation{}
	}

	h.Success(c, RecommendationsResponse{Recommendations: recommendations})
}

// ============================================================================
// Helper functions
// ============================================================================

// toUsageEventResponse maps a ledger entry to its API representation
func toUsageEventResponse(event *metering.UsageEvent) *UsageEventResponse {
	resp := &UsageEventResponse{
		ID:             event.ID.String(),
		TenantID:       event.TenantID.String(),
		Action:         event.Action.String(),
		Quantity:       event.Quantity,
		Unit:           string(event.Unit),
		OccurredAt:     event.OccurredAt,
		IdempotencyKey: event.IdempotencyKey,
		ResourceType:   event.ResourceType,
		ResourceID:     event.ResourceID,
		Metadata:       event.Metadata,
		CreatedAt:      event.CreatedAt,
	}
	if event.UserID != nil {
		resp.UserID = event.UserID.String()
	}
	return resp
}
