package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/briefly/metering/internal/application/enforcement"
	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Enforcement context key and response headers. Quota headers are set on
// every enforced response so clients can pace themselves without polling
// the usage endpoints.
const (
	// EnforcementResultKey is the key for storing the admission result in context
	EnforcementResultKey = "enforcement_result"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"

	HeaderUsageCurrent   = "X-Usage-Current"
	HeaderUsageLimit     = "X-Usage-Limit"
	HeaderUsageRemaining = "X-Usage-Remaining"
	HeaderUsageTier      = "X-Usage-Tier"
	HeaderUsageWarning   = "X-Usage-Warning"
)

// X-Usage-Warning values
const (
	UsageWarningApproaching = "approaching_limit"
	UsageWarningOverLimit   = "over_limit"
)

// AdmissionChecker runs the entitlement, quota, and rate checks for one
// unit of an action. Implemented by the enforcement service.
type AdmissionChecker interface {
	Check(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, quantity int64) (*enforcement.Result, error)
}

// EnforceMiddlewareConfig holds configuration for enforcement middleware
type EnforceMiddlewareConfig struct {
	// Checker is required for running admission checks
	Checker AdmissionChecker
	// Quantity is the amount charged per request (default: 1)
	Quantity int64
	// Metrics is optional for recording check outcomes
	Metrics *telemetry.MeteringMetrics
	// Logger for middleware logging
	Logger *zap.Logger
	// OnDenied is called when admission is denied (optional)
	OnDenied func(c *gin.Context, result *enforcement.Result)
}

// EnforceAction creates middleware that admits a request only when the
// tenant's entitlements, quota, and rate rule allow the action.
// Panics if the action kind is invalid or no checker is configured
// (fail fast at startup).
func EnforceAction(action metering.ActionKind, cfg EnforceMiddlewareConfig) gin.HandlerFunc {
	// Validate at middleware creation time (fail fast)
	if !action.IsValid() {
		panic(fmt.Sprintf("invalid action kind: %s", action))
	}
	if cfg.Checker == nil {
		panic("enforcement middleware requires an admission checker")
	}

	quantity := cfg.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	return func(c *gin.Context) {
		tenantID := GetTenantID(c)
		if tenantID == "" {
			tenantID = GetJWTTenantID(c)
		}
		tenantUUID, err := uuid.Parse(tenantID)
		if err != nil || tenantUUID == uuid.Nil {
			respondUnauthorized(c, "Tenant identification required")
			return
		}

		ctx := c.Request.Context()
		start := time.Now()

		result, err := cfg.Checker.Check(ctx, tenantUUID, action, quantity)
		if err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Error("Admission check failed",
					zap.String("tenant_id", tenantID),
					zap.String("action", action.String()),
					zap.Error(err),
				)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "ERR_INTERNAL",
					"message": "Admission check failed",
				},
			})
			return
		}

		if cfg.Metrics != nil {
			outcome := telemetry.CheckOutcomeAllowed
			if result.Denied() {
				outcome = telemetry.CheckOutcomeDenied
			}
			cfg.Metrics.ObserveEnforcement(ctx, action.String(), outcome, time.Since(start))
			if result.RateLimit > 0 || result.Denial == enforcement.DenialRateLimited {
				cfg.Metrics.RecordRateLimitCheck(ctx, tenantUUID, action.String(), outcome)
			}
		}

		// Headers go out on denials too so clients see where they stand
		setQuotaHeaders(c, result)
		setRateHeaders(c, result)

		if result.Denied() {
			if cfg.Metrics != nil && result.Denial != enforcement.DenialRateLimited {
				cfg.Metrics.RecordQuotaDenial(ctx, tenantUUID, action.String(), string(result.Denial))
			}
			if cfg.Logger != nil {
				cfg.Logger.Info("Request denied by admission check",
					zap.String("tenant_id", tenantID),
					zap.String("action", action.String()),
					zap.String("denial", string(result.Denial)),
					zap.String("tier", result.Tier.String()),
				)
			}
			handleAdmissionDenied(c, cfg, result)
			return
		}

		c.Set(EnforcementResultKey, result)
		c.Next()
	}
}

// setQuotaHeaders writes the quota state headers from the tier check
func setQuotaHeaders(c *gin.Context, result *enforcement.Result) {
	if result.Tier != "" {
		c.Header(HeaderUsageTier, result.Tier.String())
	}
	if result.Unlimited || result.Limit <= 0 {
		return
	}

	c.Header(HeaderUsageCurrent, strconv.FormatInt(result.Current, 10))
	c.Header(HeaderUsageLimit, strconv.FormatInt(result.Limit, 10))
	c.Header(HeaderUsageRemaining, strconv.FormatInt(result.Remaining, 10))

	switch {
	case result.OverLimit:
		c.Header(HeaderUsageWarning, UsageWarningOverLimit)
	case result.Severity == billing.SeverityWarning || result.Severity == billing.SeverityCritical:
		c.Header(HeaderUsageWarning, UsageWarningApproaching)
	}
}

// setRateHeaders writes the rate limit headers from the admission check
func setRateHeaders(c *gin.Context, result *enforcement.Result) {
	if result.RateLimit <= 0 {
		return
	}
	c.Header(HeaderRateLimitLimit, strconv.FormatInt(result.RateLimit, 10))
	c.Header(HeaderRateLimitRemaining, strconv.FormatInt(result.RateRemaining, 10))
	if !result.RateReset.IsZero() {
		c.Header(HeaderRateLimitReset, strconv.FormatInt(result.RateReset.Unix(), 10))
	}
}

// handleAdmissionDenied renders the denial as a machine-readable error.
// Rate denials are 429, availability problems are 503, everything else
// is an entitlement problem and renders as 403.
func handleAdmissionDenied(c *gin.Context, cfg EnforceMiddlewareConfig, result *enforcement.Result) {
	if cfg.OnDenied != nil {
		cfg.OnDenied(c, result)
		return
	}

	switch result.Denial {
	case enforcement.DenialRateLimited:
		c.Header(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "ERR_RATE_LIMITED",
				"message": denialMessage(result, "Rate limit exceeded, please slow down"),
				"details": gin.H{
					"action":      result.Action.String(),
					"limit":       result.RateLimit,
					"reset_at":    result.RateReset.UTC().Format(time.RFC3339),
					"retry_after": retryAfterSeconds(result.RetryAfter),
				},
			},
		})

	case enforcement.DenialStoreUnavailable:
		c.Header(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "ERR_UNAVAILABLE",
				"message": denialMessage(result, "Rate limiting temporarily unavailable, please retry"),
			},
		})

	case enforcement.DenialFeatureNotAvailable:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "ERR_FEATURE_NOT_AVAILABLE",
				"message": denialMessage(result, "This feature is not available in your current plan"),
				"details": gin.H{
					"action":       result.Action.String(),
					"current_tier": result.Tier.String(),
					"upgrade_hint": "Please upgrade your subscription plan to access this feature",
				},
			},
		})

	case enforcement.DenialSubscriptionInactive:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "ERR_SUBSCRIPTION_INACTIVE",
				"message": denialMessage(result, "Your subscription cannot serve requests right now"),
				"details": gin.H{
					"current_tier": result.Tier.String(),
				},
			},
		})

	default: // DenialUsageLimitExceeded
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "ERR_USAGE_LIMIT_EXCEEDED",
				"message": denialMessage(result, "Usage limit for your plan has been reached"),
				"details": gin.H{
					"action":       result.Action.String(),
					"resource":     string(result.Resource),
					"current":      result.Current,
					"limit":        result.Limit,
					"current_tier": result.Tier.String(),
					"upgrade_hint": "Please upgrade your subscription plan to raise this limit",
				},
			},
		})
	}
}

func denialMessage(result *enforcement.Result, fallback string) string {
	if result.Message != "" {
		return result.Message
	}
	return fallback
}

// retryAfterSeconds rounds the retry hint up to whole seconds, never
// below one so clients always back off
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// GetEnforcementResult retrieves the admission result from gin.Context.
// Returns nil when no enforcement middleware ran on the route.
func GetEnforcementResult(c *gin.Context) *enforcement.Result {
	if value, exists := c.Get(EnforcementResultKey); exists {
		if result, ok := value.(*enforcement.Result); ok {
			return result
		}
	}
	return nil
}
