// Package enforcement composes feature gating, tier limits, rate
// limiting, and usage recording into a single admission surface for
// protected operations. It is transport agnostic; HTTP translation of
// its results lives in the interface layer.
package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appmetering "github.com/briefly/metering/internal/application/metering"
	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/ratelimit"
	"github.com/briefly/metering/internal/domain/shared"
)

// EntitlementGate answers feature and quota questions for a tenant
type EntitlementGate interface {
	HasFeatureAccess(ctx context.Context, tenantID uuid.UUID, key billing.FeatureKey) (*billing.FeatureCheckResult, error)
	CheckUsageLimit(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, quantity int64) (*billing.LimitCheckResult, error)
}

// AdmissionLimiter runs one rate-rule admission attempt
type AdmissionLimiter interface {
	Check(ctx context.Context, req ratelimit.CheckRequest) ratelimit.Decision
}

// UsageRecorder records metered actions after the protected operation
// has run
type UsageRecorder interface {
	TrackUsage(ctx context.Context, input appmetering.TrackUsageInput) (*appmetering.TrackUsageResult, error)
}

// DenialCode identifies why enforcement refused a request. Codes reuse
// the shared error-code vocabulary so transport layers can map them
// without translation.
type DenialCode string

const (
	// DenialNone means the request was admitted
	DenialNone DenialCode = ""

	// DenialFeatureNotAvailable means the tenant's tier does not
	// include the feature gating the action
	DenialFeatureNotAvailable DenialCode = shared.CodeFeatureNotAvailable

	// DenialSubscriptionInactive means the subscription status does
	// not entitle the tenant to consume at all
	DenialSubscriptionInactive DenialCode = shared.CodeSubscriptionInactive

	// DenialUsageLimitExceeded means the tier limit for the action's
	// resource pool has been reached
	DenialUsageLimitExceeded DenialCode = shared.CodeUsageLimitExceeded

	// DenialRateLimited means the action's rate rule refused admission
	DenialRateLimited DenialCode = shared.CodeRateLimitExceeded

	// DenialStoreUnavailable means the rate counter store was
	// unreachable and the rule fails closed
	DenialStoreUnavailable DenialCode = shared.CodeStoreUnavailable
)

// Result is the outcome of one admission attempt. Denials are ordinary
// values carrying everything a transport needs to render quota headers,
// a retry hint, or an upgrade prompt; errors are reserved for
// infrastructure failures outside the rate path.
type Result struct {
	Allowed bool                `json:"allowed"`
	Denial  DenialCode          `json:"denial,omitempty"`
	Message string              `json:"message,omitempty"`
	Action  metering.ActionKind `json:"action"`

	// Quota state from the tier check
	Tier        billing.Tier          `json:"tier,omitempty"`
	Resource    billing.ResourceKind  `json:"resource,omitempty"`
	Current     int64                 `json:"current"`
	Limit       int64                 `json:"limit"`
	Remaining   int64                 `json:"remaining"`
	PercentUsed float64               `json:"percent_used"`
	Unlimited   bool                  `json:"unlimited,omitempty"`
	Severity    billing.UsageSeverity `json:"severity,omitempty"`
	OverLimit   bool                  `json:"over_limit,omitempty"`
	GraceEndsAt *time.Time            `json:"grace_ends_at,omitempty"`

	// Rate state from the admission check, zero when the action has no
	// rate rule
	RateLimit     int64         `json:"rate_limit,omitempty"`
	RateRemaining int64         `json:"rate_remaining,omitempty"`
	RateReset     time.Time     `json:"rate_reset,omitempty"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
}

// Denied returns true when the request was refused
func (r *Result) Denied() bool {
	return !r.Allowed
}

func (r *Result) applyQuota(quota *billing.LimitCheckResult) {
	r.Tier = quota.Tier
	r.Resource = quota.Resource
	r.Current = quota.Current
	r.Limit = quota.Limit
	r.Remaining = quota.Remaining
	r.PercentUsed = quota.PercentUsed
	r.Unlimited = quota.Unlimited
	r.Severity = quota.Severity
	r.OverLimit = quota.OverLimit
	r.GraceEndsAt = quota.GraceEndsAt
}

func (r *Result) applyRate(decision ratelimit.Decision) {
	r.RateLimit = decision.Limit
	r.RateRemaining = decision.Remaining
	r.RateReset = decision.ResetTime
	r.RetryAfter = decision.RetryAfter
}

// Enforcer guards protected operations. Checks run from cheapest to
// most expensive so a request doomed by a cheap check never pays for an
// expensive one: feature gate, then tier limit, then the rate rule's
// store round trip.
type Enforcer struct {
	entitlements EntitlementGate
	limiter      AdmissionLimiter
	recorder     UsageRecorder
	rules        *ratelimit.RuleTable
	logger       *zap.Logger
}

// NewEnforcer creates a new Enforcer. A nil rule table falls back to
// the built-in rules.
func NewEnforcer(
	entitlements EntitlementGate,
	limiter AdmissionLimiter,
	recorder UsageRecorder,
	rules *ratelimit.RuleTable,
	logger *zap.Logger,
) (*Enforcer, error) {
	if entitlements == nil {
		return nil, shared.NewDomainError("INVALID_CONFIG", "Entitlement gate is required")
	}
	if limiter == nil {
		return nil, shared.NewDomainError("INVALID_CONFIG", "Rate limiter is required")
	}
	if recorder == nil {
		return nil, shared.NewDomainError("INVALID_CONFIG", "Usage recorder is required")
	}
	if rules == nil {
		rules = ratelimit.DefaultRuleTable()
	}

	return &Enforcer{
		entitlements: entitlements,
		limiter:      limiter,
		recorder:     recorder,
		rules:        rules,
		logger:       logger,
	}, nil
}

// Check runs the admission pipeline without executing an operation or
// recording usage. Use it for read-only preflight; EnforceAndRun is the
// full wrapper.
func (e *Enforcer) Check(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, quantity int64) (*Result, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !action.IsValid() {
		return nil, shared.NewDomainError("INVALID_ACTION", fmt.Sprintf("Unknown action kind %q", string(action)))
	}
	if quantity < 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Quantity cannot be negative")
	}

	result := &Result{Action: action}

	// 1. Feature gate, served from cached entitlements
	if key, gated := billing.FeatureForAction(action); gated {
		feature, err := e.entitlements.HasFeatureAccess(ctx, tenantID, key)
		if err != nil {
			return nil, err
		}
		result.Tier = feature.Tier
		if !feature.Allowed {
			result.Denial = DenialFeatureNotAvailable
			result.Message = fmt.Sprintf("%s is not available on the %s tier", key, feature.Tier.DisplayName())
			return result, nil
		}
	}

	// 2. Tier limit for the resource pool the action draws from
	quota, err := e.entitlements.CheckUsageLimit(ctx, tenantID, action, quantity)
	if err != nil {
		return nil, err
	}
	result.applyQuota(quota)
	result.Message = quota.Message()
	if !quota.Allowed {
		if quota.Reason == billing.DenialSubscriptionInactive {
			result.Denial = DenialSubscriptionInactive
			result.Message = fmt.Sprintf("The subscription does not permit %s", action.DisplayName())
		} else {
			result.Denial = DenialUsageLimitExceeded
		}
		return result, nil
	}

	// 3. Rate rule, one counter-store round trip. Actions without a
	// rule skip straight to admission.
	if rule, ok := e.rules.For(action); ok {
		decision := e.limiter.Check(ctx, rule.Request(tenantID, action))
		result.applyRate(decision)
		if decision.Degraded() {
			e.logger.Warn("Rate limit check degraded",
				zap.String("tenant_id", tenantID.String()),
				zap.String("action", action.String()),
				zap.Bool("allowed", decision.Allowed),
				zap.Error(decision.Err))
		}
		if !decision.Allowed {
			if decision.Degraded() {
				result.Denial = DenialStoreUnavailable
				result.Message = fmt.Sprintf("Admission for %s could not be verified, retry shortly", action.DisplayName())
			} else {
				result.Denial = DenialRateLimited
				result.Message = fmt.Sprintf("Rate limit exceeded for %s, retry in %s", action.DisplayName(), decision.RetryAfter)
			}
			return result, nil
		}
	}

	result.Allowed = true
	return result, nil
}

// EnforceAndRun guards op with the admission pipeline and records usage
// afterwards. Denials return a Result with a nil error and op never
// runs. When op fails, a zero-quantity event marks the attempt in the
// ledger and the original error is returned unchanged. Recording is
// best-effort either way; ledger failures are logged, never raised.
func (e *Enforcer) EnforceAndRun(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, quantity int64, op func(context.Context) error) (*Result, error) {
	if op == nil {
		return nil, shared.NewDomainError("INVALID_OPERATION", "Operation cannot be nil")
	}

	result, err := e.Check(ctx, tenantID, action, quantity)
	if err != nil {
		return nil, err
	}
	if result.Denied() {
		return result, nil
	}

	if opErr := op(ctx); opErr != nil {
		e.record(ctx, tenantID, action, 0, metering.Metadata{
			"outcome": "failed",
			"error":   opErr.Error(),
		})
		return result, opErr
	}

	e.record(ctx, tenantID, action, quantity, metering.Metadata{
		"outcome": "success",
	})
	return result, nil
}

// record writes one usage event and swallows failures. The tracker
// already logs and counts its own write failures; the warn here ties
// the loss to the enforcement path.
func (e *Enforcer) record(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, quantity int64, metadata metering.Metadata) {
	_, err := e.recorder.TrackUsage(ctx, appmetering.TrackUsageInput{
		TenantID: tenantID,
		Action:   action,
		Quantity: quantity,
		Metadata: metadata,
	})
	if err != nil {
		e.logger.Warn("Usage recording failed after enforcement",
			zap.String("tenant_id", tenantID.String()),
			zap.String("action", action.String()),
			zap.Int64("quantity", quantity),
			zap.Error(err))
	}
}
