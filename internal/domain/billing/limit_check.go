package billing

import (
	"fmt"
	"time"
)

// Usage thresholds that trigger warnings before a limit is reached
const (
	// WarnThreshold is the fraction of a limit at which usage is
	// flagged as approaching and an upgrade is recommended
	WarnThreshold = 0.80

	// CriticalThreshold is the fraction of a limit at which usage is
	// flagged as critical
	CriticalThreshold = 0.95
)

// UsageSeverity classifies how close usage is to its limit
type UsageSeverity string

const (
	// SeverityOK indicates usage is comfortably within the limit
	SeverityOK UsageSeverity = "ok"

	// SeverityWarning indicates usage has crossed WarnThreshold
	SeverityWarning UsageSeverity = "warning"

	// SeverityCritical indicates usage has crossed CriticalThreshold
	SeverityCritical UsageSeverity = "critical"

	// SeverityExceeded indicates usage has reached or passed the limit
	SeverityExceeded UsageSeverity = "exceeded"
)

// String returns the string representation of the severity
func (s UsageSeverity) String() string {
	return string(s)
}

// DenialReason explains why consumption was denied. Denials are
// ordinary result values; only infrastructure failures surface as
// errors.
type DenialReason string

const (
	// DenialNone means consumption was allowed
	DenialNone DenialReason = ""

	// DenialSubscriptionInactive means the subscription status does
	// not entitle the tenant to consume at all
	DenialSubscriptionInactive DenialReason = "subscription_inactive"

	// DenialLimitExceeded means the tier limit for the resource has
	// been reached
	DenialLimitExceeded DenialReason = "limit_exceeded"

	// DenialFeatureNotAvailable means the tier does not include the
	// requested feature
	DenialFeatureNotAvailable DenialReason = "feature_not_available"
)

// LimitCheckResult reports whether a consumption attempt fits under a
// tenant's limit, together with everything a caller needs to render
// quota headers or an upgrade prompt.
type LimitCheckResult struct {
	Allowed     bool          `json:"allowed"`
	Resource    ResourceKind  `json:"resource"`
	Tier        Tier          `json:"tier"`
	Current     int64         `json:"current"`
	Limit       int64         `json:"limit"`
	Remaining   int64         `json:"remaining"`
	PercentUsed float64       `json:"percent_used"`
	Unlimited   bool          `json:"unlimited"`
	Severity    UsageSeverity `json:"severity"`
	Reason      DenialReason  `json:"reason,omitempty"`

	// OverLimit marks usage that exceeds the limit but was admitted
	// anyway, either during a downgrade grace window or because the
	// check was advisory.
	OverLimit bool `json:"over_limit,omitempty"`

	// GraceEndsAt is set when OverLimit admission came from a
	// downgrade grace window.
	GraceEndsAt *time.Time `json:"grace_ends_at,omitempty"`
}

// EvaluateLimit checks whether consuming quantity more units of a
// resource fits under the limit, given current usage. An Unlimited
// limit always admits; its result reports zero percent used and an
// Unlimited remaining sentinel.
func EvaluateLimit(tier Tier, resource ResourceKind, current, quantity, limit int64) LimitCheckResult {
	result := LimitCheckResult{
		Resource: resource,
		Tier:     tier,
		Current:  current,
		Limit:    limit,
	}

	if limit == Unlimited {
		result.Allowed = true
		result.Unlimited = true
		result.Remaining = Unlimited
		result.Severity = SeverityOK
		return result
	}

	result.Remaining = limit - current
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if limit > 0 {
		result.PercentUsed = float64(current) / float64(limit) * 100
	} else if current > 0 {
		result.PercentUsed = 100
	}
	result.Severity = severityFor(current, limit)

	if current+quantity > limit {
		result.Reason = DenialLimitExceeded
		return result
	}

	result.Allowed = true
	return result
}

// AdmitWithGrace converts a limit denial into an over-limit admission
// for the duration of a downgrade grace window.
func (r LimitCheckResult) AdmitWithGrace(graceEndsAt time.Time) LimitCheckResult {
	if r.Allowed || r.Reason != DenialLimitExceeded {
		return r
	}
	r.Allowed = true
	r.OverLimit = true
	r.Reason = DenialNone
	r.GraceEndsAt = &graceEndsAt
	return r
}

// ShouldRecommendUpgrade returns true when usage has crossed the warn
// threshold and a more generous tier exists.
func (r LimitCheckResult) ShouldRecommendUpgrade() bool {
	if r.Unlimited {
		return false
	}
	return r.Severity != SeverityOK && r.Tier.Next() != r.Tier
}

// Message returns a human-readable summary of the check
func (r LimitCheckResult) Message() string {
	switch {
	case r.Unlimited:
		return fmt.Sprintf("%s usage is unlimited on the %s tier", r.Resource.DisplayName(), r.Tier.DisplayName())
	case r.Reason == DenialLimitExceeded:
		return fmt.Sprintf("%s limit reached: %d of %d used", r.Resource.DisplayName(), r.Current, r.Limit)
	case r.OverLimit:
		return fmt.Sprintf("%s usage exceeds the %s tier limit and will be enforced after the grace period", r.Resource.DisplayName(), r.Tier.DisplayName())
	case r.Severity == SeverityCritical:
		return fmt.Sprintf("%s usage is at %.0f%% of the limit", r.Resource.DisplayName(), r.PercentUsed)
	case r.Severity == SeverityWarning:
		return fmt.Sprintf("%s usage is approaching the limit", r.Resource.DisplayName())
	default:
		return fmt.Sprintf("%s usage is within the limit", r.Resource.DisplayName())
	}
}

// SubscriptionInactiveResult builds the denial returned when the
// subscription status gate fails.
func SubscriptionInactiveResult(tier Tier, resource ResourceKind) LimitCheckResult {
	return LimitCheckResult{
		Resource: resource,
		Tier:     tier,
		Severity: SeverityOK,
		Reason:   DenialSubscriptionInactive,
	}
}

// severityFor classifies current usage against a finite limit
func severityFor(current, limit int64) UsageSeverity {
	if limit <= 0 {
		if current > 0 {
			return SeverityExceeded
		}
		return SeverityOK
	}

	ratio := float64(current) / float64(limit)
	switch {
	case current >= limit:
		return SeverityExceeded
	case ratio >= CriticalThreshold:
		return SeverityCritical
	case ratio >= WarnThreshold:
		return SeverityWarning
	default:
		return SeverityOK
	}
}

// FeatureCheckResult reports whether a tier grants access to a feature
type FeatureCheckResult struct {
	Allowed    bool         `json:"allowed"`
	Feature    FeatureKey   `json:"feature"`
	Tier       Tier         `json:"tier"`
	Overridden bool         `json:"overridden,omitempty"`
	Reason     DenialReason `json:"reason,omitempty"`
}

// CheckFeature evaluates default tier entitlements for a feature
func CheckFeature(tier Tier, key FeatureKey) FeatureCheckResult {
	result := FeatureCheckResult{
		Feature: key,
		Tier:    tier,
	}
	if TierHasFeature(tier, key) {
		result.Allowed = true
		return result
	}
	result.Reason = DenialFeatureNotAvailable
	return result
}
