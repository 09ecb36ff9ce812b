package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
)

// UnavailableRetryAfter is the retry hint returned when the counter
// store is unreachable and the rule fails closed. Short so that
// legitimate traffic recovers quickly once the store comes back.
const UnavailableRetryAfter = 5 * time.Second

// CheckRequest describes one admission attempt. The rule fields travel
// with the request because rules are resolved per action from
// configuration; the limiter itself is stateless apart from its store.
type CheckRequest struct {
	TenantID  uuid.UUID
	Action    metering.ActionKind
	Limit     int64
	Window    time.Duration
	Algorithm Algorithm

	// FailOpen admits the request when the store is unreachable
	// instead of denying it. Reserved for actions where availability
	// beats strictness; the default is fail-closed.
	FailOpen bool
}

// Validate checks the request is well formed
func (r CheckRequest) Validate() error {
	if r.TenantID == uuid.Nil {
		return shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !r.Action.IsValid() {
		return shared.NewDomainError("INVALID_ACTION", fmt.Sprintf("Unknown action kind %q", string(r.Action)))
	}
	if r.Window <= 0 {
		return shared.NewDomainError("INVALID_WINDOW", "Window must be positive")
	}
	if !r.Algorithm.IsValid() {
		return shared.NewDomainError("INVALID_ALGORITHM", fmt.Sprintf("Unknown algorithm %q", string(r.Algorithm)))
	}
	return nil
}

// Decision is the outcome of an admission attempt. Denials are values,
// not errors: Err is set only when the counter store failed, and then
// Allowed reflects the rule's fail-open or fail-closed policy.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

// Degraded returns true when the decision was made without the counter
// store, either an optimistic fail-open admission or a protective
// fail-closed denial.
func (d Decision) Degraded() bool {
	return d.Err != nil
}

// Limiter enforces per-tenant, per-action rate rules on top of an
// atomic counter store.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

// NewLimiter creates a limiter backed by the given store
func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{
		store: store,
		now:   time.Now,
	}
}

// WithClock overrides the limiter's clock, for tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Check runs one admission attempt. A malformed request and a
// non-positive limit both deny without touching the store.
func (l *Limiter) Check(ctx context.Context, req CheckRequest) Decision {
	now := l.now()

	if err := req.Validate(); err != nil {
		return Decision{
			Allowed:    false,
			Limit:      req.Limit,
			ResetTime:  now.Add(req.Window),
			RetryAfter: UnavailableRetryAfter,
			Err:        err,
		}
	}

	if req.Limit <= 0 {
		return Decision{
			Allowed:    false,
			Limit:      req.Limit,
			Remaining:  0,
			ResetTime:  now.Add(req.Window),
			RetryAfter: req.Window,
		}
	}

	switch req.Algorithm {
	case AlgorithmSlidingWindow:
		return l.checkSliding(ctx, req, now)
	default:
		return l.checkFixed(ctx, req, now)
	}
}

// checkFixed admits against a clock-aligned window counter. The counter
// key embeds the window start, so reset time and retry hints derive
// from the clock without extra store round trips.
func (l *Limiter) checkFixed(ctx context.Context, req CheckRequest, now time.Time) Decision {
	windowStart := now.Truncate(req.Window)
	resetTime := windowStart.Add(req.Window)
	key := FixedWindowKey(req.TenantID, req.Action, windowStart)

	count, err := l.store.IncrementWindow(ctx, key, req.Window)
	if err != nil {
		return l.storeFailure(req, now, err)
	}

	decision := Decision{
		Limit:     req.Limit,
		Remaining: req.Limit - count,
		ResetTime: resetTime,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}

	if count > req.Limit {
		decision.RetryAfter = positiveDuration(resetTime.Sub(now))
		return decision
	}

	decision.Allowed = true
	return decision
}

// checkSliding admits against a rolling window of request timestamps.
// The store only appends when the attempt is admitted, so denied
// attempts never consume capacity.
func (l *Limiter) checkSliding(ctx context.Context, req CheckRequest, now time.Time) Decision {
	key := SlidingWindowKey(req.TenantID, req.Action)

	count, admitted, oldest, err := l.store.SlidingAdmit(ctx, key, req.Window, req.Limit, now)
	if err != nil {
		return l.storeFailure(req, now, err)
	}

	decision := Decision{
		Allowed:   admitted,
		Limit:     req.Limit,
		Remaining: req.Limit - count,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}

	// The next slot frees when the oldest entry ages out of the window
	if oldest.IsZero() {
		decision.ResetTime = now.Add(req.Window)
	} else {
		decision.ResetTime = oldest.Add(req.Window)
	}

	if !admitted {
		decision.RetryAfter = positiveDuration(decision.ResetTime.Sub(now))
	}
	return decision
}

// storeFailure applies the rule's failure policy when the counter store
// is unreachable. The default fails closed; FailOpen trades strictness
// for availability and admits optimistically.
func (l *Limiter) storeFailure(req CheckRequest, now time.Time, err error) Decision {
	wrapped := fmt.Errorf("%w: %v", shared.ErrStoreUnavailable, err)

	if req.FailOpen {
		return Decision{
			Allowed:   true,
			Limit:     req.Limit,
			Remaining: req.Limit - 1,
			ResetTime: now.Add(req.Window),
			Err:       wrapped,
		}
	}

	return Decision{
		Allowed:    false,
		Limit:      req.Limit,
		Remaining:  0,
		ResetTime:  now.Add(UnavailableRetryAfter),
		RetryAfter: UnavailableRetryAfter,
		Err:        wrapped,
	}
}

// positiveDuration clamps a retry hint to at least one second so a
// denied caller never receives a zero or negative backoff.
func positiveDuration(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
