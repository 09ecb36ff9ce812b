package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/google/uuid"
)

// CounterStore is the shared-state backend the limiter runs on. Both
// operations must be atomic with respect to concurrent callers on the
// same key: under N concurrent attempts against limit L, exactly
// min(N, L) may be admitted.
type CounterStore interface {
	// IncrementWindow atomically increments the counter at key and
	// returns the new count. The expiry is set to ttl only when the
	// increment creates the key, so a window's counter dies with the
	// window instead of being pushed out by later traffic.
	IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SlidingAdmit atomically prunes entries older than now-window,
	// counts the remainder, and appends an entry at now only when the
	// count is below limit. It returns the count after the attempt,
	// whether the attempt was admitted, and the oldest surviving
	// entry's timestamp (zero when the window is empty).
	SlidingAdmit(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (count int64, admitted bool, oldest time.Time, err error)

	// Get returns the current count at key without modifying it
	Get(ctx context.Context, key string) (int64, error)

	// Remove deletes all counter state for the key
	Remove(ctx context.Context, key string) error

	// Close releases the store's resources
	Close() error
}

// FixedWindowKey builds the counter key for a clock-aligned window.
// The window start is part of the key, so the reset time can be derived
// from the key alone and a stale counter can never leak into the next
// window.
func FixedWindowKey(tenantID uuid.UUID, action metering.ActionKind, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:fixed:%s:%s:%d", tenantID, action, windowStart.Unix())
}

// SlidingWindowKey builds the timestamp-set key for a rolling window
func SlidingWindowKey(tenantID uuid.UUID, action metering.ActionKind) string {
	return fmt.Sprintf("ratelimit:sliding:%s:%s", tenantID, action)
}
