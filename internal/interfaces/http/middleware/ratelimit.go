package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/briefly/metering/internal/domain/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PerimeterLimiter applies a fixed-window per-client rate limit in front of
// endpoints that run before tenant identity exists (webhooks, health probes,
// token issuance). Tenant-aware limits are the enforcement middleware's job;
// this one only blunts abuse from a single address. Store failures admit the
// request: perimeter limiting is defense in depth, not an entitlement.
type PerimeterLimiter struct {
	store  ratelimit.CounterStore
	scope  string
	limit  int64
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewPerimeterLimiter creates a perimeter limiter on the given counter
// store. The scope separates key spaces when several perimeter limiters
// share one store.
func NewPerimeterLimiter(store ratelimit.CounterStore, scope string, limit int64, window time.Duration, logger *zap.Logger) *PerimeterLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &PerimeterLimiter{
		store:  store,
		scope:  scope,
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the limiter's clock, for tests
func (pl *PerimeterLimiter) WithClock(now func() time.Time) *PerimeterLimiter {
	if now != nil {
		pl.now = now
	}
	return pl
}

// perimeterKey embeds the window start so counters die with their window
func (pl *PerimeterLimiter) perimeterKey(clientKey string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:perimeter:%s:%s:%d", pl.scope, clientKey, windowStart.Unix())
}

// Allow checks whether one more request from the client fits in the
// current window. It returns the remaining capacity and the window reset
// time alongside the admission verdict.
func (pl *PerimeterLimiter) Allow(c *gin.Context, clientKey string) (allowed bool, remaining int64, reset time.Time) {
	now := pl.now()
	windowStart := now.Truncate(pl.window)
	reset = windowStart.Add(pl.window)

	if pl.limit <= 0 {
		return false, 0, reset
	}

	count, err := pl.store.IncrementWindow(c.Request.Context(), pl.perimeterKey(clientKey, windowStart), pl.window)
	if err != nil {
		pl.logger.Warn("Perimeter counter store unavailable, admitting request",
			zap.String("scope", pl.scope),
			zap.Error(err),
		)
		return true, pl.limit - 1, reset
	}

	remaining = pl.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= pl.limit, remaining, reset
}

// PerimeterRateLimit returns a middleware limiting requests per client IP
func PerimeterRateLimit(limiter *PerimeterLimiter) gin.HandlerFunc {
	return PerimeterRateLimitByKey(limiter, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// PerimeterRateLimitByKey returns a perimeter limiting middleware with a
// custom key extractor
func PerimeterRateLimitByKey(limiter *PerimeterLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, reset := limiter.Allow(c, keyFunc(c))

		c.Header(HeaderRateLimitLimit, strconv.FormatInt(limiter.limit, 10))
		c.Header(HeaderRateLimitRemaining, strconv.FormatInt(remaining, 10))
		c.Header(HeaderRateLimitReset, strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			c.Header(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(reset.Sub(limiter.now()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "ERR_RATE_LIMITED",
					"message": "Too many requests. Please try again later.",
				},
			})
			return
		}

		c.Next()
	}
}
