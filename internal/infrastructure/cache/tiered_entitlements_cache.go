package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
)

// TieredEntitlementsCache implements a two-tier caching strategy
// L1: Local in-memory cache (fast, but local to instance)
// L2: Redis cache (slower, but shared across instances)
// This follows a read-through, write-around pattern with Pub/Sub invalidation
type TieredEntitlementsCache struct {
	l1Cache     *InMemoryEntitlementsCache
	l2Cache     *RedisEntitlementsCache
	invalidator *RedisEntitlementsInvalidator
	config      billing.EntitlementsCacheConfig
	logger      *zap.Logger

	// Stats for monitoring
	l1Hits   int64
	l1Misses int64
	l2Hits   int64
	l2Misses int64
}

// TieredEntitlementsCacheOption is a functional option for configuring the cache
type TieredEntitlementsCacheOption func(*TieredEntitlementsCache)

// WithTieredConfig sets the cache configuration
func WithTieredConfig(config billing.EntitlementsCacheConfig) TieredEntitlementsCacheOption {
	return func(c *TieredEntitlementsCache) {
		c.config = config
	}
}

// WithTieredLogger sets the logger for the cache
func WithTieredLogger(logger *zap.Logger) TieredEntitlementsCacheOption {
	return func(c *TieredEntitlementsCache) {
		c.logger = logger
	}
}

// NewTieredEntitlementsCache creates a new tiered entitlements cache
func NewTieredEntitlementsCache(
	l1Cache *InMemoryEntitlementsCache,
	l2Cache *RedisEntitlementsCache,
	invalidator *RedisEntitlementsInvalidator,
	opts ...TieredEntitlementsCacheOption,
) *TieredEntitlementsCache {
	cache := &TieredEntitlementsCache{
		l1Cache:     l1Cache,
		l2Cache:     l2Cache,
		invalidator: invalidator,
		config:      billing.DefaultEntitlementsCacheConfig(),
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache
}

// StartInvalidationSubscription starts listening for cache invalidation messages
// This should be called after creating the cache, typically in a goroutine
func (c *TieredEntitlementsCache) StartInvalidationSubscription(ctx context.Context) error {
	if c.invalidator == nil {
		return nil
	}

	return c.invalidator.Subscribe(ctx, func(msg billing.EntitlementsUpdateMessage) {
		c.handleInvalidationMessage(msg)
	})
}

// handleInvalidationMessage processes cache invalidation messages
func (c *TieredEntitlementsCache) handleInvalidationMessage(msg billing.EntitlementsUpdateMessage) {
	ctx := context.Background()

	switch msg.Action {
	case billing.EntitlementsActionUpdated:
		if err := c.l1Cache.Invalidate(ctx, msg.TenantID); err != nil {
			c.logger.Error("Failed to invalidate L1 cache for tenant",
				zap.String("tenant_id", msg.TenantID.String()),
				zap.Error(err))
		}
		c.logger.Debug("Invalidated L1 cache for tenant",
			zap.String("action", msg.Action),
			zap.String("tenant_id", msg.TenantID.String()))

	case billing.EntitlementsActionInvalidateAll:
		if err := c.l1Cache.InvalidateAll(ctx); err != nil {
			c.logger.Error("Failed to invalidate all L1 cache", zap.Error(err))
		}
		c.logger.Info("Invalidated all L1 cache")
	}
}

// Get retrieves entitlements from cache (L1 -> L2)
func (c *TieredEntitlementsCache) Get(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error) {
	// Try L1 first
	entitlements, err := c.l1Cache.Get(ctx, tenantID)
	if err != nil {
		c.logger.Warn("L1 cache error", zap.String("tenant_id", tenantID.String()), zap.Error(err))
	}
	if entitlements != nil {
		atomic.AddInt64(&c.l1Hits, 1)
		return entitlements, nil
	}
	atomic.AddInt64(&c.l1Misses, 1)

	// Try L2
	entitlements, err = c.l2Cache.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if entitlements != nil {
		atomic.AddInt64(&c.l2Hits, 1)
		// Populate L1 cache
		if err := c.l1Cache.Set(ctx, entitlements, c.config.LocalTTL); err != nil {
			c.logger.Warn("Failed to populate L1 cache", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		}
		return entitlements, nil
	}
	atomic.AddInt64(&c.l2Misses, 1)

	return nil, nil
}

// Set stores entitlements in both layers and notifies other instances
func (c *TieredEntitlementsCache) Set(ctx context.Context, entitlements *billing.TenantEntitlements, ttl time.Duration) error {
	if entitlements == nil {
		return nil
	}

	// Set in L2
	if err := c.l2Cache.Set(ctx, entitlements, ttl); err != nil {
		return err
	}

	// Also set in L1 for immediate local access
	if err := c.l1Cache.Set(ctx, entitlements, c.config.LocalTTL); err != nil {
		c.logger.Warn("Failed to set L1 cache",
			zap.String("tenant_id", entitlements.TenantID.String()),
			zap.Error(err))
	}

	// Publish invalidation for other instances
	if c.invalidator != nil {
		if err := c.invalidator.PublishTenantUpdate(ctx, entitlements.TenantID); err != nil {
			c.logger.Warn("Failed to publish entitlements update",
				zap.String("tenant_id", entitlements.TenantID.String()),
				zap.Error(err))
		}
	}

	return nil
}

// Invalidate removes a tenant's entitlements from both layers
func (c *TieredEntitlementsCache) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	// Delete from L2
	if err := c.l2Cache.Invalidate(ctx, tenantID); err != nil {
		return err
	}

	// Delete from L1
	if err := c.l1Cache.Invalidate(ctx, tenantID); err != nil {
		c.logger.Warn("Failed to delete from L1 cache",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}

	// Publish invalidation for other instances
	if c.invalidator != nil {
		if err := c.invalidator.PublishTenantUpdate(ctx, tenantID); err != nil {
			c.logger.Warn("Failed to publish entitlements invalidation",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
		}
	}

	return nil
}

// InvalidateAll removes all cached entitlements from both layers
func (c *TieredEntitlementsCache) InvalidateAll(ctx context.Context) error {
	// Invalidate L2
	if err := c.l2Cache.InvalidateAll(ctx); err != nil {
		return err
	}

	// Invalidate L1
	if err := c.l1Cache.InvalidateAll(ctx); err != nil {
		c.logger.Warn("Failed to invalidate L1 cache", zap.Error(err))
	}

	// Publish invalidation for other instances
	if c.invalidator != nil {
		if err := c.invalidator.PublishInvalidateAll(ctx); err != nil {
			c.logger.Warn("Failed to publish invalidate all", zap.Error(err))
		}
	}

	return nil
}

// Close releases any resources held by the cache
func (c *TieredEntitlementsCache) Close() error {
	var lastErr error

	if c.invalidator != nil {
		if err := c.invalidator.Close(); err != nil {
			lastErr = err
		}
	}

	if err := c.l2Cache.Close(); err != nil {
		lastErr = err
	}

	if err := c.l1Cache.Close(); err != nil {
		lastErr = err
	}

	return lastErr
}

// GetCacheStats returns statistics about cache hits, misses, and other metrics
func (c *TieredEntitlementsCache) GetCacheStats() billing.EntitlementsCacheStats {
	l1Hits := atomic.LoadInt64(&c.l1Hits)
	l1Misses := atomic.LoadInt64(&c.l1Misses)
	l2Hits := atomic.LoadInt64(&c.l2Hits)
	l2Misses := atomic.LoadInt64(&c.l2Misses)

	totalHits := l1Hits + l2Hits
	totalMisses := l2Misses // Only count final misses

	var hitRatio float64
	totalRequests := totalHits + totalMisses
	if totalRequests > 0 {
		hitRatio = float64(totalHits) / float64(totalRequests)
	}

	return billing.EntitlementsCacheStats{
		L1Hits:       l1Hits,
		L1Misses:     l1Misses,
		L2Hits:       l2Hits,
		L2Misses:     l2Misses,
		TotalHits:    totalHits,
		TotalMisses:  totalMisses,
		HitRatio:     hitRatio,
		CacheEntries: int64(c.l1Cache.Count()),
	}
}

// ResetStats resets the cache statistics
func (c *TieredEntitlementsCache) ResetStats() {
	atomic.StoreInt64(&c.l1Hits, 0)
	atomic.StoreInt64(&c.l1Misses, 0)
	atomic.StoreInt64(&c.l2Hits, 0)
	atomic.StoreInt64(&c.l2Misses, 0)
	c.l1Cache.ResetStats()
}

// Ensure TieredEntitlementsCache implements EntitlementsCache
var _ billing.EntitlementsCache = (*TieredEntitlementsCache)(nil)
