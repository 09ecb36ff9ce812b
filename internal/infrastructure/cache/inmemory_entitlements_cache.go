package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
)

// Constants for in-memory cache configuration
const (
	defaultCleanupInterval = 30 * time.Second
)

// InMemoryEntitlementsCache implements EntitlementsCache using in-memory storage
// This is designed to be used as L1 cache in front of Redis
type InMemoryEntitlementsCache struct {
	entries sync.Map // map[string]*cacheEntry
	config  billing.EntitlementsCacheConfig
	logger  *zap.Logger
	stopCh  chan struct{} // Channel to stop the cleanup goroutine
	stopped int32         // Atomic flag to track if cache is stopped

	// Stats for monitoring
	hits   int64
	misses int64
}

// cacheEntry wraps cached entitlements with an expiration time
type cacheEntry struct {
	value     *billing.TenantEntitlements
	expiresAt time.Time
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// InMemoryEntitlementsCacheOption is a functional option for configuring the cache
type InMemoryEntitlementsCacheOption func(*InMemoryEntitlementsCache)

// WithInMemoryConfig sets the cache configuration
func WithInMemoryConfig(config billing.EntitlementsCacheConfig) InMemoryEntitlementsCacheOption {
	return func(c *InMemoryEntitlementsCache) {
		c.config = config
	}
}

// WithInMemoryLogger sets the logger for the cache
func WithInMemoryLogger(logger *zap.Logger) InMemoryEntitlementsCacheOption {
	return func(c *InMemoryEntitlementsCache) {
		c.logger = logger
	}
}

// NewInMemoryEntitlementsCache creates a new in-memory entitlements cache
func NewInMemoryEntitlementsCache(opts ...InMemoryEntitlementsCacheOption) *InMemoryEntitlementsCache {
	cache := &InMemoryEntitlementsCache{
		config: billing.DefaultEntitlementsCacheConfig(),
		logger: zap.NewNop(),
		stopCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cache)
	}

	// Start background cleanup goroutine
	go cache.cleanupExpired()

	return cache
}

// Get retrieves cached entitlements for a tenant
func (c *InMemoryEntitlementsCache) Get(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error) {
	if value, ok := c.entries.Load(tenantID.String()); ok {
		entry := value.(*cacheEntry)
		if !entry.isExpired() {
			atomic.AddInt64(&c.hits, 1)
			c.logger.Debug("L1 cache hit for entitlements", zap.String("tenant_id", tenantID.String()))
			return entry.value, nil
		}
		// Expired, remove from cache
		c.entries.Delete(tenantID.String())
	}

	atomic.AddInt64(&c.misses, 1)
	c.logger.Debug("L1 cache miss for entitlements", zap.String("tenant_id", tenantID.String()))
	return nil, nil
}

// Set caches the entitlements for a tenant
func (c *InMemoryEntitlementsCache) Set(ctx context.Context, entitlements *billing.TenantEntitlements, ttl time.Duration) error {
	if entitlements == nil {
		return nil
	}

	if ttl == 0 {
		ttl = c.config.LocalTTL
	}

	entry := &cacheEntry{
		value:     entitlements,
		expiresAt: time.Now().Add(ttl),
	}

	c.entries.Store(entitlements.TenantID.String(), entry)
	c.logger.Debug("Cached entitlements in L1",
		zap.String("tenant_id", entitlements.TenantID.String()),
		zap.Duration("ttl", ttl))
	return nil
}

// Invalidate drops the cached entitlements for a tenant
func (c *InMemoryEntitlementsCache) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	c.entries.Delete(tenantID.String())
	c.logger.Debug("Deleted entitlements from L1 cache", zap.String("tenant_id", tenantID.String()))
	return nil
}

// InvalidateAll removes all cached entitlements
func (c *InMemoryEntitlementsCache) InvalidateAll(ctx context.Context) error {
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		return true
	})

	c.logger.Info("Invalidated all L1 entitlements cache")
	return nil
}

// Close releases any resources held by the cache
func (c *InMemoryEntitlementsCache) Close() error {
	// Only close once
	if atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		close(c.stopCh)
	}
	return nil
}

// GetStats returns cache statistics
func (c *InMemoryEntitlementsCache) GetStats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// ResetStats resets the cache statistics
func (c *InMemoryEntitlementsCache) ResetStats() {
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
}

// Count returns the number of entries in the cache
func (c *InMemoryEntitlementsCache) Count() int {
	count := 0
	c.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// cleanupExpired periodically removes expired entries from the cache
func (c *InMemoryEntitlementsCache) cleanupExpired() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("Panic in cache cleanup",
							zap.Any("panic", r))
					}
				}()
				c.doCleanup()
			}()
		}
	}
}

// doCleanup removes expired entries
func (c *InMemoryEntitlementsCache) doCleanup() {
	var removed int

	c.entries.Range(func(key, value any) bool {
		entry := value.(*cacheEntry)
		if entry.isExpired() {
			c.entries.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		c.logger.Debug("Cleaned up expired L1 cache entries",
			zap.Int("removed", removed))
	}
}

// Ensure InMemoryEntitlementsCache implements EntitlementsCache
var _ billing.EntitlementsCache = (*InMemoryEntitlementsCache)(nil)
