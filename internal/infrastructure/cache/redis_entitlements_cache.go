package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
)

// Constants for Redis cache configuration
const (
	defaultScanBatchSize = 100

	entitlementsKeyPrefix = "metering:entitlements:"
)

// RedisEntitlementsCache implements EntitlementsCache using Redis
type RedisEntitlementsCache struct {
	client     *redis.Client
	ownsClient bool // true if we created the client and should close it
	config     billing.EntitlementsCacheConfig
	logger     *zap.Logger
}

// RedisEntitlementsCacheOption is a functional option for configuring the cache
type RedisEntitlementsCacheOption func(*RedisEntitlementsCache)

// WithCacheConfig sets the cache configuration
func WithCacheConfig(config billing.EntitlementsCacheConfig) RedisEntitlementsCacheOption {
	return func(c *RedisEntitlementsCache) {
		c.config = config
	}
}

// WithCacheLogger sets the logger for the cache
func WithCacheLogger(logger *zap.Logger) RedisEntitlementsCacheOption {
	return func(c *RedisEntitlementsCache) {
		c.logger = logger
	}
}

// NewRedisEntitlementsCache creates a new Redis-based entitlements cache
func NewRedisEntitlementsCache(cfg RedisConfig, opts ...RedisEntitlementsCacheOption) (*RedisEntitlementsCache, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}

	cache := &RedisEntitlementsCache{
		client:     client,
		ownsClient: true, // We created this client, so we own it
		config:     billing.DefaultEntitlementsCacheConfig(),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache, nil
}

// NewRedisEntitlementsCacheWithClient creates a cache with an existing Redis client
// Note: The caller retains ownership of the client and is responsible for closing it
func NewRedisEntitlementsCacheWithClient(client *redis.Client, opts ...RedisEntitlementsCacheOption) *RedisEntitlementsCache {
	cache := &RedisEntitlementsCache{
		client:     client,
		ownsClient: false, // Client is shared, don't close it
		config:     billing.DefaultEntitlementsCacheConfig(),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache
}

// cacheKey generates the cache key for a tenant's entitlements
func (c *RedisEntitlementsCache) cacheKey(tenantID uuid.UUID) string {
	return entitlementsKeyPrefix + tenantID.String()
}

// Get retrieves cached entitlements for a tenant
func (c *RedisEntitlementsCache) Get(ctx context.Context, tenantID uuid.UUID) (*billing.TenantEntitlements, error) {
	cacheKey := c.cacheKey(tenantID)

	data, err := c.client.Get(ctx, cacheKey).Bytes()
	if err == redis.Nil {
		// Cache miss
		c.logger.Debug("Cache miss for entitlements", zap.String("tenant_id", tenantID.String()))
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Failed to get entitlements from cache",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get entitlements from cache: %w", err)
	}

	var entitlements billing.TenantEntitlements
	if err := json.Unmarshal(data, &entitlements); err != nil {
		c.logger.Error("Failed to unmarshal entitlements",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		// Delete corrupted cache entry
		_ = c.client.Del(ctx, cacheKey)
		return nil, fmt.Errorf("failed to unmarshal entitlements: %w", err)
	}

	c.logger.Debug("Cache hit for entitlements", zap.String("tenant_id", tenantID.String()))
	return &entitlements, nil
}

// Set caches the entitlements for a tenant
func (c *RedisEntitlementsCache) Set(ctx context.Context, entitlements *billing.TenantEntitlements, ttl time.Duration) error {
	if entitlements == nil {
		return nil
	}

	if ttl == 0 {
		ttl = c.config.TTL
	}

	cacheKey := c.cacheKey(entitlements.TenantID)

	data, err := json.Marshal(entitlements)
	if err != nil {
		c.logger.Error("Failed to marshal entitlements",
			zap.String("tenant_id", entitlements.TenantID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to marshal entitlements: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		c.logger.Error("Failed to set entitlements in cache",
			zap.String("tenant_id", entitlements.TenantID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to set entitlements in cache: %w", err)
	}

	c.logger.Debug("Cached entitlements",
		zap.String("tenant_id", entitlements.TenantID.String()),
		zap.String("tier", entitlements.Tier.String()),
		zap.Duration("ttl", ttl))
	return nil
}

// Invalidate drops the cached entitlements for a tenant
func (c *RedisEntitlementsCache) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	if err := c.client.Del(ctx, c.cacheKey(tenantID)).Err(); err != nil {
		c.logger.Error("Failed to delete entitlements from cache",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to delete entitlements from cache: %w", err)
	}

	c.logger.Debug("Deleted entitlements from cache", zap.String("tenant_id", tenantID.String()))
	return nil
}

// InvalidateAll removes all cached entitlements
func (c *RedisEntitlementsCache) InvalidateAll(ctx context.Context) error {
	// Use SCAN to find cached keys to avoid blocking Redis with KEYS command
	var cursor uint64
	var deletedCount int64

	for {
		var keys []string
		var err error
		keys, cursor, err = c.client.Scan(ctx, cursor, entitlementsKeyPrefix+"*", defaultScanBatchSize).Result()
		if err != nil {
			c.logger.Error("Failed to scan entitlements keys", zap.Error(err))
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}

		if len(keys) > 0 {
			deleted, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				c.logger.Error("Failed to delete entitlements keys", zap.Error(err))
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
			deletedCount += deleted
		}

		if cursor == 0 {
			break
		}
	}

	c.logger.Info("Invalidated all entitlements cache",
		zap.Int64("deleted_count", deletedCount))
	return nil
}

// Close releases any resources held by the cache
func (c *RedisEntitlementsCache) Close() error {
	// Only close client if we own it
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (c *RedisEntitlementsCache) GetClient() *redis.Client {
	return c.client
}

// Ensure RedisEntitlementsCache implements EntitlementsCache
var _ billing.EntitlementsCache = (*RedisEntitlementsCache)(nil)
