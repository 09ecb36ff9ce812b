package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appmetering "github.com/briefly/metering/internal/application/metering"
)

const aggregateKeyPrefix = "metering:aggregate:stats:"

// RedisAggregateCache caches per-tenant usage statistics in Redis so
// repeated statistics reads skip the ledger aggregation query. Entries
// are keyed by tenant and period bounds; any write for the tenant drops
// every cached period.
type RedisAggregateCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisAggregateCache creates a new Redis-based aggregate cache
func NewRedisAggregateCache(cfg RedisConfig, logger *zap.Logger) (*RedisAggregateCache, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisAggregateCacheWithClient(client, logger), nil
}

// NewRedisAggregateCacheWithClient creates a cache on an existing Redis
// client. The caller retains ownership of the client.
func NewRedisAggregateCacheWithClient(client *redis.Client, logger *zap.Logger) *RedisAggregateCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAggregateCache{client: client, logger: logger}
}

// cacheKey generates the cache key for one tenant-and-period aggregate
func (c *RedisAggregateCache) cacheKey(tenantID uuid.UUID, start, end time.Time) string {
	return fmt.Sprintf("%s%s:%d:%d", aggregateKeyPrefix, tenantID, start.Unix(), end.Unix())
}

// tenantPattern matches every cached period for a tenant
func (c *RedisAggregateCache) tenantPattern(tenantID uuid.UUID) string {
	return aggregateKeyPrefix + tenantID.String() + ":*"
}

// GetStatistics returns the cached statistics for the period, or
// (nil, nil) on a miss.
func (c *RedisAggregateCache) GetStatistics(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*appmetering.UsageStatistics, error) {
	cacheKey := c.cacheKey(tenantID, start, end)

	data, err := c.client.Get(ctx, cacheKey).Bytes()
	if err == redis.Nil {
		c.logger.Debug("Cache miss for usage statistics", zap.String("tenant_id", tenantID.String()))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage statistics from cache: %w", err)
	}

	var stats appmetering.UsageStatistics
	if err := json.Unmarshal(data, &stats); err != nil {
		// Delete corrupted cache entry
		_ = c.client.Del(ctx, cacheKey)
		return nil, fmt.Errorf("failed to unmarshal usage statistics: %w", err)
	}

	c.logger.Debug("Cache hit for usage statistics", zap.String("tenant_id", tenantID.String()))
	return &stats, nil
}

// SetStatistics caches the statistics under their tenant and period
func (c *RedisAggregateCache) SetStatistics(ctx context.Context, stats *appmetering.UsageStatistics, ttl time.Duration) error {
	if stats == nil {
		return nil
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal usage statistics: %w", err)
	}

	cacheKey := c.cacheKey(stats.TenantID, stats.PeriodStart, stats.PeriodEnd)
	if err := c.client.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set usage statistics in cache: %w", err)
	}

	c.logger.Debug("Cached usage statistics",
		zap.String("tenant_id", stats.TenantID.String()),
		zap.Duration("ttl", ttl))
	return nil
}

// InvalidateTenant drops every cached period for a tenant. It runs after
// ledger writes so stale aggregates never outlive a mutation.
func (c *RedisAggregateCache) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error {
	// Use SCAN to find cached keys to avoid blocking Redis with KEYS command
	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = c.client.Scan(ctx, cursor, c.tenantPattern(tenantID), defaultScanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan aggregate cache keys: %w", err)
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete aggregate cache keys: %w", err)
			}
		}

		if cursor == 0 {
			break
		}
	}

	c.logger.Debug("Invalidated cached usage statistics", zap.String("tenant_id", tenantID.String()))
	return nil
}

// Ensure RedisAggregateCache implements AggregateCache
var _ appmetering.AggregateCache = (*RedisAggregateCache)(nil)
