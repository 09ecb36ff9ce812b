package cache

import (
	"fmt"

	"go.uber.org/zap"

	appmetering "github.com/briefly/metering/internal/application/metering"
	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/ratelimit"
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/briefly/metering/internal/infrastructure/config"
)

// StoreFactory creates cache-backed stores based on configuration. Each
// concern tries Redis first and can fall back to the in-memory variant
// for single-instance deployments.
type StoreFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory stores when Redis is unavailable
// Default is true (allow fallback)
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(cfg config.RedisConfig, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true, // Default to allowing fallback
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// redisCfg maps the application config onto the cache package's config
func (f *StoreFactory) redisCfg() RedisConfig {
	return RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	}
}

// CreateIdempotencyStore creates an idempotency store, preferring Redis.
// Falls back to in-memory when Redis is unavailable and fallback is
// allowed.
// WARNING: In-memory stores do not share state across process instances,
// which can lead to duplicate event processing in distributed deployments
func (f *StoreFactory) CreateIdempotencyStore() (shared.IdempotencyStore, error) {
	store, err := NewRedisIdempotencyStore(f.redisCfg())
	if err == nil {
		f.logger.Info("using Redis idempotency store")
		return store, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for idempotency but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory idempotency store. "+
		"This may cause duplicate event processing in distributed deployments.",
		zap.Error(err),
	)
	return NewInMemoryIdempotencyStore(), nil
}

// CreateCounterStore creates a rate limit counter store, preferring Redis.
// Falls back to in-memory when Redis is unavailable and fallback is
// allowed.
// WARNING: In-memory counters give each process its own budget, so a
// multi-instance deployment on the fallback enforces N times the limit
func (f *StoreFactory) CreateCounterStore() (ratelimit.CounterStore, error) {
	store, err := NewRedisCounterStore(f.redisCfg())
	if err == nil {
		f.logger.Info("using Redis rate limit counter store")
		return store, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for rate limiting but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory rate limit counters. "+
		"Limits will be enforced per instance instead of per tenant.",
		zap.Error(err),
	)
	return NewMemoryCounterStore(), nil
}

// CreateAggregateCache creates the usage statistics cache. There is no
// in-memory variant: without Redis the tracker reads straight from the
// ledger, which a nil cache expresses.
func (f *StoreFactory) CreateAggregateCache() (appmetering.AggregateCache, error) {
	store, err := NewRedisAggregateCache(f.redisCfg(), f.logger)
	if err == nil {
		f.logger.Info("using Redis usage aggregate cache")
		return store, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for aggregate cache but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, usage statistics will be aggregated from the ledger on every read",
		zap.Error(err),
	)
	return nil, nil
}

// CreateEntitlementsCache creates the entitlements cache. With Redis
// available it builds the tiered L1+L2 cache with Pub/Sub invalidation;
// otherwise it falls back to the in-memory layer alone.
func (f *StoreFactory) CreateEntitlementsCache(cacheCfg billing.EntitlementsCacheConfig) (billing.EntitlementsCache, error) {
	l2, err := NewRedisEntitlementsCache(f.redisCfg(), WithCacheConfig(cacheCfg), WithCacheLogger(f.logger))
	if err != nil {
		if !f.allowInMemoryFallback {
			return nil, fmt.Errorf("Redis required for entitlements cache but unavailable: %w", err)
		}
		f.logger.Warn("Redis unavailable, falling back to in-memory entitlements cache. "+
			"Cached entitlements will not be shared across instances.",
			zap.Error(err),
		)
		return NewInMemoryEntitlementsCache(
			WithInMemoryConfig(cacheCfg),
			WithInMemoryLogger(f.logger),
		), nil
	}

	invalidator, err := NewRedisEntitlementsInvalidator(f.redisCfg(),
		WithInvalidatorChannel(cacheCfg.PubSubChannel),
		WithInvalidatorLogger(f.logger),
	)
	if err != nil {
		// L2 alone still works; local layers just expire on their own TTL
		f.logger.Warn("failed to create entitlements invalidator, continuing without Pub/Sub",
			zap.Error(err))
		invalidator = nil
	}

	l1 := NewInMemoryEntitlementsCache(
		WithInMemoryConfig(cacheCfg),
		WithInMemoryLogger(f.logger),
	)

	f.logger.Info("using tiered entitlements cache")
	return NewTieredEntitlementsCache(l1, l2, invalidator,
		WithTieredConfig(cacheCfg),
		WithTieredLogger(f.logger),
	), nil
}
