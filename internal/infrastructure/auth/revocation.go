package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevocationList defines the interface for revoking platform-issued
// tokens before they expire. Individual tokens are revoked by JTI; tenant-wide
// revocation cuts off every outstanding token for a tenant at once, which is
// how offboarded or suspended tenants are stopped from consuming quota.
type TokenRevocationList interface {
	// RevokeToken revokes a single token by its JTI.
	// ttl should be the remaining time until the token expires.
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error

	// IsTokenRevoked checks whether a token's JTI has been revoked.
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)

	// RevokeTenantTokens revokes every token issued to a tenant up to now.
	// This stores the revocation timestamp; tokens issued before it are rejected.
	RevokeTenantTokens(ctx context.Context, tenantID string, ttl time.Duration) error

	// IsTenantTokenRevoked checks whether a tenant's tokens have been revoked.
	// Returns true if the token was issued before the tenant's revocation timestamp.
	IsTenantTokenRevoked(ctx context.Context, tenantID string, tokenIssuedAt time.Time) (bool, error)
}

// RedisTokenRevocationList implements TokenRevocationList using Redis
type RedisTokenRevocationList struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisTokenRevocationList creates a revocation list on a shared Redis client.
// The caller owns the client's lifecycle.
func NewRedisTokenRevocationList(client *redis.Client) *RedisTokenRevocationList {
	return &RedisTokenRevocationList{
		client:    client,
		keyPrefix: "metering:token:revoked:",
	}
}

// jtiKey returns the Redis key for a JTI
func (r *RedisTokenRevocationList) jtiKey(jti string) string {
	return r.keyPrefix + "jti:" + jti
}

// tenantKey returns the Redis key for tenant-wide revocation
func (r *RedisTokenRevocationList) tenantKey(tenantID string) string {
	return r.keyPrefix + "tenant:" + tenantID
}

// RevokeToken revokes a single token by JTI
func (r *RedisTokenRevocationList) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	key := r.jtiKey(jti)

	// Store with TTL so the entry disappears once the token would have expired anyway
	err := r.client.Set(ctx, key, "1", ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	return nil
}

// IsTokenRevoked checks if a token's JTI has been revoked
func (r *RedisTokenRevocationList) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	key := r.jtiKey(jti)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}

	return exists > 0, nil
}

// RevokeTenantTokens revokes all of a tenant's tokens by storing the current timestamp.
// Any token issued before this timestamp is rejected.
func (r *RedisTokenRevocationList) RevokeTenantTokens(ctx context.Context, tenantID string, ttl time.Duration) error {
	key := r.tenantKey(tenantID)

	revocationTime := time.Now().Unix()
	err := r.client.Set(ctx, key, revocationTime, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to revoke tenant tokens: %w", err)
	}

	return nil
}

// IsTenantTokenRevoked checks if a token was issued before the tenant's revocation timestamp
func (r *RedisTokenRevocationList) IsTenantTokenRevoked(ctx context.Context, tenantID string, tokenIssuedAt time.Time) (bool, error) {
	key := r.tenantKey(tenantID)

	revocationTimeStr, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// No revocation timestamp, token stands
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tenant token revocation: %w", err)
	}

	var revocationTime int64
	_, err = fmt.Sscanf(revocationTimeStr, "%d", &revocationTime)
	if err != nil {
		return false, fmt.Errorf("failed to parse revocation timestamp: %w", err)
	}

	return tokenIssuedAt.Unix() <= revocationTime, nil
}

// Ensure RedisTokenRevocationList implements TokenRevocationList
var _ TokenRevocationList = (*RedisTokenRevocationList)(nil)

// InMemoryTokenRevocationList provides an in-memory implementation for testing
// WARNING: This should not be used in production with multiple instances
type InMemoryTokenRevocationList struct {
	mu                    sync.RWMutex
	revokedJTIs           map[string]time.Time // JTI -> expiration time
	tenantRevocationTimes map[string]time.Time // tenantID -> revocation time
}

// NewInMemoryTokenRevocationList creates a new in-memory revocation list
func NewInMemoryTokenRevocationList() *InMemoryTokenRevocationList {
	return &InMemoryTokenRevocationList{
		revokedJTIs:           make(map[string]time.Time),
		tenantRevocationTimes: make(map[string]time.Time),
	}
}

// RevokeToken revokes a single token by JTI
func (r *InMemoryTokenRevocationList) RevokeToken(_ context.Context, jti string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revokedJTIs[jti] = time.Now().Add(ttl)
	return nil
}

// IsTokenRevoked checks if a token's JTI has been revoked (and the entry has not lapsed)
func (r *InMemoryTokenRevocationList) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiration, exists := r.revokedJTIs[jti]
	if !exists {
		return false, nil
	}

	// Entries lapse once the token itself would have expired
	if time.Now().After(expiration) {
		delete(r.revokedJTIs, jti)
		return false, nil
	}

	return true, nil
}

// RevokeTenantTokens revokes all of a tenant's tokens
func (r *InMemoryTokenRevocationList) RevokeTenantTokens(_ context.Context, tenantID string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenantRevocationTimes[tenantID] = time.Now()
	return nil
}

// IsTenantTokenRevoked checks if a token was issued before the tenant's revocation timestamp
func (r *InMemoryTokenRevocationList) IsTenantTokenRevoked(_ context.Context, tenantID string, tokenIssuedAt time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	revocationTime, exists := r.tenantRevocationTimes[tenantID]
	if !exists {
		return false, nil
	}

	// Use UnixNano for sub-second precision in testing
	return tokenIssuedAt.UnixNano() <= revocationTime.UnixNano(), nil
}

// Ensure InMemoryTokenRevocationList implements TokenRevocationList
var _ TokenRevocationList = (*InMemoryTokenRevocationList)(nil)
