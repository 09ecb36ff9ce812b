package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/briefly/metering/internal/domain/ratelimit"
)

// fixedWindowScript increments the window counter and starts its expiry
// in one round trip. The expiry is only set when the increment creates
// the key, so the counter always dies at the window boundary regardless
// of how much traffic lands inside the window.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// slidingWindowScript prunes aged entries, counts the survivors, and
// appends the new entry only when the count is below the limit. Running
// it as one script makes prune+count+append atomic, so concurrent
// callers cannot both observe the same free slot.
//
// KEYS[1] timestamp set  ARGV: cutoff, limit, now, member, ttl millis
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local admitted = 0
if count < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	count = count + 1
	admitted = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldestScore = '0'
if oldest[2] then
	oldestScore = oldest[2]
end
return {count, admitted, oldestScore}
`)

// RedisCounterStore implements CounterStore on Redis. All mutations run
// as Lua scripts, so counters stay correct across any number of
// instances sharing the same Redis.
type RedisCounterStore struct {
	client     *redis.Client
	keyPrefix  string
	ownsClient bool
}

// RedisCounterStoreOption is a functional option for configuring the store
type RedisCounterStoreOption func(*RedisCounterStore)

// WithCounterKeyPrefix sets the namespace prepended to every counter key
func WithCounterKeyPrefix(prefix string) RedisCounterStoreOption {
	return func(s *RedisCounterStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisCounterStore creates a counter store with its own Redis client
func NewRedisCounterStore(cfg RedisConfig, opts ...RedisCounterStoreOption) (*RedisCounterStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}

	store := newRedisCounterStore(client, opts...)
	store.ownsClient = true
	return store, nil
}

// NewRedisCounterStoreWithClient creates a counter store on an existing
// client. The caller keeps ownership of the client's lifecycle.
func NewRedisCounterStoreWithClient(client *redis.Client, opts ...RedisCounterStoreOption) *RedisCounterStore {
	return newRedisCounterStore(client, opts...)
}

func newRedisCounterStore(client *redis.Client, opts ...RedisCounterStoreOption) *RedisCounterStore {
	store := &RedisCounterStore{
		client:    client,
		keyPrefix: "metering:",
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// IncrementWindow atomically increments the counter at key, setting the
// expiry to ttl when the increment creates the key
func (s *RedisCounterStore) IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	result, err := fixedWindowScript.Run(ctx, s.client, []string{s.keyPrefix + key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment window counter: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected fixed window script reply type %T", result)
	}

	return count, nil
}

// SlidingAdmit atomically prunes, counts, and conditionally appends an
// entry to the rolling window at key
func (s *RedisCounterStore) SlidingAdmit(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (int64, bool, time.Time, error) {
	nowMicros := now.UnixMicro()
	cutoff := nowMicros - window.Microseconds()

	result, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.keyPrefix + key},
		cutoff,
		limit,
		nowMicros,
		uuid.NewString(),
		window.Milliseconds(),
	).Result()
	if err != nil {
		return 0, false, time.Time{}, fmt.Errorf("failed to admit into sliding window: %w", err)
	}

	reply, ok := result.([]interface{})
	if !ok || len(reply) != 3 {
		return 0, false, time.Time{}, fmt.Errorf("unexpected sliding window script reply %v", result)
	}

	count, err := replyInt(reply[0])
	if err != nil {
		return 0, false, time.Time{}, fmt.Errorf("failed to parse sliding window count: %w", err)
	}
	admittedFlag, err := replyInt(reply[1])
	if err != nil {
		return 0, false, time.Time{}, fmt.Errorf("failed to parse sliding window admit flag: %w", err)
	}
	oldestMicros, err := replyInt(reply[2])
	if err != nil {
		return 0, false, time.Time{}, fmt.Errorf("failed to parse sliding window oldest entry: %w", err)
	}

	var oldest time.Time
	if oldestMicros > 0 {
		oldest = time.UnixMicro(oldestMicros).UTC()
	}

	return count, admittedFlag == 1, oldest, nil
}

// Get returns the current count at key. String counters are read
// directly; rolling windows report their cardinality without pruning,
// so aged entries may still be included until the next admit attempt.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	fullKey := s.keyPrefix + key

	keyType, err := s.client.Type(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to inspect counter key: %w", err)
	}

	switch keyType {
	case "string":
		value, err := s.client.Get(ctx, fullKey).Result()
		if err == redis.Nil {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read counter: %w", err)
		}
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupted counter value %q: %w", value, err)
		}
		return count, nil
	case "zset":
		count, err := s.client.ZCard(ctx, fullKey).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count sliding window entries: %w", err)
		}
		return count, nil
	case "none":
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected counter key type %q", keyType)
	}
}

// Remove deletes all counter state for the key
func (s *RedisCounterStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to remove counter: %w", err)
	}
	return nil
}

// Close closes the Redis client if this store owns it
func (s *RedisCounterStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// replyInt normalizes a Lua script reply element to int64. Scores come
// back as bulk strings, counters as integers.
func replyInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply element type %T", value)
	}
}

// Ensure RedisCounterStore implements CounterStore
var _ ratelimit.CounterStore = (*RedisCounterStore)(nil)
