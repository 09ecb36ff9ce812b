package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/billing"
)

// Constants for invalidator configuration
const (
	defaultCloseTimeout = 5 * time.Second
)

// RedisEntitlementsInvalidator implements EntitlementsInvalidator using Redis Pub/Sub
type RedisEntitlementsInvalidator struct {
	client     *redis.Client
	ownsClient bool // true if we created the client and should close it
	channel    string
	logger     *zap.Logger
	cancelFn   context.CancelFunc
	doneCh     chan struct{}
	doneOnce   sync.Once
	mu         sync.Mutex
	isRunning  bool
}

// RedisEntitlementsInvalidatorOption is a functional option for configuring the invalidator
type RedisEntitlementsInvalidatorOption func(*RedisEntitlementsInvalidator)

// WithInvalidatorChannel sets the Pub/Sub channel name
func WithInvalidatorChannel(channel string) RedisEntitlementsInvalidatorOption {
	return func(i *RedisEntitlementsInvalidator) {
		i.channel = channel
	}
}

// WithInvalidatorLogger sets the logger for the invalidator
func WithInvalidatorLogger(logger *zap.Logger) RedisEntitlementsInvalidatorOption {
	return func(i *RedisEntitlementsInvalidator) {
		i.logger = logger
	}
}

// NewRedisEntitlementsInvalidator creates a new Redis Pub/Sub cache invalidator
func NewRedisEntitlementsInvalidator(cfg RedisConfig, opts ...RedisEntitlementsInvalidatorOption) (*RedisEntitlementsInvalidator, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}

	invalidator := &RedisEntitlementsInvalidator{
		client:     client,
		ownsClient: true, // We created this client, so we own it
		channel:    billing.DefaultEntitlementsCacheConfig().PubSubChannel,
		logger:     zap.NewNop(),
		doneCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(invalidator)
	}

	return invalidator, nil
}

// NewRedisEntitlementsInvalidatorWithClient creates an invalidator with an existing Redis client
// Note: The caller retains ownership of the client and is responsible for closing it
func NewRedisEntitlementsInvalidatorWithClient(client *redis.Client, opts ...RedisEntitlementsInvalidatorOption) *RedisEntitlementsInvalidator {
	invalidator := &RedisEntitlementsInvalidator{
		client:     client,
		ownsClient: false, // Client is shared, don't close it
		channel:    billing.DefaultEntitlementsCacheConfig().PubSubChannel,
		logger:     zap.NewNop(),
		doneCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(invalidator)
	}

	return invalidator
}

// Publish sends a cache update notification to all subscribers
func (i *RedisEntitlementsInvalidator) Publish(ctx context.Context, msg billing.EntitlementsUpdateMessage) error {
	// Set timestamp if not set
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		i.logger.Error("Failed to marshal cache update message",
			zap.String("action", msg.Action),
			zap.Error(err))
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := i.client.Publish(ctx, i.channel, data).Err(); err != nil {
		i.logger.Error("Failed to publish cache update message",
			zap.String("channel", i.channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	i.logger.Debug("Published cache update message",
		zap.String("action", msg.Action),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("channel", i.channel))

	return nil
}

// Subscribe starts listening for cache update notifications
// The callback function is invoked for each received message
// This method should be called in a goroutine as it blocks
func (i *RedisEntitlementsInvalidator) Subscribe(ctx context.Context, callback func(msg billing.EntitlementsUpdateMessage)) error {
	i.mu.Lock()
	if i.isRunning {
		i.mu.Unlock()
		return fmt.Errorf("subscription already running")
	}
	i.isRunning = true
	i.mu.Unlock()

	// Create a cancellable context
	subCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancelFn = cancel
	i.mu.Unlock()

	pubsub := i.client.Subscribe(subCtx, i.channel)
	defer pubsub.Close()

	// Wait for subscription confirmation
	_, err := pubsub.Receive(subCtx)
	if err != nil {
		i.mu.Lock()
		i.isRunning = false
		i.mu.Unlock()
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	i.logger.Info("Subscribed to entitlements invalidation channel",
		zap.String("channel", i.channel))

	// Get the message channel
	ch := pubsub.Channel()

	for {
		select {
		case <-subCtx.Done():
			i.logger.Info("Entitlements invalidation subscription stopped")
			i.mu.Lock()
			i.isRunning = false
			i.mu.Unlock()
			i.markDone()
			return subCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				i.logger.Warn("Entitlements invalidation channel closed")
				i.mu.Lock()
				i.isRunning = false
				i.mu.Unlock()
				i.markDone()
				return nil
			}

			var updateMsg billing.EntitlementsUpdateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &updateMsg); err != nil {
				i.logger.Error("Failed to unmarshal cache update message",
					zap.String("payload", msg.Payload),
					zap.Error(err))
				continue
			}

			i.logger.Debug("Received cache update message",
				zap.String("action", updateMsg.Action),
				zap.String("tenant_id", updateMsg.TenantID.String()))

			// Call the callback in a separate goroutine to prevent blocking
			go func(m billing.EntitlementsUpdateMessage) {
				defer func() {
					if r := recover(); r != nil {
						i.logger.Error("Panic in cache update callback",
							zap.Any("panic", r))
					}
				}()
				callback(m)
			}(updateMsg)
		}
	}
}

// markDone safely marks the invalidator as done
func (i *RedisEntitlementsInvalidator) markDone() {
	i.doneOnce.Do(func() {
		close(i.doneCh)
	})
}

// Close releases any resources held by the invalidator
func (i *RedisEntitlementsInvalidator) Close() error {
	i.mu.Lock()
	cancelFn := i.cancelFn
	i.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
		// Wait for subscription to stop with timeout
		select {
		case <-i.doneCh:
		case <-time.After(defaultCloseTimeout):
			i.logger.Warn("Timeout waiting for subscription to stop")
		}
	}

	// Only close client if we own it
	if i.ownsClient {
		return i.client.Close()
	}
	return nil
}

// PublishTenantUpdate publishes an invalidation for one tenant
func (i *RedisEntitlementsInvalidator) PublishTenantUpdate(ctx context.Context, tenantID uuid.UUID) error {
	return i.Publish(ctx, billing.EntitlementsUpdateMessage{
		TenantID: tenantID,
		Action:   billing.EntitlementsActionUpdated,
	})
}

// PublishInvalidateAll publishes an invalidate-all notification
func (i *RedisEntitlementsInvalidator) PublishInvalidateAll(ctx context.Context) error {
	return i.Publish(ctx, billing.EntitlementsUpdateMessage{
		Action: billing.EntitlementsActionInvalidateAll,
	})
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (i *RedisEntitlementsInvalidator) GetClient() *redis.Client {
	return i.client
}

// Ensure RedisEntitlementsInvalidator implements EntitlementsInvalidator
var _ billing.EntitlementsInvalidator = (*RedisEntitlementsInvalidator)(nil)
