package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultInvalidationChannel = "paramcache:invalidate"
	defaultCloseTimeout        = 5 * time.Second
)

// RedisInvalidationBroadcaster implements parameter.InvalidationBroadcaster using Redis Pub/Sub
type RedisInvalidationBroadcaster struct {
	client    *redis.Client
	channel   string
	logger    *zap.Logger
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
	doneOnce  sync.Once
	mu        sync.Mutex
	isRunning bool
}

// BroadcastOption is a functional option for configuring the broadcaster
type BroadcastOption func(*RedisInvalidationBroadcaster)

// WithBroadcastChannel sets the Pub/Sub channel name
func WithBroadcastChannel(channel string) BroadcastOption {
	return func(b *RedisInvalidationBroadcaster) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithBroadcastLogger sets the logger for the broadcaster
func WithBroadcastLogger(logger *zap.Logger) BroadcastOption {
	return func(b *RedisInvalidationBroadcaster) {
		b.logger = logger
	}
}

// NewRedisInvalidationBroadcasterWithClient creates a broadcaster with an existing Redis client
// Note: The caller retains ownership of the client and is responsible for closing it
func NewRedisInvalidationBroadcasterWithClient(client *redis.Client, opts ...BroadcastOption) *RedisInvalidationBroadcaster {
	b := &RedisInvalidationBroadcaster{
		client:  client,
		channel: defaultInvalidationChannel,
		logger:  zap.NewNop(),
		doneCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish sends an invalidation to all subscribers
func (b *RedisInvalidationBroadcaster) Publish(ctx context.Context, msg parameter.InvalidationMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Error("Failed to publish invalidation",
			zap.String("channel", b.channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}

	b.logger.Debug("Published invalidation",
		zap.String("scope", msg.Scope.String()),
		zap.String("channel", b.channel))

	return nil
}

// Subscribe listens for invalidations until ctx is cancelled or Close is called
// This method should be called in a goroutine as it blocks
func (b *RedisInvalidationBroadcaster) Subscribe(ctx context.Context, callback func(msg parameter.InvalidationMessage)) error {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return fmt.Errorf("subscription already running")
	}
	b.isRunning = true
	subCtx, cancel := context.WithCancel(ctx)
	b.cancelFn = cancel
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.isRunning = false
		b.mu.Unlock()
		b.markDone()
	}()

	pubsub := b.client.Subscribe(subCtx, b.channel)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(subCtx); err != nil {
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	b.logger.Info("Subscribed to invalidation channel", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			b.logger.Info("Invalidation subscription stopped")
			return subCtx.Err()
		case raw, ok := <-ch:
			if !ok {
				b.logger.Warn("Invalidation channel closed")
				return nil
			}

			var msg parameter.InvalidationMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.logger.Error("Failed to unmarshal invalidation",
					zap.String("payload", raw.Payload),
					zap.Error(err))
				continue
			}

			b.dispatch(callback, msg)
		}
	}
}

// dispatch runs the callback, surviving a panic in it
func (b *RedisInvalidationBroadcaster) dispatch(callback func(parameter.InvalidationMessage), msg parameter.InvalidationMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in invalidation callback", zap.Any("panic", r))
		}
	}()
	callback(msg)
}

func (b *RedisInvalidationBroadcaster) markDone() {
	b.doneOnce.Do(func() {
		close(b.doneCh)
	})
}

// Close stops a running subscription. The client stays open.
func (b *RedisInvalidationBroadcaster) Close() error {
	b.mu.Lock()
	cancelFn := b.cancelFn
	b.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
		select {
		case <-b.doneCh:
		case <-time.After(defaultCloseTimeout):
			b.logger.Warn("Timeout waiting for subscription to stop")
		}
	}

	return nil
}

var _ parameter.InvalidationBroadcaster = (*RedisInvalidationBroadcaster)(nil)

// LocalInvalidationBroadcaster delivers invalidations to subscribers in the
// same process. It backs in-memory deployments and tests.
type LocalInvalidationBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[int]func(parameter.InvalidationMessage)
	nextID      int
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewLocalInvalidationBroadcaster creates a broadcaster without subscribers
func NewLocalInvalidationBroadcaster() *LocalInvalidationBroadcaster {
	return &LocalInvalidationBroadcaster{
		subscribers: make(map[int]func(parameter.InvalidationMessage)),
		closed:      make(chan struct{}),
	}
}

// Publish calls every subscriber synchronously
func (b *LocalInvalidationBroadcaster) Publish(_ context.Context, msg parameter.InvalidationMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}
	b.mu.RLock()
	callbacks := make([]func(parameter.InvalidationMessage), 0, len(b.subscribers))
	for _, cb := range b.subscribers {
		callbacks = append(callbacks, cb)
	}
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb(msg)
	}
	return nil
}

// Subscribe registers callback and blocks until ctx is done or Close is called
func (b *LocalInvalidationBroadcaster) Subscribe(ctx context.Context, callback func(msg parameter.InvalidationMessage)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = callback
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return nil
	}
}

// Subscribers returns the number of active subscriptions
func (b *LocalInvalidationBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription
func (b *LocalInvalidationBroadcaster) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

var _ parameter.InvalidationBroadcaster = (*LocalInvalidationBroadcaster)(nil)
