package cache

import (
	"fmt"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stores bundles the store-backed components sharing one Redis connection
type Stores struct {
	Hash        HashStore
	Idempotency shared.IdempotencyStore
	Broadcaster parameter.InvalidationBroadcaster
	// Client is nil when running on in-memory stores
	Client *redis.Client
}

// Close releases every store and the shared client
func (s *Stores) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{s.Broadcaster, s.Idempotency, s.Hash} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Client != nil {
		if err := s.Client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StoreFactory creates stores based on configuration
type StoreFactory struct {
	redisConfig           config.RedisConfig
	cacheConfig           config.CacheConfig
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
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(redisCfg config.RedisConfig, cacheCfg config.CacheConfig, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           redisCfg,
		cacheConfig:           cacheCfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: redisCfg.AllowInMemoryFallback,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateRedisStores connects once and builds every store on the shared client
func (f *StoreFactory) CreateRedisStores() (*Stores, error) {
	client, err := NewRedisClient(f.redisConfig)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Hash:        NewRedisHashStoreWithClient(client, f.cacheConfig.KeyPrefix),
		Idempotency: NewRedisIdempotencyStoreWithClient(client, f.cacheConfig.KeyPrefix+defaultIdempotencyPrefix),
		Broadcaster: NewRedisInvalidationBroadcasterWithClient(client,
			WithBroadcastChannel(f.cacheConfig.InvalidationChannel),
			WithBroadcastLogger(f.logger)),
		Client: client,
	}, nil
}

// CreateInMemoryStores builds process-local stores
// WARNING: In-memory stores do not share state across process instances,
// so peers neither see each other's entries nor their invalidations
func (f *StoreFactory) CreateInMemoryStores() *Stores {
	return &Stores{
		Hash:        NewInMemoryHashStore(),
		Idempotency: NewInMemoryIdempotencyStore(),
		Broadcaster: NewLocalInvalidationBroadcaster(),
	}
}

// CreateStores tries Redis first and falls back to in-memory stores when
// Redis is unavailable and fallback is allowed
func (f *StoreFactory) CreateStores() (*Stores, error) {
	stores, err := f.CreateRedisStores()
	if err == nil {
		f.logger.Info("using Redis stores", zap.String("addr", f.redisConfig.Addr()))
		return stores, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory stores. "+
		"Cached entries will not be shared between instances.",
		zap.Error(err),
	)
	return f.CreateInMemoryStores(), nil
}
