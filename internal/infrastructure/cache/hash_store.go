package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
)

// HashStore is a key-value store of named hash tables. Every method is atomic
// on its own; no operation spans more than one call.
type HashStore interface {
	// HGet returns the value of field in table; ok is false when the field is absent
	HGet(ctx context.Context, table, field string) (value []byte, ok bool, err error)
	// HSet writes field in table, replacing any previous value
	HSet(ctx context.Context, table, field string, value []byte) error
	// HSetNX writes field only when it is absent and reports whether it wrote
	HSetNX(ctx context.Context, table, field string, value []byte) (bool, error)
	// HDel removes fields and returns how many existed
	HDel(ctx context.Context, table string, fields ...string) (int64, error)
	// HDelIfEquals removes field only while it still holds expected
	HDelIfEquals(ctx context.Context, table, field string, expected []byte) (bool, error)
	// HMGet returns the values of fields in order, nil for absent ones
	HMGet(ctx context.Context, table string, fields ...string) ([][]byte, error)
	// HGetAll returns every field of table
	HGetAll(ctx context.Context, table string) (map[string][]byte, error)
	// HVals returns every value of table in unspecified order
	HVals(ctx context.Context, table string) ([][]byte, error)
	HExists(ctx context.Context, table, field string) (bool, error)
	HLen(ctx context.Context, table string) (int64, error)
	// Del drops whole tables
	Del(ctx context.Context, tables ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// hdelIfEquals deletes a hash field only while it holds the expected value
var hdelIfEquals = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// RedisHashStore implements HashStore on Redis hashes
type RedisHashStore struct {
	client     *redis.Client
	ownsClient bool
	keyPrefix  string
}

// NewRedisClient opens a client and checks the connection
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisHashStore connects to Redis and returns a store owning the client
func NewRedisHashStore(cfg config.RedisConfig, keyPrefix string) (*RedisHashStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisHashStore{client: client, ownsClient: true, keyPrefix: keyPrefix}, nil
}

// NewRedisHashStoreWithClient creates a store with an existing Redis client
// Note: The caller retains ownership of the client and is responsible for closing it
func NewRedisHashStoreWithClient(client *redis.Client, keyPrefix string) *RedisHashStore {
	return &RedisHashStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisHashStore) key(table string) string {
	return s.keyPrefix + table
}

func (s *RedisHashStore) HGet(ctx context.Context, table, field string) ([]byte, bool, error) {
	value, err := s.client.HGet(ctx, s.key(table), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hget %s: %w", table, err)
	}
	return value, true, nil
}

func (s *RedisHashStore) HSet(ctx context.Context, table, field string, value []byte) error {
	if err := s.client.HSet(ctx, s.key(table), field, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", table, err)
	}
	return nil
}

func (s *RedisHashStore) HSetNX(ctx context.Context, table, field string, value []byte) (bool, error) {
	ok, err := s.client.HSetNX(ctx, s.key(table), field, value).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx %s: %w", table, err)
	}
	return ok, nil
}

func (s *RedisHashStore) HDel(ctx context.Context, table string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := s.client.HDel(ctx, s.key(table), fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("hdel %s: %w", table, err)
	}
	return n, nil
}

func (s *RedisHashStore) HDelIfEquals(ctx context.Context, table, field string, expected []byte) (bool, error) {
	n, err := hdelIfEquals.Run(ctx, s.client, []string{s.key(table)}, field, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("hdel-if-equals %s: %w", table, err)
	}
	return n > 0, nil
}

func (s *RedisHashStore) HMGet(ctx context.Context, table string, fields ...string) ([][]byte, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, s.key(table), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", table, err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

func (s *RedisHashStore) HGetAll(ctx context.Context, table string) (map[string][]byte, error) {
	values, err := s.client.HGetAll(ctx, s.key(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", table, err)
	}
	out := make(map[string][]byte, len(values))
	for k, v := range values {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisHashStore) HVals(ctx context.Context, table string) ([][]byte, error) {
	values, err := s.client.HVals(ctx, s.key(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("hvals %s: %w", table, err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisHashStore) HExists(ctx context.Context, table, field string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key(table), field).Result()
	if err != nil {
		return false, fmt.Errorf("hexists %s: %w", table, err)
	}
	return ok, nil
}

func (s *RedisHashStore) HLen(ctx context.Context, table string) (int64, error) {
	n, err := s.client.HLen(ctx, s.key(table)).Result()
	if err != nil {
		return 0, fmt.Errorf("hlen %s: %w", table, err)
	}
	return n, nil
}

func (s *RedisHashStore) Del(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	keys := make([]string, len(tables))
	for i, t := range tables {
		keys[i] = s.key(t)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (s *RedisHashStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store created it
func (s *RedisHashStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (s *RedisHashStore) GetClient() *redis.Client {
	return s.client
}

var _ HashStore = (*RedisHashStore)(nil)
