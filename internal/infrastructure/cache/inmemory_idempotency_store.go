package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/paramcache/backend/internal/domain/shared"
)

// InMemoryIdempotencyStore implements IdempotencyStore on a process-local TTL cache
// This is suitable for single-instance deployments and testing
type InMemoryIdempotencyStore struct {
	// mu makes the has-then-set in MarkProcessed atomic
	mu        sync.Mutex
	entries   *ttlcache.Cache[string, struct{}]
	closeOnce sync.Once
}

// NewInMemoryIdempotencyStore creates a store and starts its expiry loop
func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	entries := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](shared.DefaultIdempotencyConfig().TTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go entries.Start()

	return &InMemoryIdempotencyStore{entries: entries}
}

// MarkProcessed marks a message as processed with a TTL
// Returns true if the message was newly marked, false if it was already processed
func (s *InMemoryIdempotencyStore) MarkProcessed(_ context.Context, messageID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries.Has(messageID) {
		return false, nil
	}
	s.entries.Set(messageID, struct{}{}, ttl)
	return true, nil
}

// IsProcessed checks if a message has already been processed
func (s *InMemoryIdempotencyStore) IsProcessed(_ context.Context, messageID string) (bool, error) {
	return s.entries.Has(messageID), nil
}

// Close stops the expiry loop
// Safe to call multiple times
func (s *InMemoryIdempotencyStore) Close() error {
	s.closeOnce.Do(s.entries.Stop)
	return nil
}

// cleanup drops expired entries immediately
func (s *InMemoryIdempotencyStore) cleanup() {
	s.entries.DeleteExpired()
}

// Size returns the number of live entries (for testing/monitoring)
func (s *InMemoryIdempotencyStore) Size() int {
	return s.entries.Len()
}

var _ shared.IdempotencyStore = (*InMemoryIdempotencyStore)(nil)
