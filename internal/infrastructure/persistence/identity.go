package persistence

import (
	crand "crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/paramcache/backend/internal/infrastructure/config"
)

// InternalIDPrefix marks ids minted by this store, as opposed to ids copied
// from the parameter service
const InternalIDPrefix = "_R"

// IsInternalID reports whether id was allocated by an IdentityAllocator
func IsInternalID(id string) bool {
	return strings.HasPrefix(id, InternalIDPrefix)
}

// IdentityAllocator mints entity ids
type IdentityAllocator interface {
	Allocate() string
}

// UUIDAllocator mints "_R" + a random UUID without dashes
type UUIDAllocator struct{}

func (UUIDAllocator) Allocate() string {
	return InternalIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ULIDAllocator mints "_R" + a monotonic ULID, so ids sort by creation time
type ULIDAllocator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewULIDAllocator creates an allocator seeded from crypto/rand
func NewULIDAllocator() *ULIDAllocator {
	return &ULIDAllocator{entropy: ulid.Monotonic(crand.Reader, 0)}
}

func (a *ULIDAllocator) Allocate() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return InternalIDPrefix + ulid.MustNew(ulid.Timestamp(time.Now()), a.entropy).String()
}

// NewIdentityAllocator returns the allocator for strategy
func NewIdentityAllocator(strategy string) (IdentityAllocator, error) {
	switch strategy {
	case "", config.IDStrategyUUID:
		return UUIDAllocator{}, nil
	case config.IDStrategyULID:
		return NewULIDAllocator(), nil
	}
	return nil, fmt.Errorf("unknown id strategy %q", strategy)
}
