package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache stores computed results under string keys with a TTL.
// Get returns (zero, false, nil) on a miss.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
}

// InMemoryCache implements Cache with a mutex-guarded map. Expired entries
// are removed on access.
type InMemoryCache[T any] struct {
	mu    sync.Mutex
	clock clockwork.Clock
	data  map[string]cacheEntry[T]
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewInMemoryCache creates an empty cache on the real clock.
func NewInMemoryCache[T any]() *InMemoryCache[T] {
	return NewInMemoryCacheWithClock[T](clockwork.NewRealClock())
}

// NewInMemoryCacheWithClock creates an empty cache that reads time from clock.
func NewInMemoryCacheWithClock[T any](clock clockwork.Clock) *InMemoryCache[T] {
	return &InMemoryCache[T]{
		clock: clock,
		data:  make(map[string]cacheEntry[T]),
	}
}

// Get returns the value for key if present and not expired.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return zero, false, nil
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.data, key)
		return zero, false, nil
	}
	return entry.value, true, nil
}

// Set stores value for ttl.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry[T]{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *InMemoryCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
