package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore tracks recently sent notification keys and windowed counters.
// Redis backs it in production; the in-memory implementation covers tests and
// degraded operation when Redis is unavailable.
type DedupStore interface {
	// Acquire records the key if it was not seen within ttl. Returns true
	// when this caller won, false when a duplicate was suppressed.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// IncrWindow bumps a windowed counter and returns the new value. The
	// window starts at the first increment.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisStore implements DedupStore on Redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed dedup store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire uses SETNX so concurrent dispatchers agree on a single winner
func (s *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, 1, ttl).Result()
}

// IncrWindow increments the counter, setting the expiry on first increment
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// MemoryStore is an in-process DedupStore. Dedup state does not survive a
// restart, which only risks one duplicate notification per key.
type MemoryStore struct {
	mu       sync.Mutex
	keys     map[string]time.Time
	counters map[string]*windowCounter
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

// NewMemoryStore creates an in-memory dedup store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     make(map[string]time.Time),
		counters: make(map[string]*windowCounter),
	}
}

// Acquire records the key if not seen within its ttl
func (s *MemoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, ok := s.keys[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.keys[key] = now.Add(ttl)

	// Opportunistic pruning keeps the map from growing without bound.
	if len(s.keys) > 10000 {
		for k, exp := range s.keys {
			if now.After(exp) {
				delete(s.keys, k)
			}
		}
	}
	return true, nil
}

// IncrWindow bumps the windowed counter
func (s *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	counter, ok := s.counters[key]
	if !ok || now.After(counter.resetAt) {
		counter = &windowCounter{resetAt: now.Add(window)}
		s.counters[key] = counter
	}
	counter.count++
	return counter.count, nil
}
