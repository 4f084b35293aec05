package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeStore records that a keyed side effect already happened, with a TTL
// so resolved conditions can fire again later. The SLA monitor uses it to
// emit exactly one escalation per unresolved breach.
type DedupeStore interface {
	// Seen reports whether the key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)

	// Mark records the key with a TTL.
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// FormatBreachKey builds the dedupe key for an SLA breach.
func FormatBreachKey(instanceKey, stageName, breachType string) string {
	return fmt.Sprintf("breach:%s:%s:%s", instanceKey, stageName, breachType)
}

// --- MemoryDedupeStore ---

// MemoryDedupeStore is an in-memory DedupeStore with TTL support. Suitable
// for tests and single-instance deployments.
type MemoryDedupeStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key -> expiry
}

// NewMemoryDedupeStore creates an empty in-memory dedupe store.
func NewMemoryDedupeStore() *MemoryDedupeStore {
	return &MemoryDedupeStore{entries: make(map[string]time.Time)}
}

// Seen reports whether the key is marked and unexpired.
func (s *MemoryDedupeStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	expiresAt, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Mark records the key with a TTL.
func (s *MemoryDedupeStore) Mark(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = time.Now().Add(ttl)
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryDedupeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisDedupeStore ---

// RedisDedupeStore is a Redis-backed DedupeStore, shared across monitor
// replicas so a breach escalates once cluster-wide.
type RedisDedupeStore struct {
	client redis.Cmdable
}

// NewRedisDedupeStore creates a Redis-backed dedupe store.
func NewRedisDedupeStore(client redis.Cmdable) *RedisDedupeStore {
	return &RedisDedupeStore{client: client}
}

// Seen reports whether the key exists in Redis.
func (s *RedisDedupeStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Mark records the key with a TTL.
func (s *RedisDedupeStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
