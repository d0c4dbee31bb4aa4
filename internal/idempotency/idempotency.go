// Package idempotency caches the outcome of finished cases so resubmitting
// a terminal case_id is answered without rebuilding the report. The key
// format is "caseflow:outcome:{caseId}".
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/caseflow/model"
)

// Outcome is the cached response for a finished case: the terminal status
// and, unless the case was aborted, its final report.
type Outcome struct {
	CaseID string             `json:"case_id"`
	Status string             `json:"status"`
	Report *model.FinalReport `json:"report,omitempty"`
}

// Store caches terminal case outcomes with a TTL. A miss is not an error;
// the caller falls back to the case store.
type Store interface {
	// Check looks up a cached outcome by case ID.
	Check(ctx context.Context, caseID string) (outcome *Outcome, found bool, err error)

	// Put caches a terminal outcome. ttl <= 0 means no expiry.
	Put(ctx context.Context, caseID string, outcome Outcome, ttl time.Duration) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// OutcomeKey builds the standard cache key for a case.
func OutcomeKey(caseID string) string {
	return fmt.Sprintf("caseflow:outcome:%s", caseID)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	outcome   Outcome
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory outcome cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a cached outcome, removing it if expired.
func (s *MemoryStore) Check(_ context.Context, caseID string) (*Outcome, bool, error) {
	key := OutcomeKey(caseID)

	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	outcome := entry.outcome
	return &outcome, true, nil
}

// Put caches an outcome with a TTL.
func (s *MemoryStore) Put(_ context.Context, caseID string, outcome Outcome, ttl time.Duration) error {
	entry := &memEntry{outcome: outcome}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[OutcomeKey(caseID)] = entry
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed outcome cache.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached outcome in Redis.
func (s *RedisStore) Check(ctx context.Context, caseID string) (*Outcome, bool, error) {
	key := OutcomeKey(caseID)

	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var outcome Outcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached outcome %q: %w", key, err)
	}
	return &outcome, true, nil
}

// Put caches an outcome in Redis with a TTL.
func (s *RedisStore) Put(ctx context.Context, caseID string, outcome Outcome, ttl time.Duration) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	key := OutcomeKey(caseID)
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client when it owns a connection.
func (s *RedisStore) Close() error {
	if c, ok := s.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
