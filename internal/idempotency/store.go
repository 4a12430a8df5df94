// Package idempotency remembers the responses of mutating requests so a
// retried request with the same X-Idempotency-Key replays the original
// outcome instead of repeating it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/onboarding/model"
)

// Record is a stored response.
type Record struct {
	InputHash   string          `json:"input_hash"`
	Status      int             `json:"status"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Store provides deduplication for mutating requests. Keys are built with
// Key.
type Store interface {
	// Check looks up a previous response by key. A key stored with a
	// different input hash yields a CONFLICT error with found set.
	Check(ctx context.Context, key, inputHash string) (rec *Record, found bool, err error)

	// Save stores rec under key for ttl.
	Save(ctx context.Context, key string, rec Record, ttl time.Duration) error
}

// Key builds the storage key for an idempotency key presented by scope
// (usually the caller's subject id, or "public").
func Key(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// HashRequest fingerprints a request so reuse of a key with a different
// payload can be told apart from a retry.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached response.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*Record, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.rec.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	rec := entry.rec
	return &rec, true, nil
}

// Save stores rec with a TTL.
func (s *MemoryStore) Save(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{rec: rec, expiresAt: s.now().Add(ttl)}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps records in Redis with a TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached response in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency record %q: %w", key, err)
	}
	if rec.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &rec, true, nil
}

// Save stores rec in Redis with a TTL.
func (s *RedisStore) Save(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
