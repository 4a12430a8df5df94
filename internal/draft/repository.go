package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/onboarding/model"
)

// Repository persists drafts by token.
type Repository interface {
	// Get returns the draft, or nil when the token is unknown.
	Get(ctx context.Context, token string) (*model.Draft, error)
	Put(ctx context.Context, d model.Draft) error
}

// --- MemoryRepository ---

// MemoryRepository keeps drafts in process memory. Expired drafts stay
// readable until the grace period after their expiry has passed.
type MemoryRepository struct {
	mu     sync.RWMutex
	drafts map[string]model.Draft
	grace  time.Duration
	now    func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(grace time.Duration) *MemoryRepository {
	return &MemoryRepository{
		drafts: make(map[string]model.Draft),
		grace:  grace,
		now:    time.Now,
	}
}

// Get returns a copy of the stored draft.
func (r *MemoryRepository) Get(_ context.Context, token string) (*model.Draft, error) {
	r.mu.RLock()
	d, ok := r.drafts[token]
	r.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if r.now().After(d.ExpiresAt.Add(r.grace)) {
		r.mu.Lock()
		delete(r.drafts, token)
		r.mu.Unlock()
		return nil, nil
	}
	return &d, nil
}

// Put stores d, replacing any draft with the same token.
func (r *MemoryRepository) Put(_ context.Context, d model.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts[d.Token] = d
	return nil
}

// Len returns the number of stored drafts. For testing.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drafts)
}

// --- RedisRepository ---

// RedisRepository stores drafts as JSON values under "draft:{token}" with a
// key TTL of the draft expiry plus a grace period.
type RedisRepository struct {
	client redis.Cmdable
	grace  time.Duration
	now    func() time.Time
}

// NewRedisRepository creates a Redis-backed repository.
func NewRedisRepository(client redis.Cmdable, grace time.Duration) *RedisRepository {
	return &RedisRepository{client: client, grace: grace, now: time.Now}
}

// Get loads the draft for token.
func (r *RedisRepository) Get(ctx context.Context, token string) (*model.Draft, error) {
	key := Key(token)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	var d model.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal draft %q: %w", key, err)
	}
	return &d, nil
}

// Put writes d and resets its key TTL.
func (r *RedisRepository) Put(ctx context.Context, d model.Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}

	ttl := d.ExpiresAt.Add(r.grace).Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	key := Key(d.Token)
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Key builds the Redis key for a draft token.
func Key(token string) string {
	return "draft:" + token
}
