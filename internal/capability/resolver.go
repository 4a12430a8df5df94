// Package capability resolves the permissions an actor holds from the
// role policy, with a short-lived cache in front of it.
package capability

import (
	"sync"
	"time"

	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/model"
)

// Policy maps roles to permissions.
type Policy interface {
	Permissions(roles ...string) model.PermissionSet
}

type cacheEntry struct {
	perms   model.PermissionSet
	expires time.Time
}

// Resolver caches per-actor permission sets.
type Resolver struct {
	policy     Policy
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a resolver. maxEntries <= 0 means unbounded.
func NewResolver(policy Policy, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		policy:     policy,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

func cacheKey(actor *model.Actor) string {
	return actor.SubjectID + ":" + actor.NormalizedRole()
}

// Resolve returns the permissions for actor's role.
func (r *Resolver) Resolve(actor *model.Actor) model.PermissionSet {
	key := cacheKey(actor)
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		r.metrics.RecordCapabilityCacheHit()
		return entry.perms
	}
	r.metrics.RecordCapabilityCacheMiss()

	perms := r.policy.Permissions(actor.Role)

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[key] = cacheEntry{perms: perms, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return perms
}

// Invalidate drops cached permissions for subjectID under every role.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// evictLocked drops expired entries, or everything when none expired.
func (r *Resolver) evictLocked(now time.Time) {
	for key, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, key)
		}
	}
	if len(r.cache) >= r.maxEntries {
		clear(r.cache)
	}
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
