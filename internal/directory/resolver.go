// Package directory resolves which organisational roles an approver holds.
// Roles come from a static YAML policy and are cached with a TTL.
package directory

import (
	"sync"
	"time"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Source looks up the roles of a single approver.
type Source interface {
	Lookup(approverID string) (model.RoleSet, error)
}

type cacheEntry struct {
	roles   model.RoleSet
	expires time.Time
}

// Resolver implements model.RoleResolver with an in-memory cache in front
// of a Source.
type Resolver struct {
	source     Source
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver. A zero ttl disables caching; a zero
// maxEntries leaves the cache unbounded.
func NewResolver(source Source, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		source:     source,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// Resolve returns the roles held by approverID. Results are cached for the
// configured TTL.
func (r *Resolver) Resolve(approverID string) (model.RoleSet, error) {
	now := r.now()

	r.mu.RLock()
	if entry, ok := r.cache[approverID]; ok && now.Before(entry.expires) {
		r.mu.RUnlock()
		r.metrics.RecordDirectoryCacheHit()
		return entry.roles, nil
	}
	r.mu.RUnlock()
	r.metrics.RecordDirectoryCacheMiss()

	roles, err := r.source.Lookup(approverID)
	if err != nil {
		return nil, err
	}
	if r.ttl <= 0 {
		return roles, nil
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[approverID] = cacheEntry{roles: roles, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return roles, nil
}

// Invalidate clears the cached roles for approverID.
func (r *Resolver) Invalidate(approverID string) {
	r.mu.Lock()
	delete(r.cache, approverID)
	r.mu.Unlock()
}

// InvalidateAll clears the whole cache, e.g. after the policy is reloaded.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

// evictLocked drops expired entries, or the entry closest to expiry when
// none has expired. r.mu must be held.
func (r *Resolver) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	evicted := false
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
			evicted = true
			continue
		}
		if oldestKey == "" || entry.expires.Before(oldest) {
			oldestKey, oldest = key, entry.expires
		}
	}
	if !evicted && oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}
