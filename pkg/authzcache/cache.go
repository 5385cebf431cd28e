// Package authzcache implements the Authorization Cache (spec §4.3): a
// TTL-keyed cache of policy decisions keyed by (role, policy_id,
// input-fingerprint), collapsing concurrent identical misses with
// singleflight and invalidated on policy-version change or manual request.
package authzcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dislovelhl/acgs2/pkg/canonicalize"
	"github.com/dislovelhl/acgs2/pkg/pdp"
)

const DefaultTTL = 15 * time.Minute

// Key identifies a cached decision.
type Key struct {
	Role            string
	PolicyID        string
	InputFingerprint string
}

// String renders the composite cache key. Role and policy ID are
// NFC-normalized so code-point variants of the same identifier share one
// cache slot (and one singleflight group).
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", canonicalize.NormalizeID(k.Role), canonicalize.NormalizeID(k.PolicyID), k.InputFingerprint)
}

// Evaluator is the subset of pdp.PolicyEvaluator the cache delegates misses to.
type Evaluator interface {
	Evaluate(ctx context.Context, in *pdp.DecisionInput) (*pdp.Decision, error)
}

// Store is the backend a Cache persists entries to. InMemoryStore and
// RedisStore both implement it, so the cache logic (TTL, singleflight,
// invalidation) is identical regardless of backend.
type Store interface {
	Get(ctx context.Context, key string) (*pdp.Decision, bool, error)
	Set(ctx context.Context, key string, d *pdp.Decision, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Cache is the Authorization Cache. A single in-flight evaluation is shared
// by all concurrent callers requesting the same Key (I4).
type Cache struct {
	store   Store
	eval    Evaluator
	ttl     time.Duration
	group   singleflight.Group
}

// New constructs a Cache backed by store, delegating misses to eval.
func New(store Store, eval Evaluator, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, eval: eval, ttl: ttl}
}

// Get returns the cached decision for key, evaluating and caching on miss.
// Concurrent Get calls for the same key collapse into one Evaluate call.
func (c *Cache) Get(ctx context.Context, key Key, in *pdp.DecisionInput) (*pdp.Decision, error) {
	k := key.String()

	if d, hit, err := c.store.Get(ctx, k); err != nil {
		return nil, fmt.Errorf("authzcache: read: %w", err)
	} else if hit {
		return d, nil
	}

	v, err, _ := c.group.Do(k, func() (interface{}, error) {
		d, err := c.eval.Evaluate(ctx, in)
		if err != nil {
			return nil, err
		}
		if setErr := c.store.Set(ctx, k, d, c.ttl); setErr != nil {
			return nil, fmt.Errorf("authzcache: write: %w", setErr)
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pdp.Decision), nil
}

// Invalidate removes all cached entries for role. Pass "" to clear everything.
func (c *Cache) Invalidate(ctx context.Context, role string) error {
	if role == "" {
		return c.store.DeletePrefix(ctx, "")
	}
	return c.store.DeletePrefix(ctx, canonicalize.NormalizeID(role)+"|")
}

// InMemoryStore is an in-process TTL map, used either standalone or as a
// fallback when Redis is unavailable.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	decision *pdp.Decision
	expires  time.Time
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]entry)}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (*pdp.Decision, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expires) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.decision, true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key string, d *pdp.Decision, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{decision: d, expires: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix (role-level
// invalidation); an empty prefix clears the whole store.
func (s *InMemoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prefix == "" {
		s.entries = make(map[string]entry)
		return nil
	}
	for k := range s.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.entries, k)
		}
	}
	return nil
}
