// Package policyversion implements the Policy Version Cache (spec §4.4): the
// currently-active version per policy, TTL 1h, invalidated explicitly on
// activation and propagating a version-changed event so the Authorization
// Cache can purge affected entries.
package policyversion

import (
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

const DefaultTTL = time.Hour

// Listener is notified when a policy's active version changes.
type Listener func(policyID, newVersion string)

type entry struct {
	version string
	expires time.Time
}

// Cache stores the active version per policy ID.
type Cache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	entries   map[string]entry
	listeners []Listener
	fetch     func(policyID string) (string, error)
}

// New constructs a Cache. fetch is called on a miss/expiry to retrieve the
// authoritative active version (e.g. from a policy bundle store).
func New(ttl time.Duration, fetch func(policyID string) (string, error)) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]entry), fetch: fetch}
}

// OnChange registers a listener invoked (synchronously) whenever Activate
// installs a new version, or Get refreshes a stale/missing entry to a
// different version than previously cached.
func (c *Cache) OnChange(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Get returns the active version for policyID, refreshing via fetch if
// absent or expired.
func (c *Cache) Get(policyID string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[policyID]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expires) {
		return e.version, nil
	}

	if c.fetch == nil {
		return "", fmt.Errorf("policyversion: no entry for %q and no fetch configured", policyID)
	}
	v, err := c.fetch(policyID)
	if err != nil {
		return "", fmt.Errorf("policyversion: fetch %q: %w", policyID, err)
	}
	c.install(policyID, v)
	if ok && e.version != v {
		c.notify(policyID, v)
	}
	return v, nil
}

// Activate installs version as the active version for policyID, validating
// it as a semantic version and notifying listeners regardless of whether it
// changed from the previously cached value (an explicit activation always
// counts as a change for cache-invalidation purposes).
func (c *Cache) Activate(policyID, version string) error {
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("policyversion: invalid version %q for %q: %w", version, policyID, err)
	}
	c.install(policyID, version)
	c.notify(policyID, version)
	return nil
}

func (c *Cache) install(policyID, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[policyID] = entry{version: version, expires: time.Now().Add(c.ttl)}
}

func (c *Cache) notify(policyID, version string) {
	c.mu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()
	for _, l := range listeners {
		l(policyID, version)
	}
}
