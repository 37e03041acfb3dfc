// Copyright 2025 SocialGuard
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default cache settings.
const (
	DefaultCacheTTL     = 60 * time.Second
	DefaultCacheMaxSize = 1000
)

// CacheConfig controls the policy cache.
type CacheConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	TTL     time.Duration `json:"ttl" yaml:"ttl"`
	MaxSize int           `json:"max_size" yaml:"max_size"`
}

// CacheEntry is one cached policy-set snapshot for a (clientID, agentID)
// context. HitCount is advisory only.
type CacheEntry struct {
	Policies  []Policy
	CachedAt  time.Time
	ExpiresAt time.Time
	HitCount  int64
}

// PolicyCache is a bounded TTL cache keyed by the evaluating context's
// (clientID, agentID) pair. Each entry holds the full policy list the
// provider returned for that context, so one tenant's entry is never
// served to another. Insertion order is tracked so eviction removes the
// oldest entries first.
type PolicyCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	order   []string

	ttl     time.Duration
	maxSize int
	enabled bool

	hits   int64
	misses int64

	clock func() time.Time
}

// NewPolicyCache creates a policy cache, applying defaults for zero TTL
// and max size.
func NewPolicyCache(cfg CacheConfig) *PolicyCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultCacheMaxSize
	}
	return &PolicyCache{
		entries: make(map[string]*CacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		enabled: cfg.Enabled,
		clock:   time.Now,
	}
}

// Enabled reports whether caching is on.
func (c *PolicyCache) Enabled() bool { return c.enabled }

// cacheKey builds the map key for a (clientID, agentID) pair. Policies
// without a client land under "global".
func cacheKey(clientID, agentID string) string {
	if clientID == "" {
		clientID = "global"
	}
	return clientID + ":" + agentID
}

// Get returns the cached policy list for the context key. Expired entries
// are purged lazily and reported as misses; the next lookup re-fetches.
func (c *PolicyCache) Get(clientID, agentID string) ([]Policy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(clientID, agentID)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock().After(entry.ExpiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	entry.HitCount++
	return entry.Policies, true
}

// PutAll stores the provider's policy list for the context key, evicting
// the oldest entries when the cache exceeds its bound. An empty list is a
// valid entry: it caches "no policies apply" for the TTL.
func (c *PolicyCache) PutAll(clientID, agentID string, policies []Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	key := cacheKey(clientID, agentID)
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &CacheEntry{
		Policies:  policies,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	// Remove oldest insertion-ordered entries until size <= maxSize.
	for len(c.entries) > c.maxSize && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}
}

// Invalidate removes every entry cached for the client, across all of its
// agent keys.
func (c *PolicyCache) Invalidate(clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := cacheKey(clientID, "")
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Clear drops all entries.
func (c *PolicyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry)
	c.order = nil
}

// Size returns the current entry count.
func (c *PolicyCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RecordHit and RecordMiss feed the metrics sink; the engine records one
// per evaluation.
func (c *PolicyCache) RecordHit()  { atomic.AddInt64(&c.hits, 1) }
func (c *PolicyCache) RecordMiss() { atomic.AddInt64(&c.misses, 1) }

// Hits returns the number of cache hits recorded.
func (c *PolicyCache) Hits() int64 { return atomic.LoadInt64(&c.hits) }

// Misses returns the number of cache misses recorded.
func (c *PolicyCache) Misses() int64 { return atomic.LoadInt64(&c.misses) }

// removeLocked deletes an entry and its slot in insertion order. Callers
// must hold c.mu.
func (c *PolicyCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
