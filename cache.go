package rbac

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultDecisionTTL is how long a cached decision stays live.
const DefaultDecisionTTL = 1800 * time.Second

// ============================================================================
// DECISION CACHE
// ============================================================================

// DecisionKey identifies one cached decision. ResourceID is empty for checks
// without a concrete resource instance.
type DecisionKey struct {
	SubjectID    string
	ResourceType ResourceType
	Action       Action
	ResourceID   string
}

func (k DecisionKey) String() string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", k.SubjectID, k.ResourceType, k.Action, k.ResourceID)
}

// CacheEntry pairs a decision with its expiry.
type CacheEntry struct {
	Decision    *Decision
	EvaluatedAt time.Time
	ExpiresAt   time.Time
}

// CacheStats is reported by HealthCheck.
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// DecisionCache memoizes access decisions. Implementations must be safe for
// concurrent readers and writers; entries are immutable once inserted and
// only removed or replaced wholesale.
type DecisionCache interface {
	Get(key DecisionKey) (*Decision, bool)
	Set(key DecisionKey, d *Decision, ttl time.Duration)
	// InvalidateSubject drops every entry keyed by the subject. Backends that
	// cannot enumerate keys may drop everything instead; dropping more than
	// required is always safe.
	InvalidateSubject(subjectID string)
	Clear()
	Stats() CacheStats
}

// MemoryDecisionCache is the default backend: a mutex-guarded map with lazy
// TTL eviction on read. It supports exact per-subject invalidation.
type MemoryDecisionCache struct {
	mu      sync.RWMutex
	entries map[DecisionKey]*CacheEntry
	hits    atomic.Uint64
	misses  atomic.Uint64
}

func NewMemoryDecisionCache() *MemoryDecisionCache {
	return &MemoryDecisionCache{entries: make(map[DecisionKey]*CacheEntry)}
}

func (c *MemoryDecisionCache) Get(key DecisionKey) (*Decision, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if !time.Now().Before(entry.ExpiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.Decision, true
}

func (c *MemoryDecisionCache) Set(key DecisionKey, d *Decision, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	now := time.Now()
	c.mu.Lock()
	c.entries[key] = &CacheEntry{Decision: d, EvaluatedAt: now, ExpiresAt: now.Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryDecisionCache) InvalidateSubject(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.SubjectID == subjectID {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryDecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *MemoryDecisionCache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// RistrettoDecisionCache backs the cache with ristretto for high-throughput
// deployments. Ristretto cannot enumerate keys, so per-subject invalidation
// degrades to a full clear; that trades recall for correctness, never the
// other way around.
type RistrettoDecisionCache struct {
	cache *ristretto.Cache
}

// NewRistrettoDecisionCache builds a ristretto-backed cache. Zero arguments
// fall back to sane defaults.
func NewRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) (*RistrettoDecisionCache, error) {
	if numCounters <= 0 {
		numCounters = 1e6
	}
	if maxCost <= 0 {
		maxCost = 1 << 24
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto decision cache: %w", err)
	}
	return &RistrettoDecisionCache{cache: cache}, nil
}

func (c *RistrettoDecisionCache) Get(key DecisionKey) (*Decision, bool) {
	v, ok := c.cache.Get(key.String())
	if !ok {
		return nil, false
	}
	entry, ok := v.(*CacheEntry)
	if !ok || !time.Now().Before(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Decision, true
}

func (c *RistrettoDecisionCache) Set(key DecisionKey, d *Decision, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	now := time.Now()
	entry := &CacheEntry{Decision: d, EvaluatedAt: now, ExpiresAt: now.Add(ttl)}
	c.cache.SetWithTTL(key.String(), entry, 1, ttl)
}

func (c *RistrettoDecisionCache) InvalidateSubject(string) {
	c.cache.Clear()
}

func (c *RistrettoDecisionCache) Clear() {
	c.cache.Clear()
}

func (c *RistrettoDecisionCache) Stats() CacheStats {
	m := c.cache.Metrics
	if m == nil {
		return CacheStats{}
	}
	added := m.KeysAdded()
	evicted := m.KeysEvicted()
	entries := 0
	if added > evicted {
		entries = int(added - evicted)
	}
	return CacheStats{Entries: entries, Hits: m.Hits(), Misses: m.Misses()}
}
