// Package cache implements the gateway's tiered (L1/L2) cache: per-region
// size-bounded LRUs with TTL and adaptive-TTL extension, a pressure
// subscriber that shrinks region capacity under memory pressure, and a
// query-result cache with table-based reverse-index invalidation.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	value       any
	expiresAt   time.Time
	ttl         time.Duration
	accessCount int64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// RegionStats reports a region's current occupancy and hit/miss counts.
type RegionStats struct {
	Name     string
	L1Len    int
	L2Len    int
	Hits     uint64
	Misses   uint64
	Cap      int
}

// Region is a single named cache region with an L1 (hot) and, when tiering
// is enabled, an L2 (warm) LRU tier. L1 holds 80% of the region's budget
// by default; when tiering is disabled the region degrades to a single
// LRU sized at the full budget.
type Region struct {
	name           string
	mu             sync.Mutex
	baseCap        int
	l1Cap          int
	l2Cap          int
	tieringEnabled bool
	defaultTTL     time.Duration
	adaptiveTTL    bool
	ttlCeiling     time.Duration

	l1 *lru.Cache[string, *entry]
	l2 *lru.Cache[string, *entry]

	hits, misses uint64
}

// NewRegion builds a region sized at baseCap. If tieringEnabled is false,
// l2 is nil and the region behaves as a single LRU.
func NewRegion(name string, baseCap int, tieringEnabled bool, defaultTTL time.Duration, adaptiveTTL bool, ttlCeiling time.Duration) (*Region, error) {
	if baseCap <= 0 {
		baseCap = 1
	}
	r := &Region{
		name:           name,
		baseCap:        baseCap,
		tieringEnabled: tieringEnabled,
		defaultTTL:     defaultTTL,
		adaptiveTTL:    adaptiveTTL,
		ttlCeiling:     ttlCeiling,
	}
	r.l1Cap, r.l2Cap = splitCaps(baseCap, tieringEnabled)

	l1, err := lru.New[string, *entry](r.l1Cap)
	if err != nil {
		return nil, err
	}
	r.l1 = l1

	if tieringEnabled {
		l2, err := lru.New[string, *entry](r.l2Cap)
		if err != nil {
			return nil, err
		}
		r.l2 = l2
	}
	return r, nil
}

func splitCaps(baseCap int, tiering bool) (l1Cap, l2Cap int) {
	if !tiering {
		return baseCap, 0
	}
	l1Cap = int(float64(baseCap) * 0.8)
	if l1Cap < 1 {
		l1Cap = 1
	}
	l2Cap = baseCap - l1Cap
	if l2Cap < 1 {
		l2Cap = 1
	}
	return l1Cap, l2Cap
}

// Get returns a cached value, promoting an L2 hit to L1. Expired entries
// are treated as a miss and removed.
func (r *Region) Get(key string) (any, bool) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.l1.Get(key); ok {
		if e.expired(now) {
			r.l1.Remove(key)
			r.misses++
			return nil, false
		}
		r.hits++
		r.touchTTL(e, now)
		return e.value, true
	}

	if r.tieringEnabled {
		if e, ok := r.l2.Peek(key); ok {
			if e.expired(now) {
				r.l2.Remove(key)
				r.misses++
				return nil, false
			}
			r.l2.Remove(key)
			r.promoteToL1(key, e)
			r.hits++
			r.touchTTL(e, now)
			return e.value, true
		}
	}

	r.misses++
	return nil, false
}

// promoteToL1 inserts e into L1, first evicting L1's coldest entry into L2
// if L1 is at capacity. Must be called with r.mu held.
func (r *Region) promoteToL1(key string, e *entry) {
	if r.l1.Len() >= r.l1Cap {
		if ek, ev, ok := r.l1.RemoveOldest(); ok && r.tieringEnabled {
			r.l2.Add(ek, ev)
		}
	}
	r.l1.Add(key, e)
}

// touchTTL extends an adaptive-TTL entry's expiry on access to now plus
// its TTL, capped at now plus ttlCeiling.
func (r *Region) touchTTL(e *entry, now time.Time) {
	e.accessCount++
	if !r.adaptiveTTL || e.ttl <= 0 {
		return
	}
	extended := now.Add(e.ttl)
	ceiling := now.Add(r.ttlCeiling)
	if r.ttlCeiling > 0 && extended.After(ceiling) {
		extended = ceiling
	}
	e.expiresAt = extended
}

// Set inserts value into L1 under key, evicting L1's coldest entry into
// L2 (or dropping it, if L2 is also full) if L1 is at capacity. A zero or
// negative ttl uses the region's default TTL.
func (r *Region) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	e := &entry{value: value, expiresAt: expiresAt, ttl: ttl}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tieringEnabled {
		r.l2.Remove(key)
	}
	if r.l1.Len() >= r.l1Cap {
		if ek, ev, ok := r.l1.RemoveOldest(); ok && r.tieringEnabled {
			r.l2.Add(ek, ev)
		}
	}
	r.l1.Add(key, e)
}

// Invalidate removes key from both tiers.
func (r *Region) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.l1.Remove(key)
	if r.tieringEnabled {
		r.l2.Remove(key)
	}
}

// Clear empties both tiers.
func (r *Region) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.l1.Purge()
	if r.tieringEnabled {
		r.l2.Purge()
	}
}

// FlushL2 empties only the L2 tier; used under aggressive memory pressure.
func (r *Region) FlushL2() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tieringEnabled {
		r.l2.Purge()
	}
}

// ApplyCap is the single entry point for shrinking (or restoring) a
// region's capacity, used by pressure-driven resize and RestoreCap; it
// runs under r.mu, so concurrent callers can never leave an inconsistent
// cap.
func (r *Region) ApplyCap(newCap int) (evicted int) {
	if newCap < 1 {
		newCap = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	l1Cap, l2Cap := splitCaps(newCap, r.tieringEnabled)
	evicted += r.l1.Resize(l1Cap)
	r.l1Cap = l1Cap
	if r.tieringEnabled {
		evicted += r.l2.Resize(l2Cap)
		r.l2Cap = l2Cap
	}
	return evicted
}

// RestoreCap resets the region back to its originally configured budget.
func (r *Region) RestoreCap() { r.ApplyCap(r.baseCap) }

// Stats returns a snapshot of this region's occupancy and counters.
func (r *Region) Stats() RegionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RegionStats{Name: r.name, L1Len: r.l1.Len(), Hits: r.hits, Misses: r.misses, Cap: r.l1Cap + r.l2Cap}
	if r.tieringEnabled {
		s.L2Len = r.l2.Len()
	}
	return s
}

// sweepExpired scans both tiers and evicts entries past their expiry.
// Nothing in the gateway calls it. The lru.Cache type has no bulk
// iteration that mutates safely mid-range, so this walks Keys() snapshots.
func (r *Region) sweepExpired() (removed int) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.l1.Keys() {
		if e, ok := r.l1.Peek(k); ok && e.expired(now) {
			r.l1.Remove(k)
			removed++
		}
	}
	if r.tieringEnabled {
		for _, k := range r.l2.Keys() {
			if e, ok := r.l2.Peek(k); ok && e.expired(now) {
				r.l2.Remove(k)
				removed++
			}
		}
	}
	return removed
}
