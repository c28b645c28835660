/*
cache.go - TTL-bounded read-through caches

PURPOSE:
  Caches resolved chains and aggregate stats. Both caches are purely
  derived, disposable state: the ledger and chain store remain the source
  of truth, and dropping a cache at any time is safe.

STALENESS BOUND:
  Entries expire after a fixed TTL. Mutations additionally invalidate the
  affected user's entry, so readers observe updates within one TTL in the
  worst case (e.g. a descendant whose chain changed transitively).

CONCURRENCY:
  Guarded by sync.RWMutex, same as the store layer. Expired entries are
  dropped lazily on read.
*/
package referral

import (
	"sync"
	"time"
)

// =============================================================================
// CHAIN CACHE
// =============================================================================

type chainEntry struct {
	chain     Chain
	expiresAt time.Time
}

// ChainCache holds resolved chains per user with a TTL.
type ChainCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[UserID]chainEntry
}

func NewChainCache(ttl time.Duration) *ChainCache {
	return &ChainCache{ttl: ttl, entries: make(map[UserID]chainEntry)}
}

func (c *ChainCache) Get(userID UserID) (Chain, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.dropExpired(userID)
		return nil, false
	}
	return e.chain, true
}

// dropExpired deletes the entry only if it is still expired: a concurrent
// Put between the read and this delete must not lose its fresh entry.
func (c *ChainCache) dropExpired(userID UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok && time.Now().After(e.expiresAt) {
		delete(c.entries, userID)
	}
}

func (c *ChainCache) Put(userID UserID, chain Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = chainEntry{chain: chain, expiresAt: time.Now().Add(c.ttl)}
}

func (c *ChainCache) Invalidate(userID UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *ChainCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[UserID]chainEntry)
}

// =============================================================================
// STATS CACHE
// =============================================================================

type statsEntry struct {
	stats     Stats
	expiresAt time.Time
}

// StatsCache holds aggregate stats per user with a TTL. Invalidated by the
// worker after every committed credit.
type StatsCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[UserID]statsEntry
}

func NewStatsCache(ttl time.Duration) *StatsCache {
	return &StatsCache{ttl: ttl, entries: make(map[UserID]statsEntry)}
}

func (c *StatsCache) Get(userID UserID) (Stats, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.dropExpired(userID)
		return Stats{}, false
	}
	return e.stats, true
}

// dropExpired deletes the entry only if it is still expired, so a
// concurrent Put keeps its fresh entry.
func (c *StatsCache) dropExpired(userID UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok && time.Now().After(e.expiresAt) {
		delete(c.entries, userID)
	}
}

func (c *StatsCache) Put(userID UserID, stats Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = statsEntry{stats: stats, expiresAt: time.Now().Add(c.ttl)}
}

func (c *StatsCache) Invalidate(userID UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *StatsCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[UserID]statsEntry)
}
