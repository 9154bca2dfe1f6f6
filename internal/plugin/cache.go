package plugin

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chive-pub/plugd/internal/plugin/security"
)

// DefaultCacheEntries is the per-plugin entry cap. The byte quota from the
// plugin's storage budget is the real limit; the entry cap only bounds
// bookkeeping for plugins that store many tiny values.
const DefaultCacheEntries = 4096

// Cache is a plugin's private key/value store. Writes reserve bytes against
// the plugin's storage quota; a write that would exceed it fails whole, with
// nothing stored and nothing reserved. Least recently used entries are
// evicted to make room for new writes, and evicted or deleted entries give
// their bytes back.
//
// An entry costs len(key)+len(value) bytes. Callers must not modify a value
// slice after Set or after Get returns it.
type Cache struct {
	plugin string
	gov    *security.Governor

	mu  sync.Mutex
	lru *lru.Cache[string, []byte]
}

// newCache builds a cache for the plugin. Reservations go through gov,
// which must already have a budget registered for the plugin.
func newCache(plugin string, gov *security.Governor, entries int) *Cache {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	c := &Cache{plugin: plugin, gov: gov}
	// The constructor only errors on size <= 0, which is excluded above.
	c.lru, _ = lru.NewWithEvict[string, []byte](entries, c.onEvict)
	return c
}

// onEvict releases the evicted entry's reservation. Runs under c.mu via the
// lru calls in Set, Delete and Purge.
func (c *Cache) onEvict(key string, value []byte) {
	c.gov.ReleaseStorage(c.plugin, entryCost(key, value))
}

func entryCost(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// Set stores the value under key. If the quota is exhausted, old entries
// are evicted until the write fits; if it cannot fit even into an empty
// cache, the write is rejected with a quota error and the cache is
// unchanged.
func (c *Cache) Set(key string, value []byte) error {
	cost := entryCost(key, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		// Overwrite: settle the cost difference, then update in place.
		// The lru does not run the evict callback for updates.
		oldCost := entryCost(key, old)
		if cost > oldCost {
			if err := c.reserveEvicting(cost - oldCost); err != nil {
				return err
			}
		} else if cost < oldCost {
			c.gov.ReleaseStorage(c.plugin, oldCost-cost)
		}
		c.lru.Add(key, value)
		return nil
	}

	if err := c.reserveEvicting(cost); err != nil {
		return err
	}
	c.lru.Add(key, value)
	return nil
}

// reserveEvicting reserves n bytes, evicting oldest entries as needed.
// Called with c.mu held.
func (c *Cache) reserveEvicting(n int64) error {
	for {
		err := c.gov.ReserveStorage(c.plugin, n)
		if err == nil {
			return nil
		}
		if c.lru.Len() == 0 {
			return err
		}
		c.lru.RemoveOldest()
	}
}

// Get returns the value stored under key and marks it recently used.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Has reports whether key is present without refreshing its recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Delete removes key and releases its bytes. Returns true if the key was
// present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Keys returns the cached keys, oldest first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops every entry and releases all reserved bytes. Called on
// unload so a reloaded plugin starts from an empty store.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
