// Package cache provides a fixed-size LRU cache with optional expvar hit and
// miss counters. The issue resolver uses it to memoize short ids.
package cache

import (
	"container/list"
	"expvar"
	"sync"
)

type cacheEntry[K comparable, V any] struct {
	key   K
	value V
}

// Options configure the callbacks of an LRUCache. All callbacks run with the
// cache lock held and must not call back into the cache.
type Options[K comparable, V any] struct {
	OnEvicted func(key K, value V)
	OnHit     func(key K)
	OnMiss    func(key K)
}

// LRUCache implements a fixed-size LRU cache. A capacity of zero or less
// disables it: Put is a no-op and Get always misses without counting.
type LRUCache[K comparable, V any] struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[K]*list.Element
	opts       Options[K, V]

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface[string, int] = (*LRUCache[string, int])(nil)

// NewLRUCache creates a new LRUCache.
func NewLRUCache[K comparable, V any](capacity int, opts Options[K, V]) *LRUCache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache[K, V]{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[K]*list.Element),
		opts:       opts,
	}
}

func (c *LRUCache[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value and marks it as most recently used.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return value, false
	}

	if elem, found := c.cacheItems[key]; found {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.opts.OnHit != nil {
			c.opts.OnHit(key)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.opts.OnMiss != nil {
		c.opts.OnMiss(key)
	}
	return value, false
}

// Put adds or updates a value, evicting the least recently used entry when full.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry[K, V]).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}
	c.cacheItems[key] = c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value})
}

// Remove deletes key without invoking OnEvicted. It reports whether the key was present.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cacheItems[key]
	if !ok {
		return false
	}
	c.lruList.Remove(elem)
	delete(c.cacheItems, key)
	return true
}

// Len returns the current number of items in the cache.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item. Must be called with c.mu locked.
func (c *LRUCache[K, V]) evict() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	removed := c.lruList.Remove(elem).(*cacheEntry[K, V])
	delete(c.cacheItems, removed.key)
	if c.opts.OnEvicted != nil {
		c.opts.OnEvicted(removed.key, removed.value)
	}
}

// Clear removes all entries, calling OnEvicted for each, and resets the counters.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.OnEvicted != nil {
		for e := c.lruList.Back(); e != nil; e = e.Prev() {
			entry := e.Value.(*cacheEntry[K, V])
			c.opts.OnEvicted(entry.key, entry.value)
		}
	}
	c.lruList.Init()
	c.cacheItems = make(map[K]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *LRUCache[K, V]) GetHitRate() float64 {
	c.mu.Lock()
	hitsVar, missesVar := c.hits, c.misses
	c.mu.Unlock()

	var hits, misses float64
	if hitsVar != nil {
		hits = float64(hitsVar.Value())
	}
	if missesVar != nil {
		misses = float64(missesVar.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
