// Package cache provides a fixed-capacity in-memory LRU cache.
// Eviction is purely capacity-driven; there is no time-based expiry.
package cache

import (
	"container/list"
	"sync"
)

type lruItem[T any] struct {
	key   string
	value T
}

// LRU is a thread-safe least-recently-used cache with a hard capacity.
// The recency list keeps the most-recently-used entry at the front; the
// element past capacity is evicted from the back.
type LRU[T any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
	onEvict  func(key string, value T)

	hits   uint64
	misses uint64
}

// New creates an LRU cache holding at most capacity entries.
// A capacity below 1 is treated as 1.
func New[T any](capacity int) *LRU[T] {
	return NewWithEvict[T](capacity, nil)
}

// NewWithEvict creates an LRU cache that calls onEvict for every entry
// removed by capacity pressure. onEvict runs outside the cache lock's
// critical writes but must not call back into the cache.
func NewWithEvict[T any](capacity int, onEvict func(key string, value T)) *LRU[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[T]{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

// Get retrieves a value and promotes the entry to most-recently-used.
func (c *LRU[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		var zero T
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(elem)
	return elem.Value.(*lruItem[T]).value, true
}

// Set stores a value. An existing key is updated and promoted; a new key is
// inserted at the front, evicting the least-recently-used entry when the
// cache is over capacity.
func (c *LRU[T]) Set(key string, value T) {
	c.mu.Lock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*lruItem[T]).value = value
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		return
	}

	c.items[key] = c.order.PushFront(&lruItem[T]{key: key, value: value})

	var evicted *lruItem[T]
	if c.order.Len() > c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			evicted = oldest.Value.(*lruItem[T])
			delete(c.items, evicted.key)
			c.order.Remove(oldest)
		}
	}
	c.mu.Unlock()

	if evicted != nil && c.onEvict != nil {
		c.onEvict(evicted.key, evicted.value)
	}
}

// Remove deletes a key without triggering the eviction callback.
func (c *LRU[T]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.order.Remove(elem)
	}
}

// Len returns the current number of entries.
func (c *LRU[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all cached keys, most-recently-used first.
func (c *LRU[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruItem[T]).key)
	}
	return keys
}

// Stats returns cumulative hit/miss counts.
func (c *LRU[T]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Purge empties the cache without triggering eviction callbacks.
func (c *LRU[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}
