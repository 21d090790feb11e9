// Package lru provides the bounded read-through cache used by the tool
// catalog and the asset-context resolver. Entries age out by TTL and the
// least recently used entry is evicted once the size cap is reached, so
// eviction is the only growth bound.
package lru

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// Cache is a fixed-capacity LRU with per-entry TTL. Safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	now func() time.Time
}

// New creates a cache holding at most capacity entries, each valid for ttl.
// A ttl of zero disables expiry.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[V]{
		cap:     capacity,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the cached value and refreshes its recency. An expired entry
// is removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	ent := el.Value.(*entry[V])
	if c.ttl > 0 && c.now().After(ent.expires) {
		c.remove(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Put inserts or replaces the value for key, evicting the least recently
// used entry when the cache is full.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry[V])
		ent.value = value
		ent.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry[V]{key: key, value: value, expires: c.now().Add(c.ttl)})
	c.entries[key] = el
	if c.order.Len() > c.cap {
		c.remove(c.order.Back())
	}
}

// Remove drops key if present.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) remove(el *list.Element) {
	if el == nil {
		return
	}
	ent := el.Value.(*entry[V])
	delete(c.entries, ent.key)
	c.order.Remove(el)
}
