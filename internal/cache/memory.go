package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time and its
// position in the recency list.
type memItem struct {
	key       string
	data      []byte
	expiresAt time.Time
	elem      *list.Element
}

// MemoryCache is an in-process LRU cache with per-entry TTL.
//
// It is bounded by maxEntries: inserting beyond the bound evicts the least
// recently used entry. Get refreshes an entry's recency. A background
// goroutine periodically removes expired entries so stale responses do not
// pin memory between reads.
//
// Use this backend for single-instance deployments or local development.
// For distributed (multi-replica) deployments use RedisCache instead so
// that all replicas share the same cache.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]*memItem
	order      *list.List // front = most recently used
	maxEntries int

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache bounded to maxEntries and starts the
// background cleanup loop. A maxEntries of zero or less means unbounded.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, maxEntries int) *MemoryCache {
	c := &MemoryCache{
		items:      make(map[string]*memItem),
		order:      list.New(),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key and marks it most recently used.
// Returns (nil, false) on a miss or if the entry has expired. Expired
// entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		c.removeLocked(item)
		return nil, false
	}

	c.order.MoveToFront(item.elem)
	return item.data, true
}

// Set stores value under key for the duration of ttl, evicting the least
// recently used entry if the cache is full.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok {
		item.data = value
		item.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(item.elem)
		return nil
	}

	item := &memItem{
		key:       key,
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	item.elem = c.order.PushFront(item)
	c.items[key] = item

	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest.Value.(*memItem))
		}
	}

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok {
		c.removeLocked(item)
	}
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) removeLocked(item *memItem) {
	c.order.Remove(item.elem)
	delete(c.items, item.key)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for _, item := range c.items {
		if now.After(item.expiresAt) {
			c.removeLocked(item)
		}
	}
	c.mu.Unlock()
}
