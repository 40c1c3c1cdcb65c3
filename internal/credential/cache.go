package credential

import (
	"sync"
	"time"

	"github.com/hookwise/entitled/internal/upstream"
)

const (
	defaultCacheCapacity = 100
	defaultCacheTTL      = 30 * time.Minute
)

type cacheEntry struct {
	client    upstream.Client
	createdAt time.Time
}

// clientCache bounds decrypted upstream clients by count and age. Eviction is
// FIFO on insertion order; a stale or evicted entry just costs one
// decrypt-and-construct on the next resolve.
type clientCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	order    []string
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func newClientCache(capacity int, ttl time.Duration) *clientCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &clientCache{
		entries:  make(map[string]cacheEntry, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (c *clientCache) get(key string) (upstream.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.createdAt) >= c.ttl {
		c.removeLocked(key)
		return nil, false
	}
	return entry.client, true
}

func (c *clientCache) set(key string, client upstream.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}
	for len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}
	c.entries[key] = cacheEntry{client: client, createdAt: c.now()}
	c.order = append(c.order, key)
}

func (c *clientCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *clientCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry, c.capacity)
	c.order = c.order[:0]
}

func (c *clientCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *clientCache) removeLocked(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, candidate := range c.order {
		if candidate == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
