package bridge

import (
	"sync"
	"time"
)

type seenSlot struct {
	key string
	at  time.Time
}

// seenCache remembers keys for ttl, holding at most max entries. order holds one
// slot per recording; a slot whose time no longer matches items is stale.
type seenCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	items map[string]time.Time
	order []seenSlot
}

func newSeenCache(ttl time.Duration, max int) *seenCache {
	return &seenCache{ttl: ttl, max: max, items: make(map[string]time.Time)}
}

// Seen records key at now and reports whether it was already present and unexpired.
func (c *seenCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.items[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.items[key] = now
	c.order = append(c.order, seenSlot{key: key, at: now})
	c.evict(now)
	return false
}

func (c *seenCache) evict(now time.Time) {
	for len(c.order) > 0 {
		oldest := c.order[0]
		if at, ok := c.items[oldest.key]; !ok || !at.Equal(oldest.at) {
			c.order = c.order[1:]
			continue
		}
		if len(c.items) <= c.max && now.Sub(oldest.at) < c.ttl {
			return
		}
		delete(c.items, oldest.key)
		c.order = c.order[1:]
	}
}

func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
