package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// seenCache remembers recently dispatched message IDs. It is bounded by
// entry count (oldest evicted first) and by age. Exceeding either bound
// forgets the oldest IDs, trading a small re-delivery window for bounded
// memory.
type seenCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = oldest

	now func() time.Time // test hook
}

type seenEntry struct {
	id      string
	addedAt time.Time
}

func newSeenCache(max int, ttl time.Duration) *seenCache {
	return &seenCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]*list.Element, max),
		order:   list.New(),
		now:     time.Now,
	}
}

// add records an ID. It returns false if the ID was already present and
// unexpired, meaning the caller holds a duplicate.
func (c *seenCache) add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if _, ok := c.entries[id]; ok {
		return false
	}

	for c.order.Len() >= c.max {
		c.evictOldest()
	}
	c.entries[id] = c.order.PushBack(&seenEntry{id: id, addedAt: now})
	return true
}

// len reports the current number of remembered IDs.
func (c *seenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// expire drops entries older than the TTL. Caller holds mu.
func (c *seenCache) expire(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*seenEntry)
		if now.Sub(e.addedAt) < c.ttl {
			return
		}
		c.evictOldest()
	}
}

// evictOldest removes the front entry. Caller holds mu.
func (c *seenCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := c.order.Remove(front).(*seenEntry)
	delete(c.entries, e.id)
}
