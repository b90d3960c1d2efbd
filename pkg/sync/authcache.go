package sync

import (
	"container/list"
	"sync"
)

// authCache caches the verification result of a JWT/auth token, bounded to
// 1000 entries with FIFO eviction of the oldest 100 on overflow (spec.md
// §5 resource bounds). Built on container/list rather than one of the
// pack's LRU libraries (hashicorp/golang-lru): that library evicts by
// recency of access, not insertion order, and has no batch-eviction knob —
// spec.md's "evict the oldest 100" is a FIFO policy golang-lru doesn't
// expose, so this one narrow case stays on the standard library.
type authCache struct {
	mu       sync.Mutex
	order    *list.List
	entries  map[string]*list.Element
	capacity int
	evictN   int
}

type authCacheEntry struct {
	token string
	valid bool
}

func newAuthCache() *authCache {
	return &authCache{
		order:    list.New(),
		entries:  map[string]*list.Element{},
		capacity: 1000,
		evictN:   100,
	}
}

// Get reports whether token's verification result is cached, and what it
// was.
func (c *authCache) Get(token string) (valid bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.entries[token]
	if !found {
		return false, false
	}
	return el.Value.(*authCacheEntry).valid, true
}

// Put records token's verification result, evicting the oldest evictN
// entries if this insertion would exceed capacity.
func (c *authCache) Put(token string, valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.entries[token]; found {
		el.Value.(*authCacheEntry).valid = valid
		return
	}

	if len(c.entries) >= c.capacity {
		for i := 0; i < c.evictN; i++ {
			oldest := c.order.Front()
			if oldest == nil {
				break
			}
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*authCacheEntry).token)
		}
	}

	el := c.order.PushBack(&authCacheEntry{token: token, valid: valid})
	c.entries[token] = el
}
