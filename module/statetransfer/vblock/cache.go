// Package vblock implements the source-side cache of materialized
// reserved-pages snapshots ("virtual blocks"), keyed by the checkpoint
// pair a requester asked for.
package vblock

import (
	"container/list"
	"sync"

	"github.com/myh1000/concord-bft/model/statetransfer"
)

// DefaultCapacity is kMaxVBlocksInCache.
const DefaultCapacity = 28

// Key identifies a cached vblock by the checkpoint range it covers.
type Key struct {
	RequiredCheckpointNum          uint64
	LastCheckpointKnownToRequester uint64
}

// Cache is an insertion-order eviction cache: the oldest entry ever
// admitted is evicted first, regardless of how recently it was read. A
// plain recency-based LRU does not fit here because a vblock that keeps
// getting asked for is still exactly as cheap to serve from cache as one
// nobody has asked for again; what bounds memory is how many distinct
// vblocks have been materialized, not how "hot" they are. Built on
// container/list rather than an LRU library for this reason.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = oldest
	entries  map[Key]*list.Element
}

type entry struct {
	key   Key
	value *statetransfer.VBlock
}

// New returns an empty cache with the given capacity. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[Key]*list.Element),
	}
}

// Get returns the cached vblock for key, if present. It does not affect
// eviction order: cache hits are not "recently used" for this cache's
// purposes.
func (c *Cache) Get(key Key) (*statetransfer.VBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).value, true
}

// Put inserts or overwrites the vblock for key. A fresh insertion may
// evict the oldest entry if the cache is at capacity; overwriting an
// existing key never evicts and does not move it in eviction order.
func (c *Cache) Put(key Key, value *statetransfer.VBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).value = value
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry).key)
		}
	}

	el := c.order.PushBack(&entry{key: key, value: value})
	c.entries[key] = el
}

// Len returns the number of cached vblocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
