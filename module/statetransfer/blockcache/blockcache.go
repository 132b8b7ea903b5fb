// Package blockcache provides a small recency-based cache of block
// bytes read from AppState while serving FetchBlocks, so a burst of
// requesters all catching up to the same recent tip doesn't hammer the
// application's block store with repeat reads for the same blocks. Uses
// hashicorp/golang-lru/v2 rather than the insertion-order eviction of
// module/statetransfer/vblock: here recency is exactly the right signal,
// since the hot set is whatever the chain tip currently is.
package blockcache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded, recency-evicted cache of block number to bytes.
type Cache struct {
	inner *lru.Cache[uint64, []byte]
}

// New returns an empty cache holding up to capacity blocks.
func New(capacity int) (*Cache, error) {
	inner, err := lru.New[uint64, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the cached bytes for blockNumber, if present.
func (c *Cache) Get(blockNumber uint64) ([]byte, bool) {
	return c.inner.Get(blockNumber)
}

// Put caches bytes for blockNumber.
func (c *Cache) Put(blockNumber uint64, bytes []byte) {
	c.inner.Add(blockNumber, bytes)
}

// Len returns the number of blocks currently cached.
func (c *Cache) Len() int {
	return c.inner.Len()
}
