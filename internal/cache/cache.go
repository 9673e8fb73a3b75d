// Package cache holds committed page images in memory: a bounded LRU of
// clean pages and the superseded versions that open snapshots still need.
package cache

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

const (
	MinCacheSize = 16 // Minimum: hold tree path + concurrent ops
)

// Cache is an LRU of committed page images keyed by page id. Cached slices
// are shared and must not be modified.
type Cache struct {
	lru *freelru.SyncedLRU[base.PageID, []byte]

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func hashPageID(id base.PageID) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return uint32(xxhash.Sum64(b[:]))
}

// NewCache creates a page cache holding at most maxSize pages.
func NewCache(maxSize int) (*Cache, error) {
	maxSize = max(maxSize, MinCacheSize)
	lru, err := freelru.NewSynced[base.PageID, []byte](uint32(maxSize), hashPageID)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: lru}, nil
}

// Put adds a page image, replacing any existing entry for the id.
func (c *Cache) Put(id base.PageID, data []byte) {
	if c.lru.Add(id, data) {
		c.evictions.Add(1)
	}
}

// Get returns (data, true) on a hit.
func (c *Cache) Get(id base.PageID) ([]byte, bool) {
	data, ok := c.lru.Get(id)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

// Delete removes a page from the cache.
func (c *Cache) Delete(id base.PageID) {
	c.lru.Remove(id)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Size returns current number of cached entries
func (c *Cache) Size() int {
	return c.lru.Len()
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// ClearStats resets the cache's positive incrementing statistics
func (c *Cache) ClearStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}
