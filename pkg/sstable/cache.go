package sstable

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dowkv/wcstore/pkg/row"
)

// rowCache is an LRU cache of decoded rows keyed by (segment path, row
// number). Each open Segment has its own rowCache, so a hot row read
// repeatedly across lookups on that segment pays the decode cost once.
type rowCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lru      *list.List
	hits     int64
	misses   int64
}

type rowCacheEntry struct {
	key string
	row row.Row
}

// newRowCache builds a cache holding up to capacity decoded rows.
func newRowCache(capacity int) *rowCache {
	return &rowCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

func rowCacheKey(path string, rowIdx int) string {
	return fmt.Sprintf("%s#%d", path, rowIdx)
}

func (c *rowCache) get(path string, rowIdx int) (row.Row, bool) {
	if c == nil {
		return row.Row{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[rowCacheKey(path, rowIdx)]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*rowCacheEntry).row, true
	}
	c.misses++
	return row.Row{}, false
}

func (c *rowCache) put(path string, rowIdx int, r row.Row) {
	if c == nil || c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := rowCacheKey(path, rowIdx)
	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*rowCacheEntry).row = r
		return
	}

	elem := c.lru.PushFront(&rowCacheEntry{key: key, row: r})
	c.entries[key] = elem
	if c.lru.Len() > c.capacity {
		back := c.lru.Back()
		if back != nil {
			c.lru.Remove(back)
			delete(c.entries, back.Value.(*rowCacheEntry).key)
		}
	}
}

// Stats reports cumulative hit/miss counts and the derived hit rate.
func (c *rowCache) Stats() (hits, misses int64, hitRate float64) {
	if c == nil {
		return 0, 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hits, misses = c.hits, c.misses
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}
