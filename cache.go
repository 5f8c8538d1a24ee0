package tinylsm

import (
	"container/list"
	"sync"
)

// cacheKey identifies a decoded block by table and offset.
type cacheKey struct {
	FileID      uint64
	BlockOffset uint64
}

type cacheEntry struct {
	key   cacheKey
	block *Block
	size  int64
}

// lruCache holds decoded blocks shared by every open table, bounded by
// total block size. Entries are also indexed per table so a retired
// table's blocks can be dropped without walking the whole cache.
// Blocks are immutable: evicting one never invalidates a reader that
// still holds it.
type lruCache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	lru      *list.List // front is most recent
	files    map[uint64]map[uint64]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64
}

// newLRUCache creates a cache holding up to capacity bytes of blocks.
// A capacity of 0 disables caching.
func newLRUCache(capacity int64) *lruCache {
	return &lruCache{
		capacity: capacity,
		lru:      list.New(),
		files:    make(map[uint64]map[uint64]*list.Element),
	}
}

func (c *lruCache) disabled() bool {
	return c == nil || c.capacity <= 0
}

// lookup must be called with mu held.
func (c *lruCache) lookup(key cacheKey) (*list.Element, bool) {
	blocks, ok := c.files[key.FileID]
	if !ok {
		return nil, false
	}
	elem, ok := blocks[key.BlockOffset]
	return elem, ok
}

// Get returns a cached block and marks it recently used.
func (c *lruCache) Get(key cacheKey) (*Block, bool) {
	if c.disabled() {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.lookup(key)
	if !ok {
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return elem.Value.(*cacheEntry).block, true
}

// Put caches block under key, evicting least recently used blocks to
// make room. A block larger than the whole cache is not stored.
func (c *lruCache) Put(key cacheKey, block *Block) {
	if c.disabled() {
		return
	}
	n := block.Size()
	if n > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.lookup(key); ok {
		entry := elem.Value.(*cacheEntry)
		c.size += n - entry.size
		entry.block, entry.size = block, n
		c.lru.MoveToFront(elem)
		c.shrink()
		return
	}

	c.size += n
	c.shrink()

	blocks := c.files[key.FileID]
	if blocks == nil {
		blocks = make(map[uint64]*list.Element)
		c.files[key.FileID] = blocks
	}
	blocks[key.BlockOffset] = c.lru.PushFront(&cacheEntry{key: key, block: block, size: n})
}

// shrink evicts from the back until size fits capacity.
func (c *lruCache) shrink() {
	for c.size > c.capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.remove(back)
		c.evictions++
	}
}

func (c *lruCache) remove(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	c.size -= entry.size
	blocks := c.files[entry.key.FileID]
	delete(blocks, entry.key.BlockOffset)
	if len(blocks) == 0 {
		delete(c.files, entry.key.FileID)
	}
}

// RemoveByFileID drops every block of a table. It is called when a
// retired table is finally closed.
func (c *lruCache) RemoveByFileID(fileID uint64) {
	if c.disabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.files[fileID] {
		c.remove(elem)
	}
}

// Stats returns a copy of the cache counters.
func (c *lruCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.size,
		Capacity:  c.capacity,
		Entries:   c.lru.Len(),
		Tables:    len(c.files),
	}
}

// CacheStats contains block cache statistics.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int64
	Capacity  int64
	Entries   int
	Tables    int // tables with at least one cached block
}

// HitRate returns the cache hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
