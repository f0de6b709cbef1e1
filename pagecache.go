package revdb

import (
	"container/list"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// pageCache is an LRU of decoded committed pages, shared by all transactions
// of a resource. Cached pages are immutable; writers clone before modifying.
type pageCache struct {
	mu        sync.Mutex
	capacity  int
	items     map[int64]*list.Element
	evictList *list.List
}

type pageCacheEntry struct {
	key  int64
	page Page
}

func newPageCache(capacity int) *pageCache {
	return &pageCache{
		capacity:  capacity,
		items:     make(map[int64]*list.Element),
		evictList: list.New(),
	}
}

func (c *pageCache) get(key int64) (Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		return ent.Value.(*pageCacheEntry).page, true
	}
	return nil, false
}

func (c *pageCache) put(key int64, p Page) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		ent.Value.(*pageCacheEntry).page = p
		return
	}
	for c.evictList.Len() >= c.capacity {
		c.removeElement(c.evictList.Back())
	}
	c.items[key] = c.evictList.PushFront(&pageCacheEntry{key, p})
}

// purge drops every page. Store keys get reused after truncation.
func (c *pageCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
	c.evictList.Init()
}

func (c *pageCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

func (c *pageCache) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	delete(c.items, e.Value.(*pageCacheEntry).key)
}

// pageIO maps page reads and writes onto the block store.
type pageIO struct {
	store       blockStore
	compression Compression
	cache       *pageCache
	loads       singleflight.Group
	stats       *Stats
}

func (pio *pageIO) load(key int64) (Page, error) {
	if key == NullKey {
		return nil, pageErrf("load", key, ErrCorrupted, "null reference")
	}
	if p, ok := pio.cache.get(key); ok {
		pio.stats.CacheHits.Add(1)
		return p, nil
	}
	v, err, _ := pio.loads.Do(strconv.FormatInt(key, 10), func() (any, error) {
		pio.stats.PageReads.Add(1)
		data, err := pio.store.Read(key)
		if err != nil {
			return nil, pageErrf("read", key, ioErr(err), "")
		}
		p, err := decodePage(data)
		if err != nil {
			return nil, pageErrf("decode", key, corruptedErr(err), "")
		}
		pio.cache.put(key, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Page), nil
}

func (pio *pageIO) write(p Page) (int64, error) {
	data, err := encodePage(p, pio.compression)
	if err != nil {
		return NullKey, err
	}
	key, err := pio.store.Append(data)
	if err != nil {
		return NullKey, pageErrf("write", NullKey, ioErr(err), "%v", p.pageType())
	}
	pio.stats.PageWrites.Add(1)
	pio.stats.BytesWritten.Add(int64(len(data)))
	return key, nil
}
