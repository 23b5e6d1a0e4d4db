package thumbnails

import (
	"container/list"
	"image"
)

// memCache holds decoded thumbnails and evicts the oldest insertion first.
// Reads do not refresh an entry. It is not safe for concurrent use; the
// Manager guards it with its own lock.
type memCache struct {
	limit   int
	order   *list.List
	entries map[string]*list.Element
}

type memEntry struct {
	key string
	img image.Image
}

func newMemCache(limit int) *memCache {
	return &memCache{
		limit:   max(limit, 1),
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *memCache) get(key string) (image.Image, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value.(*memEntry).img, true
}

// put inserts img unless key is already present, evicting the oldest entry
// when the cache is full. It reports whether an insert happened.
func (c *memCache) put(key string, img image.Image) bool {
	if _, ok := c.entries[key]; ok {
		return false
	}
	if c.order.Len() >= c.limit {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memEntry).key)
	}
	c.entries[key] = c.order.PushBack(&memEntry{key: key, img: img})
	return true
}

func (c *memCache) len() int {
	return c.order.Len()
}
