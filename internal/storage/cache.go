package storage

import "container/list"

// lruCache is a fixed-capacity LRU keyed by page id, following the
// teacher's Pager (container/list for recency order, a map for O(1)
// lookup). It is not safe for concurrent use on its own; Manager
// serializes access with its own mutex.
type lruCache struct {
	capacity int
	order    *list.List // front = most recently used
	elems    map[uint64]*list.Element
}

type lruEntry struct {
	pageID uint64
	page   *Page
}

func newLRUCache(capacity int) *lruCache {
	if capacity < 1 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[uint64]*list.Element),
	}
}

// get returns the cached page and marks it most-recently-used.
func (c *lruCache) get(pageID uint64) (*Page, bool) {
	elem, ok := c.elems[pageID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry).page, true
}

// put installs page under pageID, evicting and returning the LRU victim
// (pageID, page) if the cache was at capacity and pageID wasn't already
// present. Returns ok=false when nothing was evicted.
func (c *lruCache) put(pageID uint64, page *Page) (evictedID uint64, evicted *Page, ok bool) {
	if elem, exists := c.elems[pageID]; exists {
		elem.Value.(*lruEntry).page = page
		c.order.MoveToFront(elem)
		return 0, nil, false
	}

	if c.order.Len() >= c.capacity {
		back := c.order.Back()
		if back != nil {
			victim := back.Value.(*lruEntry)
			evictedID, evicted, ok = victim.pageID, victim.page, true
			delete(c.elems, victim.pageID)
			c.order.Remove(back)
		}
	}

	elem := c.order.PushFront(&lruEntry{pageID: pageID, page: page})
	c.elems[pageID] = elem
	return evictedID, evicted, ok
}

// remove drops pageID from the cache without returning it for flush; the
// caller is responsible for write-back semantics (used by Free, which
// removes the tail page outright).
func (c *lruCache) remove(pageID uint64) {
	if elem, ok := c.elems[pageID]; ok {
		c.order.Remove(elem)
		delete(c.elems, pageID)
	}
}

// dirtyPages returns every cached page currently marked dirty, paired
// with its id, used by Flush.
func (c *lruCache) dirtyPages() map[uint64]*Page {
	out := make(map[uint64]*Page)
	for id, elem := range c.elems {
		p := elem.Value.(*lruEntry).page
		if p.IsDirty() {
			out[id] = p
		}
	}
	return out
}

// maxKey returns the highest cached page id, and whether the cache is
// non-empty.
func (c *lruCache) maxKey() (uint64, bool) {
	found := false
	var max uint64
	for id := range c.elems {
		if !found || id > max {
			max = id
			found = true
		}
	}
	return max, found
}
