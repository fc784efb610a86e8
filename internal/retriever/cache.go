package retriever

import (
	"container/list"
	"sync"
)

type cacheEntry struct {
	key   string
	value *Result
}

// resultCache is a small LRU over retrieval results keyed by the normalized
// question text. Repeated questions skip the embed and search round trips.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	ll       *list.List
}

func newResultCache(size int) *resultCache {
	if size <= 0 {
		size = 64
	}
	return &resultCache{
		capacity: size,
		items:    make(map[string]*list.Element, size),
		ll:       list.New(),
	}
}

func (c *resultCache) Get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		if entry, ok := elem.Value.(cacheEntry); ok {
			return entry.value, true
		}
	}
	return nil, false
}

func (c *resultCache) Set(key string, value *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value = cacheEntry{key: key, value: value}
		c.ll.MoveToFront(elem)
		return
	}
	elem := c.ll.PushFront(cacheEntry{key: key, value: value})
	c.items[key] = elem
	if c.ll.Len() > c.capacity {
		tail := c.ll.Back()
		if tail != nil {
			c.ll.Remove(tail)
			if entry, ok := tail.Value.(cacheEntry); ok {
				delete(c.items, entry.key)
			}
		}
	}
}

func (c *resultCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
}
