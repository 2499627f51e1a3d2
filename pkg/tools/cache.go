package tools

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	key     string
	value   any
	written time.Time
}

// ResultCache is the per-process bounded cache serving intra-process reuse
// ahead of the durable ledger. Entries expire by write TTL and the oldest
// entry is evicted when the size bound is reached.
type ResultCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	maxSize  int
	writeTTL time.Duration
}

func NewResultCache(maxSize int, writeTTL time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &ResultCache{
		entries:  map[string]*list.Element{},
		order:    list.New(),
		maxSize:  maxSize,
		writeTTL: writeTTL,
	}
}

func cacheKey(tool, argsHash string) string {
	return tool + "::" + argsHash
}

func (c *ResultCache) Get(tool, argsHash string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[cacheKey(tool, argsHash)]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.written) > c.writeTTL {
		c.order.Remove(elem)
		delete(c.entries, entry.key)
		return nil, false
	}

	return entry.value, true
}

func (c *ResultCache) Put(tool, argsHash string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(tool, argsHash)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.written = time.Now()
		c.order.MoveToBack(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	elem := c.order.PushBack(&cacheEntry{key: key, value: value, written: time.Now()})
	c.entries[key] = elem
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
