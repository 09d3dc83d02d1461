package pipeline

import (
	"container/list"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/internal/toolindex"
)

// searchCache is a bounded TTL cache for selector search results. It is
// process-local: the exported gauges describe this one instance. LRU
// eviction keeps it under the configured entry cap.
type searchCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recent

	// onSize reports the entry count after every mutation (gauge hook).
	onSize func(n int)
}

type cacheItem struct {
	key     string
	hits    []toolindex.ScoredEntry
	expires time.Time
}

func newSearchCache(ttl time.Duration, maxSize int, onSize func(int)) *searchCache {
	if onSize == nil {
		onSize = func(int) {}
	}
	return &searchCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		onSize:  onSize,
	}
}

func (c *searchCache) get(key string) ([]toolindex.ScoredEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if time.Now().After(item.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.onSize(len(c.entries))
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.hits, true
}

func (c *searchCache) put(key string, hits []toolindex.ScoredEntry) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		item := el.Value.(*cacheItem)
		item.hits = hits
		item.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheItem).key)
	}

	el := c.order.PushFront(&cacheItem{key: key, hits: hits, expires: time.Now().Add(c.ttl)})
	c.entries[key] = el
	c.onSize(len(c.entries))
}

func (c *searchCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
