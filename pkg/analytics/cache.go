package analytics

import (
	"encoding/json"
	"sync"
)

// cacheCapacity bounds the memoized records; the first-inserted entry is
// evicted when the cache is full.
const cacheCapacity = 10

type fingerprint struct {
	username string
	total    int
	window   int
}

type recordCache struct {
	mu       sync.Mutex
	capacity int
	records  map[fingerprint][]byte
	order    []fingerprint // insertion order
}

func newRecordCache(capacity int) *recordCache {
	return &recordCache{
		capacity: capacity,
		records:  make(map[fingerprint][]byte, capacity),
	}
}

func (c *recordCache) get(fp fingerprint) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.records[fp]
	return raw, ok
}

func (c *recordCache) put(fp fingerprint, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[fp]; ok {
		c.records[fp] = raw
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.records, oldest)
	}
	c.records[fp] = raw
	c.order = append(c.order, fp)
}

func (c *recordCache) invalidate(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	for _, fp := range c.order {
		if fp.username == username {
			delete(c.records, fp)
		} else {
			kept = append(kept, fp)
		}
	}
	c.order = kept
}
