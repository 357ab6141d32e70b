package authz

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// cacheKey folds the input into a stable SHA-256 key. Context entries are
// hashed in sorted-key order so equivalent maps produce the same key.
func cacheKey(in *Input) string {
	h := sha256.New()
	h.Write([]byte(in.Caller.String()))
	h.Write([]byte{0})
	h.Write([]byte(in.Resource.String()))
	h.Write([]byte{0})
	h.Write([]byte(in.Action))
	h.Write([]byte{0})

	keys := make([]string, 0, len(in.Context))
	for k := range in.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(in.Context[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	key      string
	decision Decision
	expires  time.Time
}

// decisionCache is a TTL-bounded LRU of policy decisions. Expiry is checked
// on read; capacity is enforced on insert by evicting the least recently
// used entry.
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List
}

func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	return &decisionCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *decisionCache) get(key string, now time.Time) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	entry := el.Value.(*cacheEntry)
	if now.After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return Decision{}, false
	}
	c.order.MoveToFront(el)
	return entry.decision, true
}

func (c *decisionCache) put(key string, d Decision, now time.Time) {
	if c.capacity <= 0 || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.decision = d
		entry.expires = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:      key,
		decision: d,
		expires:  now.Add(c.ttl),
	})
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// purge drops every cached decision. Used when policies are known to have
// changed out from under the cache.
func (c *decisionCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}
