package protocol

import (
	"container/heap"
	"sync"
	"time"
)

// cachedResponse is the wire-ready form of an executor's response, stored in
// dedupCache (for idempotent commands) or handed straight to waiting
// in-flight collisions.
type cachedResponse struct {
	payload        []byte
	contentType    string
	format         PayloadFormat
	userProperties map[string]string
}

type cacheEntry struct {
	key       string
	response  *cachedResponse
	expiresAt time.Time
	index     int
}

type expiryHeap []*cacheEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expiryHeap) Push(x any) {
	e := x.(*cacheEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// dedupCache serves two distinct purposes for a command executor: a TTL
// cache of responses for idempotent commands (spec.md §4.8), and an
// in-flight collision table so a redelivered request arriving before its
// first execution finishes is not executed twice, idempotent or not. No
// third-party TTL/LRU cache appears anywhere in the example corpus, so this
// is hand-rolled on container/heap for absolute-time eviction.
type dedupCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	heap     expiryHeap
	inFlight map[string][]chan *cachedResponse
	now      func() time.Time
}

func newDedupCache(now func() time.Time) *dedupCache {
	if now == nil {
		now = time.Now
	}
	return &dedupCache{
		entries:  make(map[string]*cacheEntry),
		inFlight: make(map[string][]chan *cachedResponse),
		now:      now,
	}
}

// lookup returns a cached response for key if one is present and unexpired.
func (c *dedupCache) lookup(key string) (*cachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.response, true
}

// beginOrWait registers key as in-flight. The first caller for a given key
// becomes the leader (isLeader true) and must call finish once its execution
// completes. Every subsequent caller for the same key before finish is
// called back receives a channel that will be sent the leader's result.
func (c *dedupCache) beginOrWait(key string) (wait <-chan *cachedResponse, isLeader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.inFlight[key]; exists {
		ch := make(chan *cachedResponse, 1)
		c.inFlight[key] = append(c.inFlight[key], ch)
		return ch, false
	}
	c.inFlight[key] = nil
	return nil, true
}

// finish completes the in-flight leader's execution for key: every waiter
// registered via beginOrWait receives resp, and if ttl > 0 resp is stored in
// the TTL cache for any future, fully-separate redelivery (one arriving
// after the in-flight entry above has already been cleared). ttl <= 0
// finalizes the entry without caching it, per the resolved Open Question
// in DESIGN.md.
func (c *dedupCache) finish(key string, resp *cachedResponse, ttl time.Duration) {
	c.mu.Lock()
	waiters := c.inFlight[key]
	delete(c.inFlight, key)
	if ttl > 0 {
		entry := &cacheEntry{key: key, response: resp, expiresAt: c.now().Add(ttl)}
		if old, exists := c.entries[key]; exists {
			heap.Remove(&c.heap, old.index)
		}
		c.entries[key] = entry
		heap.Push(&c.heap, entry)
	}
	c.mu.Unlock()

	for _, w := range waiters {
		w <- resp
	}
}

func (c *dedupCache) evictLocked() {
	now := c.now()
	for c.heap.Len() > 0 && c.heap[0].expiresAt.Before(now) {
		e := heap.Pop(&c.heap).(*cacheEntry)
		delete(c.entries, e.key)
	}
}
