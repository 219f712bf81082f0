package impersonation

import (
	"container/list"
	"sync"

	"github.com/juanfont/impersonator/types"
)

// SessionCache is the in-memory store of active sessions, keyed by session id. It is a
// latency cache in front of the durable records and may drop entries at any time.
type SessionCache interface {
	Get(sessionID string) (*types.ImpersonationSession, bool)
	// Put inserts or replaces a session and returns the ids evicted to stay in bounds.
	Put(s *types.ImpersonationSession) []string
	// Update applies fn to a cached session in place; it never inserts.
	Update(sessionID string, fn func(*types.ImpersonationSession)) bool
	Delete(sessionID string) bool
	EvictOldest() (string, bool)
	Len() int
	Cap() int
	// Snapshot returns copies of all cached sessions, oldest first.
	Snapshot() []*types.ImpersonationSession
}

// EvictionPolicy selects which entry a BoundedCache drops on overflow.
type EvictionPolicy string

const (
	// EvictInsertionOrder drops the oldest inserted session.
	EvictInsertionOrder EvictionPolicy = "fifo"
	// EvictLeastRecentlyUsed drops the session that was read or written least recently.
	EvictLeastRecentlyUsed EvictionPolicy = "lru"
)

// BoundedCache is a fixed-capacity SessionCache.
type BoundedCache struct {
	mu       sync.Mutex
	capacity int
	policy   EvictionPolicy
	order    *list.List // front is oldest
	entries  map[string]*list.Element
}

// NewBoundedCache creates a cache holding at most capacity sessions.
func NewBoundedCache(capacity int, policy EvictionPolicy) *BoundedCache {
	if capacity <= 0 {
		capacity = DefaultPolicy().CacheSize
	}
	if policy != EvictLeastRecentlyUsed {
		policy = EvictInsertionOrder
	}
	return &BoundedCache{
		capacity: capacity,
		policy:   policy,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *BoundedCache) Get(sessionID string) (*types.ImpersonationSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	if c.policy == EvictLeastRecentlyUsed {
		c.order.MoveToBack(el)
	}
	return el.Value.(*types.ImpersonationSession).Clone(), true
}

func (c *BoundedCache) Put(s *types.ImpersonationSession) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := s.Clone()
	if el, ok := c.entries[s.SessionID]; ok {
		el.Value = stored
		if c.policy == EvictLeastRecentlyUsed {
			c.order.MoveToBack(el)
		}
		return nil
	}

	c.entries[s.SessionID] = c.order.PushBack(stored)

	var evicted []string
	for c.order.Len() > c.capacity {
		id, _ := c.removeFront()
		evicted = append(evicted, id)
	}
	return evicted
}

func (c *BoundedCache) Delete(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, sessionID)
	return true
}

func (c *BoundedCache) EvictOldest() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeFront()
}

func (c *BoundedCache) removeFront() (string, bool) {
	el := c.order.Front()
	if el == nil {
		return "", false
	}
	id := el.Value.(*types.ImpersonationSession).SessionID
	c.order.Remove(el)
	delete(c.entries, id)
	return id, true
}

func (c *BoundedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *BoundedCache) Cap() int {
	return c.capacity
}

func (c *BoundedCache) Snapshot() []*types.ImpersonationSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*types.ImpersonationSession, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*types.ImpersonationSession).Clone())
	}
	return out
}

// Update refreshes a cached session without changing its eviction position.
func (c *BoundedCache) Update(sessionID string, fn func(*types.ImpersonationSession)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	s := el.Value.(*types.ImpersonationSession).Clone()
	fn(s)
	el.Value = s
	return true
}
