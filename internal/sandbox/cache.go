package sandbox

import (
	"sync"
	"time"
)

// Handle is a cached live sandbox and the time it stops being valid.
type Handle struct {
	Sandbox   Sandbox
	ExpiresAt time.Time
}

// Cache holds live sandbox handles keyed by conversation id.
type Cache interface {
	Get(conversationID string) (Handle, bool)
	Set(conversationID string, handle Handle)
	Invalidate(conversationID string)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	handles map[string]Handle
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{handles: map[string]Handle{}}
}

func (c *MemoryCache) Get(conversationID string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.handles[conversationID]
	return handle, ok
}

func (c *MemoryCache) Set(conversationID string, handle Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[conversationID] = handle
}

func (c *MemoryCache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, conversationID)
}

// Len reports how many handles are cached.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// NopCache never retains anything.
type NopCache struct{}

func (NopCache) Get(string) (Handle, bool) { return Handle{}, false }
func (NopCache) Set(string, Handle)        {}
func (NopCache) Invalidate(string)         {}
