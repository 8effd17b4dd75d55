package cache

import (
	"context"
	"sync"
)

// MemoryCache is an in-memory ResultCache safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]string // nodeName -> key -> value
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]map[string]string)}
}

// Get returns the cached value for (nodeName, key).
func (c *MemoryCache) Get(_ context.Context, nodeName, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.entries[nodeName][key]
	return value, ok, nil
}

// Set stores a value for (nodeName, key).
func (c *MemoryCache) Set(_ context.Context, nodeName, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := c.entries[nodeName]
	if node == nil {
		node = make(map[string]string)
		c.entries[nodeName] = node
	}
	node[key] = value
	return nil
}

// Clear removes entries for nodeName, or everything when nodeName is empty.
func (c *MemoryCache) Clear(_ context.Context, nodeName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nodeName == "" {
		c.entries = make(map[string]map[string]string)
		return nil
	}
	delete(c.entries, nodeName)
	return nil
}

// Len returns the total number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, node := range c.entries {
		n += len(node)
	}
	return n
}

// Compile-time interface check.
var _ ResultCache = (*MemoryCache)(nil)
