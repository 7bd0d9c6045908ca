// Package hashcache keeps the last known digest and mtime of every watched file.
package hashcache

import (
	"sort"
	"strings"
	"sync"
)

// Entry is the last observed state of a file.
type Entry struct {
	Hash  string
	Mtime int64 // milliseconds
}

// Cache maps relative, slash-separated paths to entries. It lives as long as the
// watcher that owns it and is never persisted.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Get returns the entry for path.
func (c *Cache) Get(path string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	return e, ok
}

// Put records hash and mtime for path.
func (c *Cache) Put(path string, e Entry) {
	c.mu.Lock()
	c.entries[path] = e
	c.mu.Unlock()
}

// Touch updates only the mtime of an existing entry.
func (c *Cache) Touch(path string, mtime int64) {
	c.mu.Lock()
	if e, ok := c.entries[path]; ok {
		e.Mtime = mtime
		c.entries[path] = e
	}
	c.mu.Unlock()
}

// Delete removes path and reports whether it was present.
func (c *Cache) Delete(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[path]
	delete(c.entries, path)
	return ok
}

// Under returns the cached paths strictly below dir, sorted.
func (c *Cache) Under(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	c.mu.RLock()
	var out []string
	for p := range c.entries {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of cached paths.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
