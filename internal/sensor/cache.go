package sensor

import (
	"sync"
	"sync/atomic"
	"time"
)

// CacheEntry is the last good reading of one sensor. Entries are immutable
// once published.
type CacheEntry struct {
	Data       Reading   `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
	Success    bool      `json:"success"`
}

// Cache holds one slot per sensor key. The slot map is guarded by an
// RWMutex; each slot is swapped atomically so readers see either the old or
// the new entry, never a partial one.
type Cache struct {
	mu    sync.RWMutex
	slots map[string]*atomic.Pointer[CacheEntry]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{slots: make(map[string]*atomic.Pointer[CacheEntry])}
}

// Reserve creates an empty slot for key. Existing slots are left alone.
func (c *Cache) Reserve(key string) {
	c.slot(key)
}

func (c *Cache) slot(key string) *atomic.Pointer[CacheEntry] {
	c.mu.RLock()
	p, ok := c.slots[key]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok = c.slots[key]; ok {
		return p
	}
	p = new(atomic.Pointer[CacheEntry])
	c.slots[key] = p
	return p
}

// Store publishes data as the latest reading for key. Empty readings are
// ignored so a slot never goes back to empty after its first success.
func (c *Cache) Store(key string, data Reading, capturedAt time.Time) bool {
	if len(data) == 0 {
		return false
	}
	c.slot(key).Store(&CacheEntry{
		Data:       data.Clone(),
		CapturedAt: capturedAt,
		Success:    true,
	})
	return true
}

// Get returns the latest entry for key. ok is false when the key is unknown
// or has never been read successfully.
func (c *Cache) Get(key string) (CacheEntry, bool) {
	c.mu.RLock()
	p, ok := c.slots[key]
	c.mu.RUnlock()
	if !ok {
		return CacheEntry{}, false
	}
	e := p.Load()
	if e == nil {
		return CacheEntry{}, false
	}
	return CacheEntry{Data: e.Data.Clone(), CapturedAt: e.CapturedAt, Success: e.Success}, true
}

// Snapshot returns every populated entry keyed by sensor.
func (c *Cache) Snapshot() map[string]CacheEntry {
	c.mu.RLock()
	keys := make([]string, 0, len(c.slots))
	for k := range c.slots {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	out := make(map[string]CacheEntry, len(keys))
	for _, k := range keys {
		if e, ok := c.Get(k); ok {
			out[k] = e
		}
	}
	return out
}
