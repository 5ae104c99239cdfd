package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// entry is a cached value together with its reference count. The table slot
// holds one reference while the entry is attached.
type entry[K comparable, V any] struct {
	key      K
	value    V
	refs     int
	elem     *list.Element // nil once detached from the table
	released bool
}

// Cache is a fixed-size LRU cache of reference-counted values.
//
// A value is handed out wrapped in a Handle that pins it. Eviction skips
// pinned entries, and the release callback runs only when the last
// reference is dropped, so readers never see a value destroyed under them.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	lruList   *list.List
	items     map[K]*list.Element
	onRelease func(key K, value V)

	hits   *expvar.Int
	misses *expvar.Int
}

// Handle pins a cached value until Release is called.
type Handle[K comparable, V any] struct {
	c    *Cache[K, V]
	e    *entry[K, V]
	once sync.Once
}

// New creates a cache holding at most capacity un-pinned entries. onRelease
// is invoked once per value when its reference count drops to zero.
func New[K comparable, V any](capacity int, onRelease func(key K, value V)) *Cache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache[K, V]{
		capacity:  capacity,
		lruList:   list.New(),
		items:     make(map[K]*list.Element),
		onRelease: onRelease,
	}
}

func (c *Cache[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get looks up key and, on a hit, returns a handle holding a new reference.
func (c *Cache[K, V]) Get(key K) (*Handle[K, V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		if c.misses != nil {
			c.misses.Add(1)
		}
		return nil, false
	}
	if c.hits != nil {
		c.hits.Add(1)
	}
	c.lruList.MoveToFront(elem)
	e := elem.Value.(*entry[K, V])
	e.refs++
	return &Handle[K, V]{c: c, e: e}, true
}

// Insert stores value under key and returns a handle to it. The new entry
// starts with two references: the table slot and the returned handle. Any
// entry previously stored under key is detached and released once its
// remaining handles are gone.
func (c *Cache[K, V]) Insert(key K, value V) *Handle[K, V] {
	e := &entry[K, V]{key: key, value: value, refs: 2}

	c.mu.Lock()
	var released []*entry[K, V]
	if old, ok := c.items[key]; ok {
		if r := c.detachLocked(old); r != nil {
			released = append(released, r)
		}
	}
	e.elem = c.lruList.PushFront(e)
	c.items[key] = e.elem
	released = append(released, c.evictLocked()...)
	c.mu.Unlock()

	c.release(released)
	return &Handle[K, V]{c: c, e: e}
}

// Remove detaches key from the table. The value is released as soon as no
// handle references it.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	elem, ok := c.items[key]
	var released []*entry[K, V]
	if ok {
		if r := c.detachLocked(elem); r != nil {
			released = append(released, r)
		}
	}
	c.mu.Unlock()

	c.release(released)
	return ok
}

// RemoveFunc detaches every entry whose key matches pred.
func (c *Cache[K, V]) RemoveFunc(pred func(key K) bool) int {
	c.mu.Lock()
	var released []*entry[K, V]
	n := 0
	for key, elem := range c.items {
		if !pred(key) {
			continue
		}
		n++
		if r := c.detachLocked(elem); r != nil {
			released = append(released, r)
		}
	}
	c.mu.Unlock()

	c.release(released)
	return n
}

// Clear detaches all entries.
func (c *Cache[K, V]) Clear() {
	c.RemoveFunc(func(K) bool { return true })
}

// Len returns the number of attached entries, pinned or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Pinned returns the number of attached entries referenced by a handle.
func (c *Cache[K, V]) Pinned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*entry[K, V]).refs > 1 {
			n++
		}
	}
	return n
}

// GetHitRate calculates the cache hit rate.
// This is useful for expvar.Func.
func (c *Cache[K, V]) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}

// Value returns the pinned value.
func (h *Handle[K, V]) Value() V { return h.e.value }

// Key returns the key the value was cached under.
func (h *Handle[K, V]) Key() K { return h.e.key }

// Release drops the handle's reference. Calling it more than once is a no-op.
func (h *Handle[K, V]) Release() {
	h.once.Do(func() {
		c := h.c
		c.mu.Lock()
		var released []*entry[K, V]
		if r := c.unrefLocked(h.e); r != nil {
			released = append(released, r)
		}
		// The entry may have been the reason the table was over capacity.
		released = append(released, c.evictLocked()...)
		c.mu.Unlock()

		c.release(released)
	})
}

// evictLocked removes least recently used un-pinned entries until the table
// is within capacity. Must be called with c.mu locked.
func (c *Cache[K, V]) evictLocked() []*entry[K, V] {
	var released []*entry[K, V]
	over := c.lruList.Len() - c.capacity
	for elem := c.lruList.Back(); elem != nil && over > 0; {
		prev := elem.Prev()
		e := elem.Value.(*entry[K, V])
		if e.refs == 1 {
			if r := c.detachLocked(elem); r != nil {
				released = append(released, r)
			}
			over--
		}
		elem = prev
	}
	return released
}

// detachLocked unlinks an entry from the table and drops the slot reference.
func (c *Cache[K, V]) detachLocked(elem *list.Element) *entry[K, V] {
	e := elem.Value.(*entry[K, V])
	c.lruList.Remove(elem)
	delete(c.items, e.key)
	e.elem = nil
	return c.unrefLocked(e)
}

// unrefLocked drops one reference and returns the entry if it must now be
// released.
func (c *Cache[K, V]) unrefLocked(e *entry[K, V]) *entry[K, V] {
	e.refs--
	if e.refs == 0 && !e.released {
		e.released = true
		return e
	}
	return nil
}

// release runs the release callback outside the cache lock.
func (c *Cache[K, V]) release(entries []*entry[K, V]) {
	if c.onRelease == nil {
		return
	}
	for _, e := range entries {
		c.onRelease(e.key, e.value)
	}
}
