/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package cache implements the per-worker, size-bounded, reference-counted
// LRU file cache (C4, spec.md §4.3). One instance lives inside each worker
// goroutine tier and is never shared across workers - see SPEC_FULL.md §2.
//
// The hash-map-plus-linked-list structure spec.md §9 Design Notes asks for
// is built as an arena of entries addressed by stable keys rather than raw
// cross-referenced pointers: a map[string]*entry doubles as both the O(1)
// lookup table and the node storage for a container/list.List ordered
// most-recently-used first, so the list and the map can never fall out of
// sync independently of each other.
package cache

import (
	"container/list"
	"log"
	"sync"

	"github.com/nabbar/staticd/errs"
)

const (
	ErrorTooLarge errs.CodeError = iota + errs.MinPkgCache
	ErrorNotCacheable
)

func init() {
	errs.RegisterMessages(errs.MinPkgCache, 4, message)
}

func message(code errs.CodeError) string {
	switch code {
	case ErrorTooLarge:
		return "payload exceeds cache capacity even after eviction"
	case ErrorNotCacheable:
		return "payload exceeds per-file cache ceiling"
	}
	return ""
}

// entry is one cache slot. refCount tracks outstanding Handle borrows;
// the cache itself holds an implicit +1 while the entry is reachable from
// the map, mirroring spec.md §3's "reference count >= 1 while in the
// cache" invariant.
type entry struct {
	key     string
	payload []byte

	refCount int
	removed  bool // true once evicted/removed but still borrowed

	elem *list.Element // this entry's node in lru (elem.Value == this entry)
}

// Handle is a borrowed, reference-counted view of a cached payload. The
// caller must call Release exactly once when done reading Bytes.
type Handle struct {
	c *Cache
	e *entry
}

// Bytes returns the borrowed payload. Valid until Release is called.
func (h Handle) Bytes() []byte { return h.e.payload }

// Release decrements the borrow count, destroying the entry if it has
// already been removed from the cache and this was the last borrower.
func (h Handle) Release() {
	h.c.release(h.e)
}

// Cache is the per-worker LRU file cache. Guarded by a single reader/writer
// lock: Get takes the write lock directly rather than upgrading a read
// lock after a hit, per spec.md §4.3's permission to pick either strategy
// as long as no long-lived read lock straddles a recency update that could
// race with eviction.
type Cache struct {
	mu sync.RWMutex

	maxSizeBytes int64
	maxEntries   int
	ceilingBytes int64

	currentSizeBytes int64
	byKey            map[string]*entry
	lru              *list.List // front = most recently used, back = LRU tail

	hits   int64
	misses int64
}

// New returns an empty cache bounded by maxSizeBytes total and maxEntries
// entries, rejecting any single payload larger than ceilingBytes from
// ever being cached (spec.md §4.3 "Entry sizing").
func New(maxSizeBytes int64, maxEntries int, ceilingBytes int64) *Cache {
	return &Cache{
		maxSizeBytes: maxSizeBytes,
		maxEntries:   maxEntries,
		ceilingBytes: ceilingBytes,
		byKey:        make(map[string]*entry),
		lru:          list.New(),
	}
}

// Get returns a Handle on a hit, marking the entry most-recently-used, or
// ok=false on a miss. The caller must Release the handle when done.
func (c *Cache) Get(key string) (h Handle, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.byKey[key]
	if !found {
		c.misses++
		return Handle{}, false
	}

	c.hits++
	c.lru.MoveToFront(e.elem)
	e.refCount++

	return Handle{c: c, e: e}, true
}

// Put inserts or replaces the value for key. Evicts LRU entries (skipping
// any with live borrowers) until the insertion fits; fails with
// ErrorNotCacheable if payload alone exceeds the per-file ceiling, or
// ErrorTooLarge if no amount of eviction can make it fit.
func (c *Cache) Put(key string, payload []byte) errs.Coded {
	size := int64(len(payload))
	if size > c.ceilingBytes {
		return ErrorNotCacheable.Error(nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.byKey[key]; exists {
		c.removeLocked(old)
	}

	for (c.currentSizeBytes+size > c.maxSizeBytes || len(c.byKey) >= c.maxEntries) && c.lru.Len() > 0 {
		if !c.evictOneLocked() {
			break
		}
	}

	if c.currentSizeBytes+size > c.maxSizeBytes {
		return ErrorTooLarge.Error(nil)
	}
	if len(c.byKey) >= c.maxEntries {
		return ErrorTooLarge.Error(nil)
	}

	e := &entry{key: key, payload: payload, refCount: 1}
	e.elem = c.lru.PushFront(e)
	c.byKey[key] = e
	c.currentSizeBytes += size

	return nil
}

// evictOneLocked evicts the LRU tail if it has no outside borrowers,
// walking toward the front if the tail is pinned. Returns false if no
// evictable entry was found. Must be called with mu held.
func (c *Cache) evictOneLocked() bool {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refCount <= 1 {
			c.removeLocked(e)
			return true
		}
	}
	return false
}

// removeLocked detaches e from the map and list. If borrowers remain, the
// entry's payload is kept alive (via the Handle) until the last Release;
// its accounting is removed immediately so size/entry counters stay exact
// per spec.md §3.
func (c *Cache) removeLocked(e *entry) {
	delete(c.byKey, e.key)
	c.lru.Remove(e.elem)
	c.currentSizeBytes -= int64(len(e.payload))
	e.removed = true
	e.refCount--
}

// Remove removes key from the cache immediately; the backing payload is
// destroyed once the last outstanding Handle releases it.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byKey[key]; ok {
		c.removeLocked(e)
	}
}

// Invalidate removes every entry, leaving the cache in the same state as
// a fresh New() (spec.md §8 idempotence property) modulo any entries still
// borrowed, whose accounting has already been removed.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byKey = make(map[string]*entry)
	c.lru = list.New()
	c.currentSizeBytes = 0
	c.hits = 0
	c.misses = 0
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.refCount--
	if e.refCount < 0 {
		// Programmer-invariant violation (spec.md §7): recover by logging
		// and invalidating rather than leaving the cache in a corrupt state.
		log.Printf("cache: negative reference count on %q, invalidating cache", e.key)
		e.refCount = 0
		c.byKey = make(map[string]*entry)
		c.lru = list.New()
		c.currentSizeBytes = 0
	}
}

// Stats returns the current size/entry counts and the hit/miss counters
// (spec.md §8 invariants: current_size_bytes == sum of entry sizes,
// current_entries == |entries|).
func (c *Cache) Stats() (sizeBytes int64, entries int, hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.currentSizeBytes, len(c.byKey), c.hits, c.misses
}
