// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package mergemgr

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// indexCache holds raw index-file contents keyed by file path,
// weighted by their byte size rather than by entry count (spec.md
// §4.6: "cached via an LRU keyed by file, weighted by index-file
// size"). tenant/evict.go picks eviction candidates by walking the
// cache directory's atimes on disk; here the cached values are
// already in memory, so recency is tracked the ordinary way (an
// LRU list of keys) and evictions run until cumulative weight is
// back under budget, the in-memory equivalent of the same "evict
// until there is enough slack space" policy.
type indexCache struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, []byte]
	maxBytes int64
	curBytes int64
}

func newIndexCache(maxBytes int64) *indexCache {
	c := &indexCache{maxBytes: maxBytes}
	// sized generously on entry count since real eviction is driven
	// by curBytes below; the count bound only guards against an
	// unbounded number of zero-length entries.
	l, _ := lru.NewWithEvict[string, []byte](1<<20, func(_ string, value []byte) {
		c.curBytes -= int64(len(value))
	})
	c.lru = l
	return c
}

func (c *indexCache) get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(path)
}

func (c *indexCache) put(path string, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Peek(path); ok {
		c.lru.Remove(path) // recompute weight cleanly below
	}
	for c.curBytes+int64(len(buf)) > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.lru.Add(path, buf)
	c.curBytes += int64(len(buf))
}

// invalidate drops a cached entry, used when a partition is
// superseded or retired and its index file may be rewritten or
// deleted out from under a stale cache entry.
func (c *indexCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(path)
}
