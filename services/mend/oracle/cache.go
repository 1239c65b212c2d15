// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// candidateCache caches generated candidates per error identity key
// with TTL expiration and LRU eviction. A repeat of the same error
// inside the window reuses the cached candidates instead of spending
// another oracle call; cached candidates still go through validation
// before any reuse.
//
// # Thread Safety
//
// candidateCache is safe for concurrent use.
type candidateCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

type candidateEntry struct {
	key        string
	candidates []FixCandidate
	expiresAt  time.Time
}

func newCandidateCache(ttl time.Duration, maxSize int) *candidateCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 512
	}
	return &candidateCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns cached candidates for an error key, or false when the
// entry is absent or expired. Returned slices are copies.
func (c *candidateCache) Get(key string) ([]FixCandidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.entries[key]
	if !exists {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*candidateEntry)
	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses.Add(1)
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits.Add(1)
	return copyCandidates(entry.candidates), true
}

// Set stores candidates for an error key, evicting the least recently
// used entry when at capacity.
func (c *candidateCache) Set(key string, cands []FixCandidate) {
	if len(cands) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := copyCandidates(cands)
	if elem, exists := c.entries[key]; exists {
		entry := elem.Value.(*candidateEntry)
		entry.candidates = stored
		entry.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}

	elem := c.lru.PushFront(&candidateEntry{
		key:        key,
		candidates: stored,
		expiresAt:  c.now().Add(c.ttl),
	})
	c.entries[key] = elem
}

// Invalidate drops the entry for one error key. Called after an applied
// fix so the next occurrence generates against the changed source.
func (c *candidateCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, exists := c.entries[key]; exists {
		c.removeElement(elem)
	}
}

// InvalidateFile drops every entry holding a candidate that patches
// the given file. Called when the file changed out of band; candidates
// generated against the old content would patch blind.
func (c *candidateCache) InvalidateFile(file string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []*list.Element
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*candidateEntry)
		for _, cand := range entry.candidates {
			if cand.Patch.TargetFile == file {
				stale = append(stale, elem)
				break
			}
		}
	}
	for _, elem := range stale {
		c.removeElement(elem)
	}
	return len(stale)
}

func (c *candidateCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *candidateCache) Hits() int64   { return c.hits.Load() }
func (c *candidateCache) Misses() int64 { return c.misses.Load() }

// removeElement must be called with the lock held.
func (c *candidateCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*candidateEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(elem)
}

func copyCandidates(cands []FixCandidate) []FixCandidate {
	out := make([]FixCandidate, len(cands))
	copy(out, cands)
	return out
}
