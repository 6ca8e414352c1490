// cache.go — an in-memory S3-FIFO cache of target-string match
// verdicts, sitting in front of signature matching.
//
// Attack traffic is repetitive: a scanner or botnet hammers the same
// handful of request targets over and over. Re-normalising and
// re-scanning an identical target against the whole signature set on
// every hit is wasted work under load, so target verdicts are cached.
//
// # Algorithm
//
// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al.,
// 2023) uses two FIFO queues and a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue. All new keys
//     are inserted here.
//   - M (main, ~90% of capacity): protected queue. Keys promoted from
//     S after at least one repeat hit (freq > 0) land here.
//   - G (ghost): a circular-buffer set of keys recently evicted from
//     S, bounded to 2x sTarget (at least 4). A key found in G on insert bypasses S
//     and goes directly to M.
//
// Per-entry state: saturating frequency counter (uint8, max 3),
// incremented on every hit and reset to 0 on M promotion.
//
// Unlike a persistence-backed cache, this one is memory-only: a cold
// cache after restart re-warms organically as traffic repeats, and a
// cache miss costs nothing more than the signature scan it would have
// taken anyway.
package inspect

import (
	"container/list"
	"sync"
)

type verdictEntry struct {
	v    Verdict
	freq uint8
	elem *list.Element
	inM  bool
}

// verdictCache caches Inspect's target-matching verdict, keyed by the
// raw request target as received (before normalisation).
type verdictCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*verdictEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int
}

// newVerdictCache builds a cache holding at most capacity entries.
// Values below 2 are clamped to 2.
func newVerdictCache(capacity int) *verdictCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &verdictCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*verdictEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

// get returns the cached verdict for key, if present.
func (c *verdictCache) get(key string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Verdict{}, false
	}
	if e.freq < 3 {
		e.freq++
	}
	return e.v, true
}

// set inserts or updates the verdict for key.
func (c *verdictCache) set(key string, v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.v = v
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &verdictEntry{v: v, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

func (c *verdictCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *verdictCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
	}
}

func (c *verdictCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

func (c *verdictCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *verdictCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
