// Package sparsecounter implements the DM's SparseCounter: a sparse
// piece-index -> count map with an O(1) "is this index present at all"
// test. It plays two roles in the download manager: tracking local piece
// completion (count is always 0 or 1 there) and tracking per-piece peer
// availability for the rarest-first selector (count is the number of
// peers known to have the piece).
//
// The shape is lifted directly from the teacher's freqMap
// (torrent/freqmap.go): a plain map keyed by piece index, incremented and
// decremented rather than recomputed, because it is consulted on every
// HAVE/BITFIELD and must stay O(1).
package sparsecounter

import "math"

// Counter maps a piece index to a non-negative count.
type Counter struct {
	counts map[int]int
}

// New returns an empty Counter.
func New() *Counter {
	return &Counter{counts: make(map[int]int)}
}

// Add increments the count for idx, initializing it to 1 if absent.
func (c *Counter) Add(idx int) {
	c.counts[idx]++
}

// Remove decrements the count for idx, deleting the entry once it reaches
// zero so Len and range stay proportional to the number of distinct
// present indices, not the torrent's total piece count.
func (c *Counter) Remove(idx int) {
	if n, ok := c.counts[idx]; ok {
		if n <= 1 {
			delete(c.counts, idx)
		} else {
			c.counts[idx] = n - 1
		}
	}
}

// Set forces the count for idx to n, clearing it if n <= 0.
func (c *Counter) Set(idx, n int) {
	if n <= 0 {
		delete(c.counts, idx)
		return
	}
	c.counts[idx] = n
}

// Get returns the current count for idx (0 if absent).
func (c *Counter) Get(idx int) int {
	return c.counts[idx]
}

// IsSet reports whether idx has a non-zero count — the DM's "is complete"
// fast path when the Counter tracks local completion.
func (c *Counter) IsSet(idx int) bool {
	return c.counts[idx] > 0
}

// Len returns the number of distinct indices with a non-zero count.
func (c *Counter) Len() int {
	return len(c.counts)
}

// Min returns an index with the smallest count among candidates, breaking
// ties by lowest index — exactly the rarest-first tie-break spec.md §4.5
// requires. ok is false if candidates is empty.
func (c *Counter) Min(candidates []int) (idx int, ok bool) {
	best := math.MaxInt64
	for _, i := range candidates {
		n := c.counts[i]
		if n < best || (n == best && i < idx) {
			best = n
			idx = i
			ok = true
		}
	}
	return
}
