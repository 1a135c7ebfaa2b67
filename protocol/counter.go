package protocol

import (
	"sort"
	"sync"
)

// span is a half open interval [start, end) of body offsets.
type span struct {
	start uint64
	end   uint64
}

// Counter keeps track of which byte offsets of a message body have been
// received. Chunks can arrive in any order, overlap or repeat; the counter
// merges them so that Count is always the number of distinct offsets seen.
//
// Registrations happen on the read path while report decisions query the
// counter from elsewhere, so every method takes the lock.
type Counter struct {
	mu sync.Mutex

	// sorted by start, pairwise disjoint and non adjacent
	spans []span

	count  uint64
	prefix uint64
	ended  bool
}

func NewCounter() *Counter {
	return &Counter{}
}

// Register records that length bytes starting at the zero based offset start
// were received. It returns true when the contiguous prefix grew.
func (c *Counter) Register(start, length uint64) bool {
	if length == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	end := start + length

	// First span that overlaps or touches [start, end).
	i := sort.Search(len(c.spans), func(i int) bool {
		return c.spans[i].end >= start
	})

	merged := span{start: start, end: end}
	covered := uint64(0)

	j := i
	for ; j < len(c.spans) && c.spans[j].start <= end; j++ {
		s := c.spans[j]
		covered += overlap(s, start, end)

		if s.start < merged.start {
			merged.start = s.start
		}
		if s.end > merged.end {
			merged.end = s.end
		}
	}

	c.count += length - covered

	switch {
	case j == i:
		// Nothing touched, insert on its own.
		c.spans = append(c.spans, span{})
		copy(c.spans[i+1:], c.spans[i:])
		c.spans[i] = merged

	default:
		// spans[i:j] collapse into one.
		c.spans[i] = merged
		c.spans = append(c.spans[:i+1], c.spans[j:]...)
	}

	if i != 0 {
		return false
	}

	prefix := uint64(0)
	if c.spans[0].start == 0 {
		prefix = c.spans[0].end
	}

	changed := prefix != c.prefix
	c.prefix = prefix

	return changed
}

func overlap(s span, start, end uint64) uint64 {
	lo, hi := s.start, s.end
	if start > lo {
		lo = start
	}
	if end < hi {
		hi = end
	}

	if hi <= lo {
		return 0
	}

	return hi - lo
}

// Count is the number of distinct body bytes received so far.
func (c *Counter) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.count
}

// ContiguousLen is the length of the gap free run of bytes starting at
// offset zero.
func (c *Counter) ContiguousLen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.prefix
}

// MarkEndOfMessage records that a transaction ending with '$' was seen.
func (c *Counter) MarkEndOfMessage() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
}

// IsComplete is true once the end of the message was seen and no holes
// remain.
func (c *Counter) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ended && c.count == c.prefix
}
