package storage

import (
	"fmt"
	"io"
	"sync"

	"github.com/luma/msrpd/protocol"
)

// DefaultMemoryLimit caps a MemoryContainer created without a limit.
const DefaultMemoryLimit = 64 << 20

// MemoryContainer keeps a message body in a byte slice. Puts beyond the
// current end grow the slice; limit caps how far it may grow.
type MemoryContainer struct {
	mu       sync.Mutex
	data     []byte
	limit    uint64
	cursor   uint64
	disposed bool
}

// NewMemoryContainer returns an empty container that accepts at most limit
// bytes. A limit of zero means DefaultMemoryLimit.
func NewMemoryContainer(limit uint64) *MemoryContainer {
	if limit == 0 {
		limit = DefaultMemoryLimit
	}

	return &MemoryContainer{limit: limit}
}

// NewMemoryContainerFrom wraps data, typically the body of an outgoing
// message. It accepts no Put beyond the end of data.
func NewMemoryContainerFrom(data []byte) *MemoryContainer {
	return &MemoryContainer{data: data, limit: uint64(len(data))}
}

func (c *MemoryContainer) Put(offset uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrDisposed
	}

	// offset comes off the wire, the sum must not wrap.
	if offset > c.limit || uint64(len(data)) > c.limit-offset {
		return fmt.Errorf("Failed to put %d bytes at %d: %w", len(data), offset, ErrTooLarge)
	}

	end := offset + uint64(len(data))

	if end > uint64(len(c.data)) {
		grown := make([]byte, end, growTo(uint64(cap(c.data)), end))
		copy(grown, c.data)
		c.data = grown
	}

	copy(c.data[offset:], data)

	return nil
}

func growTo(current, need uint64) uint64 {
	if current*2 > need {
		return current * 2
	}

	return need
}

func (c *MemoryContainer) Get(offset, length uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, ErrDisposed
	}

	if offset+length > uint64(len(c.data)) {
		return nil, fmt.Errorf("Failed to get %d bytes at %d: %w", length, offset, ErrOutOfRange)
	}

	out := make([]byte, length)
	copy(out, c.data[offset:offset+length])

	return out, nil
}

func (c *MemoryContainer) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return 0, ErrDisposed
	}

	if c.cursor >= uint64(len(c.data)) {
		return 0, io.EOF
	}

	n := copy(p, c.data[c.cursor:])
	c.cursor += uint64(n)

	return n, nil
}

func (c *MemoryContainer) CurrentReadOffset() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cursor
}

func (c *MemoryContainer) HasDataToRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.disposed && c.cursor < uint64(len(c.data))
}

func (c *MemoryContainer) RewindRead(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.cursor {
		return ErrRewindBefore
	}

	c.cursor -= n

	return nil
}

func (c *MemoryContainer) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return uint64(len(c.data))
}

func (c *MemoryContainer) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disposed = true
	c.data = nil

	return nil
}

var _ protocol.DataContainer = (*MemoryContainer)(nil)
