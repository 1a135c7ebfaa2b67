package storage

import (
	"fmt"

	"github.com/luma/msrpd/protocol"
)

// Factory picks the container for a new incoming message: bodies of at least
// Threshold bytes, or of unknown size, go to a file in Dir when Dir is set.
type Factory struct {
	Dir       string
	Threshold uint64

	// MemoryLimit caps in-memory containers, DefaultMemoryLimit when zero.
	// Without Dir a message announcing more is refused with ErrTooLarge.
	MemoryLimit uint64
}

func (f Factory) New(size int64) (protocol.DataContainer, error) {
	if f.Dir != "" && (size < 0 || uint64(size) >= f.Threshold) {
		return NewFileContainer(f.Dir)
	}

	limit := f.MemoryLimit
	if limit == 0 {
		limit = DefaultMemoryLimit
	}

	if size < 0 {
		return NewMemoryContainer(limit), nil
	}

	if uint64(size) > limit {
		return nil, fmt.Errorf("Failed to hold %d bytes in memory: %w", size, ErrTooLarge)
	}

	return NewMemoryContainer(uint64(size)), nil
}
