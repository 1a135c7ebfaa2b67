package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/luma/msrpd/protocol"
)

// FileContainer keeps a message body in a file so that large messages do
// not have to fit in memory.
type FileContainer struct {
	mu       sync.Mutex
	file     *os.File
	size     uint64
	cursor   uint64
	remove   bool
	disposed bool
}

// NewFileContainer creates a temporary file in dir. The file is removed on
// Dispose.
func NewFileContainer(dir string) (*FileContainer, error) {
	f, err := os.CreateTemp(dir, "msrp-*.body")
	if err != nil {
		return nil, fmt.Errorf("Failed to create body file: %w", err)
	}

	return &FileContainer{file: f, remove: true}, nil
}

// OpenFileContainer exposes an existing file, typically for sending it. The
// file is left in place on Dispose.
func OpenFileContainer(path string) (*FileContainer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &FileContainer{file: f, size: uint64(info.Size())}, nil
}

func (c *FileContainer) Put(offset uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrDisposed
	}

	if _, err := c.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("Failed to put %d bytes at %d: %w", len(data), offset, err)
	}

	if end := offset + uint64(len(data)); end > c.size {
		c.size = end
	}

	return nil
}

func (c *FileContainer) Get(offset, length uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, ErrDisposed
	}

	if offset+length > c.size {
		return nil, fmt.Errorf("Failed to get %d bytes at %d: %w", length, offset, ErrOutOfRange)
	}

	out := make([]byte, length)
	if _, err := c.file.ReadAt(out, int64(offset)); err != nil && err != io.EOF {
		return nil, err
	}

	return out, nil
}

func (c *FileContainer) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return 0, ErrDisposed
	}

	if c.cursor >= c.size {
		return 0, io.EOF
	}

	if remaining := c.size - c.cursor; uint64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := c.file.ReadAt(p, int64(c.cursor))
	c.cursor += uint64(n)

	if err == io.EOF && n > 0 {
		err = nil
	}

	return n, err
}

func (c *FileContainer) CurrentReadOffset() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cursor
}

func (c *FileContainer) HasDataToRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.disposed && c.cursor < c.size
}

func (c *FileContainer) RewindRead(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.cursor {
		return ErrRewindBefore
	}

	c.cursor -= n

	return nil
}

func (c *FileContainer) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

func (c *FileContainer) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil
	}
	c.disposed = true

	err := c.file.Close()
	if c.remove {
		if rerr := os.Remove(c.file.Name()); rerr != nil && err == nil {
			err = rerr
		}
	}

	return err
}

var _ protocol.DataContainer = (*FileContainer)(nil)
