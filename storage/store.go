package storage

import (
	"context"
	"errors"
)

var (
	ErrDisposed     = errors.New("Container was disposed")
	ErrOutOfRange   = errors.New("Requested range is out of bounds")
	ErrRewindBefore = errors.New("Cannot rewind before the start of the container")
	ErrTooLarge     = errors.New("Write exceeds the container limit")
)

// Store is a JSON document keyed by message ID that components can watch for
// changes.
type Store interface {
	Set(ctx context.Context, key string, value interface{}) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}

type Update struct {
	Key   string
	Value []byte
}
