package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const updateBufferSize = 255

// Progress is what the store records about a message in transfer.
type Progress struct {
	Direction   string `json:"direction"`
	Session     string `json:"session"`
	Transferred uint64 `json:"transferred"`
	Total       int64  `json:"total"`
	State       string `json:"state"`
}

// InmemoryStore keeps a JSON document in memory and tells listeners about
// every change.
type InmemoryStore struct {
	mu     sync.Mutex
	values []byte

	updateChans []chan *Update

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte(""),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	return nil
}

func (i *InmemoryStore) Set(ctx context.Context, key string, value interface{}) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	path := escapeKey(key)

	i.values, err = sjson.SetBytes(i.values, path, value)
	if err != nil {
		return err
	}

	i.notify(key, []byte(gjson.GetBytes(i.values, path).Raw))

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	result := gjson.GetBytes(i.values, escapeKey(key))
	if !result.Exists() {
		return nil, nil
	}

	return []byte(result.Raw), nil
}

func (i *InmemoryStore) Delete(ctx context.Context, key string) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.values, err = sjson.DeleteBytes(i.values, escapeKey(key))
	if err != nil {
		return err
	}

	i.notify(key, nil)

	return nil
}

// notify must be called with the lock held. Slow listeners miss updates
// rather than stall the writer.
func (i *InmemoryStore) notify(key string, value []byte) {
	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- &Update{Key: key, Value: value}:
		default:
		}
	}
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, updateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Restore(values []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.values = values
	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return i.values, nil
}

// TrackProgress records p under the message ID.
func (i *InmemoryStore) TrackProgress(ctx context.Context, messageID string, p Progress) error {
	return i.Set(ctx, messageID, p)
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var keyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
)

// Message IDs may contain characters that gjson paths treat specially.
func escapeKey(key string) string {
	return keyEscaper.Replace(key)
}

var _ Store = (*InmemoryStore)(nil)
