package protocol

import (
	"errors"
	"sync"
)

var (
	ErrMessageAborted = errors.New("Message was aborted")
)

// Sizes that are not a byte count.
const (
	SizeUnknown       int64 = -1
	SizeUninitialized int64 = -2
)

// DataContainer stores the body of a message. Incoming chunks are written at
// arbitrary offsets while outgoing bodies are consumed through a sequential
// read cursor.
type DataContainer interface {
	Put(offset uint64, data []byte) error
	Get(offset, length uint64) ([]byte, error)

	// Read reads from the sequential read cursor and advances it.
	Read(p []byte) (int, error)
	CurrentReadOffset() uint64
	HasDataToRead() bool
	RewindRead(n uint64) error

	Size() uint64
	Dispose() error
}

// Message is a complete MSRP message that may span any number of SEND
// transactions.
type Message struct {
	ID          string
	Direction   Direction
	ContentType string

	// ToPath and FromPath are the paths of the session the message belongs to,
	// seen from the message's point of view.
	ToPath   []*URI
	FromPath []*URI

	SuccessReport bool
	FailureReport FailureReport

	Container DataContainer

	// Counter is only used for incoming messages.
	Counter *Counter

	mu        sync.Mutex
	size      int64
	aborted   bool
	delivered bool
}

func NewOutgoingMessage(id, contentType string, container DataContainer) *Message {
	return &Message{
		ID:          id,
		Direction:   Outgoing,
		ContentType: contentType,
		Container:   container,
		size:        int64(container.Size()),
	}
}

func NewIncomingMessage(id string, size int64, container DataContainer) *Message {
	return &Message{
		ID:        id,
		Direction: Incoming,
		Container: container,
		Counter:   NewCounter(),
		size:      size,
	}
}

// Size returns the message size in bytes, SizeUnknown or SizeUninitialized.
func (m *Message) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.size
}

func (m *Message) SetSize(size int64) {
	m.mu.Lock()
	m.size = size
	m.mu.Unlock()
}

// Abort marks the message as aborted and releases its storage. It is safe to
// call more than once.
func (m *Message) Abort() error {
	m.mu.Lock()
	if m.aborted {
		m.mu.Unlock()
		return nil
	}
	m.aborted = true
	m.mu.Unlock()

	if m.Container != nil {
		return m.Container.Dispose()
	}

	return nil
}

func (m *Message) IsAborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.aborted
}

// IsComplete reports whether an incoming message received every byte. For an
// outgoing message it reports whether the read cursor reached the end.
func (m *Message) IsComplete() bool {
	if m.Direction == Outgoing {
		return !m.Container.HasDataToRead()
	}

	return m.Counter.IsComplete()
}

// MarkDelivered returns true exactly once, the first time it is called on a
// message that is complete.
func (m *Message) MarkDelivered() bool {
	if !m.IsComplete() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.delivered || m.aborted {
		return false
	}

	m.delivered = true
	return true
}

// Body returns the entire content of the message.
func (m *Message) Body() ([]byte, error) {
	if m.IsAborted() {
		return nil, ErrMessageAborted
	}

	size := m.Size()
	if size < 0 {
		size = int64(m.Container.Size())
	}

	return m.Container.Get(0, uint64(size))
}
