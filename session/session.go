package session

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
)

var (
	ErrAlreadyBound  = errors.New("Session is bound to another connection")
	ErrSessionClosed = errors.New("Session is closed")
	ErrNoSuchMessage = errors.New("No such message")
)

// Sender moves the messages of a session onto a connection. It is
// implemented by the transaction scheduler of a connection.
type Sender interface {
	Enqueue(s *Session, m *protocol.Message)
	AbortMessage(m *protocol.Message) error
}

// Session is one MSRP session: a local URI, the path to the remote end and
// the connection it is bound to once there is one.
//
// Messages sent before the session is bound wait in the session and are
// handed to the connection on Bind.
type Session struct {
	ID    string
	Local *protocol.URI

	stack    *Stack
	listener Listener
	log      *zap.Logger

	mu        sync.Mutex
	remote    []*protocol.URI
	sender    Sender
	pending   []*protocol.Message
	receiving map[string]*protocol.Message
	sent      map[string]*protocol.Message
	closed    bool

	// SuccessReport and FailureReport are the defaults for messages created
	// with NewMessage.
	SuccessReport bool
	FailureReport protocol.FailureReport
}

func newSession(stack *Stack, local *protocol.URI, remote []*protocol.URI, l Listener, log *zap.Logger) *Session {
	if l == nil {
		l = NopListener{}
	}

	return &Session{
		ID:        local.SessionID,
		Local:     local,
		stack:     stack,
		listener:  l,
		log:       log.With(zap.String("session", local.SessionID)),
		remote:    remote,
		receiving: make(map[string]*protocol.Message),
		sent:      make(map[string]*protocol.Message),
	}
}

func (s *Session) Listener() Listener {
	return s.listener
}

func (s *Session) Stack() *Stack {
	return s.stack
}

// Remote is the To-Path of requests sent on this session.
func (s *Session) Remote() []*protocol.URI {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remote
}

func (s *Session) SetRemote(path []*protocol.URI) {
	s.mu.Lock()
	s.remote = path
	s.mu.Unlock()
}

// IsRemote reports whether from, the From-Path of an incoming request, names
// the remote end of the session. A session without remote adopts from.
func (s *Session) IsRemote(from []*protocol.URI) bool {
	if len(from) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.remote) == 0 {
		s.remote = from
		return true
	}

	return s.remote[len(s.remote)-1].Equal(from[len(from)-1])
}

// Bind attaches the session to the connection behind sender. Binding to the
// connection it is already bound to is a no-op.
func (s *Session) Bind(sender Sender) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if s.sender != nil {
		s.mu.Unlock()

		if s.sender == sender {
			return nil
		}
		return ErrAlreadyBound
	}

	s.sender = sender
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.log.Debug("Session bound", zap.Int("pending", len(pending)))

	for _, m := range pending {
		sender.Enqueue(s, m)
	}

	return nil
}

// Unbind detaches the session from sender, if it is bound to it.
func (s *Session) Unbind(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sender == sender {
		s.sender = nil
	}
}

func (s *Session) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sender != nil
}

// NewMessage creates an outgoing message for this session with a fresh
// Message-ID. Nothing is sent until it is passed to Send.
func (s *Session) NewMessage(contentType string, c protocol.DataContainer) *protocol.Message {
	m := protocol.NewOutgoingMessage(NewMessageID(), contentType, c)
	m.ToPath = s.Remote()
	m.FromPath = []*protocol.URI{s.Local}
	m.SuccessReport = s.SuccessReport
	m.FailureReport = s.FailureReport

	return m
}

// Send queues m on the connection of the session, or keeps it until the
// session is bound.
func (s *Session) Send(m *protocol.Message) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if len(m.ToPath) == 0 {
		m.ToPath = s.remote
	}

	if len(m.ToPath) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("Failed to send %s: session has no remote path", m.ID)
	}

	s.sent[m.ID] = m
	sender := s.sender
	if sender == nil {
		s.pending = append(s.pending, m)
	}
	s.mu.Unlock()

	if sender != nil {
		sender.Enqueue(s, m)
	}

	return nil
}

// AbortMessage stops sending the outgoing message id and forgets it.
func (s *Session) AbortMessage(id string) error {
	s.mu.Lock()

	m, ok := s.sent[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("Failed to abort %s: %w", id, ErrNoSuchMessage)
	}

	delete(s.sent, id)

	for i, p := range s.pending {
		if p == m {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}

	sender := s.sender
	s.mu.Unlock()

	if sender != nil {
		return sender.AbortMessage(m)
	}

	return m.Abort()
}

// MessageSent is called once the last SEND of m was written. A message
// without a success report to wait for is done with.
func (s *Session) MessageSent(m *protocol.Message) {
	if m.SuccessReport && !m.IsAborted() {
		return
	}

	s.forget(m)
}

// ReportReceived forgets the message t reports on once the report is final:
// a failure, or a success covering the whole message.
func (s *Session) ReportReceived(t *protocol.Transaction) {
	m := t.Message
	if m == nil || t.Status == nil {
		return
	}

	if t.Status.Code == protocol.StatusOK && (t.ByteRange.End == protocol.Unknown || t.ByteRange.End < m.Size()) {
		return
	}

	s.forget(m)
}

func (s *Session) forget(m *protocol.Message) {
	s.mu.Lock()
	current, ok := s.sent[m.ID]
	if ok && current == m {
		delete(s.sent, m.ID)
	}
	s.mu.Unlock()

	if !ok || current != m {
		return
	}

	if err := m.Container.Dispose(); err != nil {
		s.log.Debug("Failed to dispose sent message", zap.String("messageID", m.ID), zap.Error(err))
	}
}

// SentMessage returns the outgoing message id, if it was sent on s.
func (s *Session) SentMessage(id string) *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sent[id]
}

// ReceivingMessage returns the incoming message id while it is being
// received.
func (s *Session) ReceivingMessage(id string) *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.receiving[id]
}

func (s *Session) AddReceivingMessage(m *protocol.Message) {
	s.mu.Lock()
	s.receiving[m.ID] = m
	s.mu.Unlock()
}

// RemoveReceivingMessage forgets an incoming message once it was delivered
// or aborted.
func (s *Session) RemoveReceivingMessage(id string) {
	s.mu.Lock()
	delete(s.receiving, id)
	s.mu.Unlock()
}

// Close aborts the messages still being received and removes the session
// from its stack.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	receiving := s.receiving
	s.receiving = make(map[string]*protocol.Message)
	s.pending = nil
	s.sender = nil
	s.mu.Unlock()

	var err error
	for _, m := range receiving {
		if aerr := m.Abort(); aerr != nil {
			err = multierr.Append(err, fmt.Errorf("Failed to abort %s: %w", m.ID, aerr))
		}
	}

	s.stack.remove(s)

	return err
}
