package session

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/storage"
)

// ContainerFactory creates the storage of incoming messages. size is the
// announced total, protocol.SizeUnknown if the sender did not say.
type ContainerFactory interface {
	New(size int64) (protocol.DataContainer, error)
}

// Observer hears about sessions coming and going.
type Observer interface {
	SessionCreated(s *Session)
	SessionClosed(s *Session)
}

type Options struct {
	// Host and Port make up the local URIs of new sessions.
	Host string
	Port int

	Containers ContainerFactory
	Progress   *storage.InmemoryStore
	Reports    ReportMechanism

	// MaxMessageSize caps the announced size of incoming messages, and how
	// far into a message a chunk may start. DefaultMaxMessageSize when zero.
	MaxMessageSize int64

	// Granularity is the chunk size incoming bodies are stored and reported
	// at.
	Granularity int

	// AutoCreate makes requests for unknown session ids create the session
	// instead of being answered with 481. New sessions use DefaultListener.
	AutoCreate      bool
	DefaultListener Listener

	Observers []Observer

	Log *zap.Logger
}

const DefaultMaxMessageSize = 1 << 30

// Stack is the process wide state shared by every connection: the sessions
// and the components they use. It is created once at startup and handed to
// each connection.
type Stack struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewStack(opts Options) *Stack {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	if opts.Containers == nil {
		opts.Containers = storage.Factory{}
	}

	if opts.Reports == nil {
		opts.Reports = &DefaultReports{
			Store:  opts.Progress,
			Log:    opts.Log.Named("reports"),
			Retain: DefaultProgressRetention,
		}
	}

	if opts.Granularity <= 0 {
		opts.Granularity = protocol.DefaultTriggerGranularity
	}

	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}

	if opts.Port == 0 {
		opts.Port = protocol.DefaultPort
	}

	return &Stack{
		opts:     opts,
		log:      opts.Log,
		sessions: make(map[string]*Session),
	}
}

func (s *Stack) Log() *zap.Logger {
	return s.log
}

func (s *Stack) Reports() ReportMechanism {
	return s.opts.Reports
}

func (s *Stack) Progress() *storage.InmemoryStore {
	return s.opts.Progress
}

func (s *Stack) Granularity() int {
	return s.opts.Granularity
}

func (s *Stack) MaxMessageSize() int64 {
	return s.opts.MaxMessageSize
}

// NewContainer creates the storage for an incoming message of the given
// announced size.
func (s *Stack) NewContainer(size int64) (protocol.DataContainer, error) {
	return s.opts.Containers.New(size)
}

// CreateSession creates a session with a fresh local URI. remote may be nil
// when it is learned from the first request.
func (s *Stack) CreateSession(remote []*protocol.URI, l Listener) *Session {
	local := &protocol.URI{
		Host:      s.opts.Host,
		Port:      s.opts.Port,
		SessionID: NewSessionID(),
		Transport: "tcp",
	}

	return s.add(local, remote, l)
}

// add registers a session for local, unless one already exists.
func (s *Stack) add(local *protocol.URI, remote []*protocol.URI, l Listener) *Session {
	s.mu.Lock()
	if existing, ok := s.sessions[local.SessionID]; ok {
		s.mu.Unlock()
		return existing
	}

	sess := newSession(s, local, remote, l, s.log.Named("session"))
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	for _, o := range s.opts.Observers {
		o.SessionCreated(sess)
	}

	return sess
}

// Lookup finds the session uri names.
func (s *Stack) Lookup(uri *protocol.URI) *Session {
	if uri == nil {
		return nil
	}

	return s.Session(uri.SessionID)
}

func (s *Stack) Session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sessions[id]
}

// Resolve finds the session an incoming request is addressed to, creating it
// when the stack accepts unknown sessions. It fails with a 481 StatusError.
func (s *Stack) Resolve(uri *protocol.URI) (*Session, error) {
	if sess := s.Lookup(uri); sess != nil {
		return sess, nil
	}

	if !s.opts.AutoCreate || uri == nil || uri.SessionID == "" {
		return nil, protocol.NewStatusError(protocol.StatusNoSuchSession, "%s", protocol.StatusText(protocol.StatusNoSuchSession))
	}

	local := *uri
	sess := s.add(&local, nil, s.opts.DefaultListener)

	s.log.Info("Created session for incoming request", zap.String("session", sess.ID))

	return sess, nil
}

// Sessions returns a snapshot of every open session.
func (s *Stack) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}

	return sessions
}

func (s *Stack) remove(sess *Session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.ID]
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	if !ok {
		return
	}

	for _, o := range s.opts.Observers {
		o.SessionClosed(sess)
	}
}

// Close closes every session.
func (s *Stack) Close() (err error) {
	for _, sess := range s.Sessions() {
		err = multierr.Append(err, sess.Close())
	}

	return err
}
