package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
	"github.com/luma/msrpd/storage"
)

// outgoing is a message waiting for its turn on the connection.
type outgoing struct {
	session *session.Session
	message *protocol.Message
}

// Manager schedules the transactions of one connection. It owns the send
// queue shared by the reader and the writer, binds incoming requests to their
// session and turns completed incoming transactions into responses, reports
// and listener calls.
//
// Messages are sent one after the other. The message being sent has exactly
// one SEND in the queue at any time; when that transaction is interrupted a
// continuation is queued behind whatever interrupted it.
type Manager struct {
	stack *session.Stack
	log   *zap.Logger

	mu    sync.Mutex
	queue []*protocol.Transaction

	// outgoing SENDs still expecting a response, by tid
	existing map[string]*protocol.Transaction

	sending *outgoing
	pending []outgoing

	bound     map[*session.Session]struct{}
	presetTID string
	closed    bool

	// wakes the writer after every change to the queue
	wake chan struct{}

	// reader side: the session of the request being received
	current *session.Session
}

func NewManager(stack *session.Stack, log *zap.Logger) *Manager {
	return &Manager{
		stack:    stack,
		log:      log,
		existing: make(map[string]*protocol.Transaction),
		bound:    make(map[*session.Session]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SetPresetTID makes the next generated transaction use tid. It is used once.
func (m *Manager) SetPresetTID(tid string) {
	m.mu.Lock()
	m.presetTID = tid
	m.mu.Unlock()
}

func (m *Manager) newTIDLocked() string {
	if tid := m.presetTID; tid != "" {
		m.presetTID = ""
		return tid
	}

	for {
		tid := session.NewTID()
		if _, ok := m.existing[tid]; !ok {
			return tid
		}
	}
}

// Bound is the set of sessions using this connection.
func (m *Manager) Bound() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]*session.Session, 0, len(m.bound))
	for s := range m.bound {
		sessions = append(sessions, s)
	}

	return sessions
}

// BindSession attaches s to this connection.
func (m *Manager) BindSession(s *session.Session) error {
	if err := s.Bind(m); err != nil {
		return err
	}

	m.mu.Lock()
	m.bound[s] = struct{}{}
	m.mu.Unlock()

	return nil
}

// Enqueue queues the message m of session s. It is started right away if the
// connection has no message to send.
func (m *Manager) Enqueue(s *session.Session, msg *protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.pending = append(m.pending, outgoing{session: s, message: msg})

	if m.sending == nil {
		m.startNextLocked()
	}

	m.notify()
}

func (m *Manager) startNextLocked() {
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]

		if next.message.IsAborted() {
			continue
		}

		m.sending = &next
		m.queue = append(m.queue, m.generateLocked(next.message))
		return
	}

	m.sending = nil
}

// generateLocked creates the next SEND of msg.
func (m *Manager) generateLocked(msg *protocol.Message) *protocol.Transaction {
	t := protocol.NewSend(m.newTIDLocked(), msg)
	m.existing[t.TID] = t

	return t
}

// AddPriority queues a REPORT or response ahead of the message being sent.
// A SEND that is already on the wire is interrupted and continued after t.
func (m *Manager) AddPriority(t *protocol.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	i := m.firstInterruptibleLocked()

	switch {
	case i < 0:
		m.queue = append(m.queue, t)

	case !m.queue[i].Started():
		m.insertLocked(i, t)

	default:
		send := m.queue[i]
		m.insertLocked(i+1, t)

		if send.Interrupt() == nil {
			m.insertLocked(i+2, m.generateLocked(send.Message))
		}
	}

	m.notify()
}

func (m *Manager) firstInterruptibleLocked() int {
	for i, t := range m.queue {
		if t.IsInterruptible() && !t.IsInterrupted() {
			return i
		}
	}

	return -1
}

func (m *Manager) insertLocked(i int, t *protocol.Transaction) {
	m.queue = append(m.queue, nil)
	copy(m.queue[i+1:], m.queue[i:])
	m.queue[i] = t
}

func (m *Manager) indexLocked(t *protocol.Transaction) int {
	for i, q := range m.queue {
		if q == t {
			return i
		}
	}

	return -1
}

// continueAfterCollision is run by a SEND that cut itself short because its
// body contained its own end-line.
func (m *Manager) continueAfterCollision(t *protocol.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Debug("End-line found in body, continuing in a new transaction",
		zap.String("tid", t.TID),
		zap.String("messageID", t.MessageID))

	if m.sending == nil || m.sending.message != t.Message {
		return
	}

	i := m.indexLocked(t)
	m.insertLocked(i+1, m.generateLocked(t.Message))
	m.notify()
}

// Next returns the transaction the writer is to send next. It waits up to
// idle for one to be queued and returns nil when there is none.
func (m *Manager) Next(ctx context.Context, idle time.Duration) *protocol.Transaction {
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			t := m.queue[0]
			m.mu.Unlock()
			return t
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case <-m.wake:
		}
	}
}

// Prepare arms the collision check of an outgoing SEND before its first byte
// is pulled.
func (m *Manager) Prepare(t *protocol.Transaction, v *protocol.StreamValidator) {
	v.Reset(t.TID)

	if t.Kind == protocol.KindSend {
		t.SetValidator(v, m.continueAfterCollision)
	}
}

// Sent removes a drained transaction from the queue and moves on to the next
// message once the current one is done.
func (m *Manager) Sent(t *protocol.Transaction) {
	m.mu.Lock()

	if i := m.indexLocked(t); i >= 0 {
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
	}

	var s *session.Session

	if t.Kind == protocol.KindSend {
		if t.FailureReport == protocol.FailureReportNo {
			delete(m.existing, t.TID)
		}

		if m.sending != nil && m.sending.message == t.Message {
			s = m.sending.session

			if t.Flag() != protocol.FlagMore || t.Message.IsAborted() {
				m.startNextLocked()
			}
		}
	}

	m.notify()
	m.mu.Unlock()

	if s != nil {
		m.stack.Reports().Sent(s, t.Message)
	}

	if t.Kind == protocol.KindSend && t.Flag() != protocol.FlagMore && len(t.FromPath) > 0 {
		if owner := m.stack.Lookup(t.FromPath[0]); owner != nil {
			owner.MessageSent(t.Message)
		}
	}
}

// AbortMessage stops sending msg. The first queued SEND of msg ends with '#'
// when any byte of msg went out, every later one is dropped. It is safe to
// call more than once.
func (m *Manager) AbortMessage(msg *protocol.Message) error {
	m.mu.Lock()

	for i, p := range m.pending {
		if p.message == msg {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}

	kept := m.queue[:0]
	first := true

	for _, t := range m.queue {
		if t.Kind != protocol.KindSend || t.Message != msg {
			kept = append(kept, t)
			continue
		}

		// The remote end only has to hear about the abort when it saw part of
		// the message, either from t itself or from a chunk t continues.
		if first && (t.Started() || msg.Container.CurrentReadOffset() > 0) {
			t.Abort()
			kept = append(kept, t)
		} else {
			delete(m.existing, t.TID)
		}

		first = false
	}

	m.queue = kept

	if m.sending != nil && m.sending.message == msg && m.indexOfMessageLocked(msg) < 0 {
		m.startNextLocked()
	}

	m.notify()
	m.mu.Unlock()

	return msg.Abort()
}

func (m *Manager) indexOfMessageLocked(msg *protocol.Message) int {
	for i, t := range m.queue {
		if t.Kind == protocol.KindSend && t.Message == msg {
			return i
		}
	}

	return -1
}

// Bind resolves the session an incoming request is addressed to and the
// message it is about. It runs on the reader.
func (m *Manager) Bind(t *protocol.Transaction) error {
	s, err := m.stack.Resolve(t.ToPath[0])
	if err != nil {
		return err
	}

	if err := m.BindSession(s); err != nil {
		if errors.Is(err, session.ErrAlreadyBound) {
			return protocol.NewStatusError(protocol.StatusSessionAlreadyBound, "%s", protocol.StatusText(protocol.StatusSessionAlreadyBound))
		}
		return protocol.NewStatusError(protocol.StatusNoSuchSession, "%v", err)
	}

	if !s.IsRemote(t.FromPath) {
		return protocol.NewStatusError(protocol.StatusNoSuchSession, "From-Path does not match the session")
	}

	m.current = s

	switch t.Kind {
	case protocol.KindSend:
		return m.bindSend(s, t)

	case protocol.KindReport:
		msg := s.SentMessage(t.MessageID)
		if msg == nil {
			return protocol.ErrSilentDrop
		}
		t.Message = msg
	}

	return nil
}

func (m *Manager) bindSend(s *session.Session, t *protocol.Transaction) error {
	limit := m.stack.MaxMessageSize()
	if t.ByteRange.Total > limit || t.ByteRange.Start-1 >= uint64(limit) {
		return protocol.NewStatusError(protocol.StatusStopSending, "message exceeds %d bytes", limit)
	}

	if msg := s.ReceivingMessage(t.MessageID); msg != nil {
		if msg.IsAborted() {
			return protocol.NewStatusError(protocol.StatusStopSending, "message was aborted")
		}

		t.Message = msg
		return nil
	}

	size := t.ByteRange.Total
	if size == protocol.Unknown {
		size = protocol.SizeUnknown
	}

	container, err := m.stack.NewContainer(size)
	if errors.Is(err, storage.ErrTooLarge) {
		return protocol.NewStatusError(protocol.StatusStopSending, "failed to store message: %v", err)
	}
	if err != nil {
		return protocol.NewStatusError(protocol.StatusBadRequest, "failed to store message: %v", err)
	}

	msg := protocol.NewIncomingMessage(t.MessageID, size, container)
	msg.ContentType = t.ContentType
	msg.ToPath = t.ToPath
	msg.FromPath = t.FromPath
	msg.SuccessReport = t.SuccessReport
	msg.FailureReport = t.FailureReport

	if !s.Listener().AcceptMessage(s, msg) {
		if err := container.Dispose(); err != nil {
			m.log.Warn("Failed to dispose refused message", zap.Error(err))
		}

		return protocol.NewStatusError(protocol.StatusStopSending, "%s", protocol.StatusText(protocol.StatusStopSending))
	}

	s.AddReceivingMessage(msg)
	t.Message = msg

	return nil
}

// Progress runs on the reader after every stored chunk.
func (m *Manager) Progress(t *protocol.Transaction) {
	if m.current != nil {
		m.stack.Reports().Received(m.current, t.Message)
	}
}

// Dispatch acts on a transaction the parser completed.
func (m *Manager) Dispatch(ev protocol.Event) {
	t := ev.Transaction
	log := m.log.With(zap.String("tid", t.TID), zap.Stringer("kind", t.Kind))

	switch ev.Kind {
	case protocol.EventResponse:
		m.dispatchResponse(t, log)

	case protocol.EventRejected:
		m.dispatchRejected(t, ev.Err, log)

	case protocol.EventRequest:
		s := m.stack.Lookup(t.ToPath[0])
		if s == nil {
			log.Info("Session went away before the request completed")
			return
		}

		switch t.Kind {
		case protocol.KindSend:
			m.dispatchSend(s, t, log)
		case protocol.KindReport:
			s.Listener().ReceivedReport(s, t)
			s.ReportReceived(t)
		}
	}
}

func (m *Manager) dispatchResponse(t *protocol.Transaction, log *zap.Logger) {
	m.mu.Lock()
	orig, ok := m.existing[t.TID]
	delete(m.existing, t.TID)
	m.mu.Unlock()

	if !ok {
		log.Debug("Dropping response to unknown transaction")
		return
	}

	orig.SetResponse(t.Response)

	if !t.Response.IsSuccess() {
		log.Info("Request failed",
			zap.Int("code", t.Response.Code),
			zap.String("comment", t.Response.Comment))
	}

	if s := m.stack.Lookup(orig.FromPath[0]); s != nil {
		s.Listener().ReceivedResponse(s, orig, t.Response)
	}
}

func (m *Manager) dispatchRejected(t *protocol.Transaction, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, protocol.ErrSilentDrop):
		log.Debug("Dropping request silently", zap.Error(err))

	case t.Kind == protocol.KindReport, t.Kind == protocol.KindResponse:
		log.Info("Dropping invalid request without response", zap.Error(err))

	case t.FailureReport == protocol.FailureReportNo:
		log.Info("Dropping invalid request, no failure report wanted", zap.Error(err))

	case len(t.ToPath) == 0 || len(t.FromPath) == 0:
		log.Info("Cannot answer request without paths", zap.Error(err))

	default:
		code := protocol.StatusCode(err)
		comment := protocol.StatusText(code)

		var se *protocol.StatusError
		if errors.As(err, &se) && se.Comment != "" {
			comment = se.Comment
		}

		m.AddPriority(protocol.NewResponse(t, code, comment))
	}
}

func (m *Manager) dispatchSend(s *session.Session, t *protocol.Transaction, log *zap.Logger) {
	msg := t.Message

	if t.FailureReport == protocol.FailureReportYes {
		m.AddPriority(protocol.NewResponse(t, protocol.StatusOK, protocol.StatusText(protocol.StatusOK)))
	}

	if t.Flag() == protocol.FlagAbort {
		log.Info("Message aborted by sender", zap.String("messageID", msg.ID))

		s.RemoveReceivingMessage(msg.ID)
		m.stack.Reports().Received(s, msg)
		s.Listener().AbortedMessage(s, msg)
		return
	}

	if !msg.MarkDelivered() {
		return
	}

	s.RemoveReceivingMessage(msg.ID)
	s.Listener().ReceivedMessage(s, msg)

	if !m.stack.Reports().SuccessReport(s, msg) {
		return
	}

	size := msg.Size()
	report := m.newReport(msg, protocol.StatusHeader{Code: protocol.StatusOK, Comment: "OK"},
		protocol.ByteRange{Start: 1, End: size, Total: size})

	m.AddPriority(report)
}

func (m *Manager) newReport(msg *protocol.Message, status protocol.StatusHeader, br protocol.ByteRange) *protocol.Transaction {
	m.mu.Lock()
	tid := m.newTIDLocked()
	m.mu.Unlock()

	return protocol.NewReport(tid, msg, status, br)
}

// Close releases the sessions bound to the connection and answers every
// SEND still waiting for a response with a 408.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	waiting := make([]*protocol.Transaction, 0, len(m.existing))
	for _, t := range m.existing {
		if t.Started() && t.FailureReport == protocol.FailureReportYes {
			waiting = append(waiting, t)
		}
	}

	m.existing = make(map[string]*protocol.Transaction)
	m.queue = nil
	m.pending = nil
	m.sending = nil

	bound := m.bound
	m.bound = make(map[*session.Session]struct{})
	m.mu.Unlock()

	timeout := &protocol.Response{Code: protocol.StatusTimeout, Comment: "Connection closed"}

	for _, t := range waiting {
		if s := m.stack.Lookup(t.FromPath[0]); s != nil {
			s.Listener().ReceivedResponse(s, t, timeout)
		}
	}

	for s := range bound {
		s.Unbind(m)
	}
}

var (
	_ protocol.Binder = (*Manager)(nil)
	_ session.Sender  = (*Manager)(nil)
)
