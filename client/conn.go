package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
	"github.com/luma/msrpd/storage"
	"github.com/luma/msrpd/transport"
)

var ErrNotConnected = errors.New("Client is not connected")

// Received is an incoming message that completed.
type Received struct {
	MessageID   string
	ContentType string
	Body        []byte
}

// Conn is a single MSRP session to a remote endpoint over an outbound
// connection. It is meant for tools and tests: every message body is kept in
// memory.
type Conn struct {
	stack   *session.Stack
	options transport.Options

	session *session.Session
	conn    *transport.Conn

	receivedChan chan *Received

	respMu      sync.Mutex
	respChans   map[string]chan *protocol.Response
	reportChans map[string]chan *protocol.StatusHeader

	log *zap.Logger
}

var _ session.Listener = (*Conn)(nil)

func New(stack *session.Stack, log *zap.Logger) *Conn {
	return &Conn{
		stack:        stack,
		options:      transport.Options{Stack: stack, Log: log},
		log:          log,
		receivedChan: make(chan *Received, 255),
		respChans:    make(map[string]chan *protocol.Response),
		reportChans:  make(map[string]chan *protocol.StatusHeader),
	}
}

// Connect creates a session towards path, a space separated list of MSRP
// URIs, and dials the first of them.
func (c *Conn) Connect(ctx context.Context, path string) error {
	remote, err := protocol.ParsePath(path)
	if err != nil {
		return err
	}

	s := c.stack.CreateSession(remote, c)
	s.SuccessReport = true

	conn, err := transport.DialSession(ctx, s, c.options)
	if err != nil {
		_ = s.Close()
		return err
	}

	c.session = s
	c.conn = conn

	c.log.Info("Connected",
		zap.String("session", s.ID),
		zap.String("remote", protocol.FormatPath(remote)))

	return nil
}

// Session is the session the client sends on, nil before Connect.
func (c *Conn) Session() *session.Session {
	return c.session
}

func (c *Conn) Disconnect() error {
	if c.conn == nil {
		return ErrNotConnected
	}

	err := c.conn.Close()
	if cerr := c.session.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// ReceivedChan delivers the messages the remote end sent on the session.
func (c *Conn) ReceivedChan() <-chan *Received {
	return c.receivedChan
}

// Send transmits body as a single message and waits for the response to its
// last chunk. It returns the Message-ID, which WaitReport accepts.
func (c *Conn) Send(ctx context.Context, contentType string, body []byte) (string, error) {
	if c.session == nil {
		return "", ErrNotConnected
	}

	m := c.session.NewMessage(contentType, storage.NewMemoryContainerFrom(body))

	respChan := c.createResponseChan(m.ID)
	defer c.destroyResponseChan(m.ID)

	if err := c.session.Send(m); err != nil {
		return m.ID, err
	}

	select {
	case resp := <-respChan:
		return m.ID, resp.ErrorOrNil()

	case <-c.conn.Done():
		return m.ID, fmt.Errorf("Failed to send %s: %w", m.ID, ErrNotConnected)

	case <-ctx.Done():
		return m.ID, ctx.Err()
	}
}

// WaitReport waits for the success report of a message sent with Send.
func (c *Conn) WaitReport(ctx context.Context, messageID string) (*protocol.StatusHeader, error) {
	c.respMu.Lock()
	reportChan, ok := c.reportChans[messageID]
	c.respMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("Failed to wait for a report on %s: %w", messageID, session.ErrNoSuchMessage)
	}

	defer c.destroyReportChan(messageID)

	select {
	case status := <-reportChan:
		return status, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) AcceptMessage(s *session.Session, m *protocol.Message) bool {
	return true
}

func (c *Conn) ReceivedMessage(s *session.Session, m *protocol.Message) {
	body, err := m.Body()
	if err != nil {
		c.log.Warn("Failed to read received message", zap.String("messageID", m.ID), zap.Error(err))
		return
	}

	select {
	case c.receivedChan <- &Received{MessageID: m.ID, ContentType: m.ContentType, Body: body}:
	default:
		c.log.Warn("Dropping received message, nobody is reading", zap.String("messageID", m.ID))
	}
}

func (c *Conn) ReceivedReport(s *session.Session, t *protocol.Transaction) {
	c.respMu.Lock()
	reportChan, ok := c.reportChans[t.MessageID]
	c.respMu.Unlock()

	if !ok || t.Status == nil {
		return
	}

	select {
	case reportChan <- t.Status:
	default:
	}
}

// ReceivedResponse completes Send on the response to the final chunk, or on
// the first failure.
func (c *Conn) ReceivedResponse(s *session.Session, t *protocol.Transaction, r *protocol.Response) {
	if r.IsSuccess() && t.Flag() != protocol.FlagEnd {
		return
	}

	c.sendToResponseChan(t.MessageID, r)
}

func (c *Conn) AbortedMessage(s *session.Session, m *protocol.Message) {
	c.log.Info("Remote aborted message", zap.String("messageID", m.ID))
}

func (c *Conn) createResponseChan(messageID string) <-chan *protocol.Response {
	respChan := make(chan *protocol.Response, 1)

	c.respMu.Lock()
	c.respChans[messageID] = respChan
	c.reportChans[messageID] = make(chan *protocol.StatusHeader, 1)
	c.respMu.Unlock()

	return respChan
}

func (c *Conn) sendToResponseChan(messageID string, resp *protocol.Response) {
	c.respMu.Lock()
	respChan, ok := c.respChans[messageID]
	c.respMu.Unlock()

	if !ok {
		return
	}

	select {
	case respChan <- resp:
	default:
	}
}

// destroyResponseChan keeps the report channel around, a report may arrive
// long after the response.
func (c *Conn) destroyResponseChan(messageID string) {
	c.respMu.Lock()
	delete(c.respChans, messageID)
	c.respMu.Unlock()
}

func (c *Conn) destroyReportChan(messageID string) {
	c.respMu.Lock()
	delete(c.reportChans, messageID)
	c.respMu.Unlock()
}
