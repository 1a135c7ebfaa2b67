package session

import "github.com/luma/msrpd/protocol"

// Listener is told about everything that happens to the messages of a
// session. Its methods are called from the connection's dispatch loop and
// should not block for long.
type Listener interface {
	// AcceptMessage is asked once for every new incoming message, before any of
	// its body is stored. Returning false answers the SEND with 413.
	AcceptMessage(s *Session, m *protocol.Message) bool

	// ReceivedMessage is called once an incoming message is complete.
	ReceivedMessage(s *Session, m *protocol.Message)

	// ReceivedReport is called for every REPORT about a message sent on s.
	ReceivedReport(s *Session, t *protocol.Transaction)

	// ReceivedResponse is called with the response to an outgoing SEND. When
	// the connection closes before a response arrived, r is a synthesised 408.
	ReceivedResponse(s *Session, t *protocol.Transaction, r *protocol.Response)

	// AbortedMessage is called when the remote end aborted an incoming message.
	AbortedMessage(s *Session, m *protocol.Message)
}

// NopListener accepts every message and ignores everything else. Embed it to
// implement only part of Listener.
type NopListener struct{}

func (NopListener) AcceptMessage(*Session, *protocol.Message) bool { return true }

func (NopListener) ReceivedMessage(*Session, *protocol.Message) {}

func (NopListener) ReceivedReport(*Session, *protocol.Transaction) {}

func (NopListener) ReceivedResponse(*Session, *protocol.Transaction, *protocol.Response) {}

func (NopListener) AbortedMessage(*Session, *protocol.Message) {}

var _ Listener = NopListener{}
