package protocol

import (
	"bytes"
	"strings"

	"go.uber.org/zap"
)

// DefaultTriggerGranularity is the chunk size, in bytes, body data is stored
// and reported at.
const DefaultTriggerGranularity = 1024

// Binder ties incoming requests to local state. It is implemented by the
// transaction scheduler of a connection.
type Binder interface {
	// Bind resolves the session t is addressed to. For a SEND it must set
	// t.Message, creating the message the first time its Message-ID is seen;
	// for a REPORT it sets the message the report is about. A *StatusError
	// names the response to send, ErrSilentDrop suppresses any response.
	Bind(t *Transaction) error

	// Progress is called after every stored chunk of a SEND body.
	Progress(t *Transaction)
}

// Parser turns the runs classified by a Scanner into transactions. It stores
// SEND bodies in their message's DataContainer and hands every completed
// transaction over as an Event.
//
// Failures that concern a single transaction never leave the Parser: the
// transaction is invalidated, its body discarded and an EventRejected sent.
type Parser struct {
	binder      Binder
	events      chan<- Event
	granularity int
	log         *zap.Logger

	current    *Transaction
	reportBody []byte
}

func NewParser(binder Binder, events chan<- Event, granularity int, log *zap.Logger) *Parser {
	if granularity <= 0 {
		granularity = DefaultTriggerGranularity
	}

	return &Parser{
		binder:      binder,
		events:      events,
		granularity: granularity,
		log:         log,
	}
}

// Current is the transaction being received, if any.
func (p *Parser) Current() *Transaction {
	return p.current
}

func (p *Parser) OnHeader(tid string, header []byte, hasBody bool) error {
	t := newTransaction(tid, KindUnsupported, Incoming)
	t.HasContentStuff = hasBody

	p.current = t
	p.reportBody = p.reportBody[:0]

	if err := p.parseHeader(t, header); err != nil {
		p.log.Info("Rejecting transaction",
			zap.String("tid", tid),
			zap.Error(err))

		t.invalidate(err)
	}

	return nil
}

func (p *Parser) parseHeader(t *Transaction, header []byte) error {
	lines := strings.Split(string(bytes.TrimSuffix(header, Terminal)), "\r\n")

	if err := parseStartLine(t, lines[0]); err != nil {
		return err
	}

	if err := parseHeaderLines(t, lines[1:]); err != nil {
		return err
	}

	if t.Kind == KindResponse {
		return nil
	}

	if err := t.validate(); err != nil {
		return err
	}

	return p.binder.Bind(t)
}

func (p *Parser) OnBody(data []byte) error {
	t := p.current
	if t == nil || !t.IsValid() || len(data) == 0 {
		return nil
	}

	switch t.Kind {
	case KindSend:
		p.storeBody(t, data)

	case KindResponse:
		// Responses carry no body, anything there is ignored.

	default:
		if len(p.reportBody)+len(data) > MaxNonSendBody {
			t.invalidate(NewStatusError(StatusBadRequest, "body of %s exceeds %d bytes", t.Kind, MaxNonSendBody))
			p.reportBody = p.reportBody[:0]
			return nil
		}

		p.reportBody = append(p.reportBody, data...)
	}

	return nil
}

// storeBody writes data into the message in chunks of at most granularity
// bytes, registering every chunk with the counter before the next one.
func (p *Parser) storeBody(t *Transaction, data []byte) {
	m := t.Message

	for len(data) > 0 {
		n := len(data)
		if n > p.granularity {
			n = p.granularity
		}

		offset := t.ByteRange.Start - 1 + t.BodyBytes()

		if t.ByteRange.Total != Unknown && offset+uint64(n) > uint64(t.ByteRange.Total) {
			t.invalidate(NewStatusError(StatusBadRequest, "body exceeds Byte-Range total"))
			return
		}

		if err := m.Container.Put(offset, data[:n]); err != nil {
			p.log.Warn("Failed to store body chunk",
				zap.String("tid", t.TID),
				zap.String("messageID", m.ID),
				zap.Error(err))

			t.invalidate(NewStatusError(StatusBadRequest, "failed to store body: %v", err))
			return
		}

		m.Counter.Register(offset, uint64(n))

		t.mu.Lock()
		t.bodyBytes += uint64(n)
		t.mu.Unlock()

		p.binder.Progress(t)

		data = data[n:]
	}
}

func (p *Parser) OnEnd(flag Flag) error {
	t := p.current
	p.current = nil

	if t == nil {
		return nil
	}

	t.complete(flag)

	if !t.IsValid() {
		p.emit(Event{Kind: EventRejected, Transaction: t, Err: t.Err()})
		return nil
	}

	switch t.Kind {
	case KindResponse:
		p.emit(Event{Kind: EventResponse, Transaction: t})
		return nil

	case KindSend:
		p.endSend(t, flag)

	default:
		if len(p.reportBody) > 0 {
			t.Body = append([]byte(nil), p.reportBody...)
		}
	}

	p.emit(Event{Kind: EventRequest, Transaction: t})
	return nil
}

func (p *Parser) endSend(t *Transaction, flag Flag) {
	m := t.Message

	switch flag {
	case FlagEnd:
		end := int64(t.ByteRange.Start) - 1 + int64(t.BodyBytes())
		t.ByteRange.End = end

		if m.Size() < 0 {
			m.SetSize(end)
		}

		m.Counter.MarkEndOfMessage()

	case FlagAbort:
		if err := m.Abort(); err != nil {
			p.log.Warn("Failed to dispose aborted message",
				zap.String("messageID", m.ID),
				zap.Error(err))
		}
	}
}

func (p *Parser) emit(ev Event) {
	p.events <- ev
}
