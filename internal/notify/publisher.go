package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
	"github.com/luma/msrpd/storage"
)

// Subjects events are published on.
const (
	SubjectMessageReceived = "msrp.message.received"
	SubjectMessageAborted  = "msrp.message.aborted"
	SubjectReportReceived  = "msrp.report.received"
	SubjectProgress        = "msrp.progress"
)

// Conn is the part of *nats.Conn the Publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Event is the JSON payload of every published message.
type Event struct {
	Session     string    `json:"session"`
	MessageID   string    `json:"messageId"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Status      string    `json:"status,omitempty"`
	ByteRange   string    `json:"byteRange,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher wraps a session.Listener and publishes what happens to messages
// on NATS. Publishing never blocks the listener it wraps: failures are
// logged and dropped.
type Publisher struct {
	conn Conn
	next session.Listener
	log  *zap.Logger
}

var _ session.Listener = (*Publisher)(nil)

func NewPublisher(conn Conn, next session.Listener, log *zap.Logger) *Publisher {
	if next == nil {
		next = session.NopListener{}
	}

	return &Publisher{conn: conn, next: next, log: log}
}

func (p *Publisher) AcceptMessage(s *session.Session, m *protocol.Message) bool {
	return p.next.AcceptMessage(s, m)
}

func (p *Publisher) ReceivedMessage(s *session.Session, m *protocol.Message) {
	p.publish(SubjectMessageReceived, Event{
		Session:     s.ID,
		MessageID:   m.ID,
		ContentType: m.ContentType,
		Size:        m.Size(),
	})

	p.next.ReceivedMessage(s, m)
}

func (p *Publisher) ReceivedReport(s *session.Session, t *protocol.Transaction) {
	ev := Event{
		Session:   s.ID,
		MessageID: t.MessageID,
		ByteRange: t.ByteRange.String(),
	}
	if t.Status != nil {
		ev.Status = t.Status.String()
	}

	p.publish(SubjectReportReceived, ev)

	p.next.ReceivedReport(s, t)
}

func (p *Publisher) ReceivedResponse(s *session.Session, t *protocol.Transaction, r *protocol.Response) {
	p.next.ReceivedResponse(s, t, r)
}

func (p *Publisher) AbortedMessage(s *session.Session, m *protocol.Message) {
	p.publish(SubjectMessageAborted, Event{
		Session:   s.ID,
		MessageID: m.ID,
	})

	p.next.AbortedMessage(s, m)
}

func (p *Publisher) publish(subject string, ev Event) {
	ev.Time = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("Failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.String("messageID", ev.MessageID),
			zap.Error(err))
	}
}

// ForwardProgress publishes every progress update of store on
// msrp.progress.<session> until ctx is done or the store closes.
func (p *Publisher) ForwardProgress(ctx context.Context, store *storage.InmemoryStore) {
	updates := store.ListenToUpdates()

	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-updates:
			if !ok {
				return
			}

			subject := SubjectProgress
			if sessionID := gjson.GetBytes(update.Value, "session").String(); sessionID != "" {
				subject += "." + sessionID
			}

			if err := p.conn.Publish(subject, update.Value); err != nil {
				p.log.Debug("Failed to publish progress",
					zap.String("messageID", update.Key),
					zap.Error(err))
			}
		}
	}
}
