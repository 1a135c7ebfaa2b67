package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/storage"
)

// ReportMechanism decides when transfer progress is recorded and when REPORT
// requests are generated.
type ReportMechanism interface {
	// Received is called after every stored chunk of an incoming message.
	Received(s *Session, m *protocol.Message)

	// Sent is called after every outgoing SEND transaction was written.
	Sent(s *Session, m *protocol.Message)

	// SuccessReport reports whether the completion of m is to be confirmed to
	// the sender with a REPORT.
	SuccessReport(s *Session, m *protocol.Message) bool
}

const (
	progressTimeout = time.Second

	DefaultProgressRetention = time.Minute
)

// DefaultReports records progress in a progress store and sends a success
// report whenever the sender asked for one.
type DefaultReports struct {
	Store *storage.InmemoryStore
	Log   *zap.Logger

	// Retain is how long the progress of a finished transfer stays in Store.
	// Zero removes it right after the final update.
	Retain time.Duration
}

func (d *DefaultReports) Received(s *Session, m *protocol.Message) {
	state := "receiving"
	switch {
	case m.IsAborted():
		state = "aborted"
	case m.IsComplete():
		state = "complete"
	}

	d.track(m, storage.Progress{
		Direction:   m.Direction.String(),
		Session:     s.ID,
		Transferred: m.Counter.Count(),
		Total:       m.Size(),
		State:       state,
	})
}

func (d *DefaultReports) Sent(s *Session, m *protocol.Message) {
	state := "sending"
	switch {
	case m.IsAborted():
		state = "aborted"
	case m.IsComplete():
		state = "sent"
	}

	d.track(m, storage.Progress{
		Direction:   m.Direction.String(),
		Session:     s.ID,
		Transferred: m.Container.CurrentReadOffset(),
		Total:       m.Size(),
		State:       state,
	})
}

func (d *DefaultReports) SuccessReport(s *Session, m *protocol.Message) bool {
	return m.SuccessReport
}

func (d *DefaultReports) track(m *protocol.Message, p storage.Progress) {
	if d.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
	defer cancel()

	if err := d.Store.TrackProgress(ctx, m.ID, p); err != nil && d.Log != nil {
		d.Log.Warn("Failed to track progress",
			zap.String("messageID", m.ID),
			zap.Error(err))
	}

	switch p.State {
	case "complete", "sent", "aborted":
	default:
		return
	}

	if d.Retain <= 0 {
		d.forget(m.ID)
		return
	}

	time.AfterFunc(d.Retain, func() {
		d.forget(m.ID)
	})
}

func (d *DefaultReports) forget(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
	defer cancel()

	if err := d.Store.Delete(ctx, messageID); err != nil && d.Log != nil {
		d.Log.Debug("Failed to forget progress",
			zap.String("messageID", messageID),
			zap.Error(err))
	}
}

var _ ReportMechanism = (*DefaultReports)(nil)
