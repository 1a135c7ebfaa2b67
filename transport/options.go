package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/msrpd/session"
)

// DefaultWriteIdle is how long the writer waits for a transaction before it
// checks the connection again.
const DefaultWriteIdle = 2 * time.Second

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Trace logs every chunk read from and written to a connection. This is
	// only useful in local debugging
	Trace bool

	NumListeners int

	// WriteIdle bounds how long the writer sleeps on an empty queue.
	WriteIdle time.Duration

	Stack *session.Stack

	Log *zap.Logger
}

func (o Options) writeIdle() time.Duration {
	if o.WriteIdle <= 0 {
		return DefaultWriteIdle
	}

	return o.WriteIdle
}
