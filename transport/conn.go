package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
)

const (
	readBufferSize  = 2048
	writeBufferSize = 2048
	eventBufferSize = 127
)

// Conn runs one MSRP connection. The read loop feeds the socket into a
// Scanner and Parser, the dispatch loop hands completed transactions to the
// Manager and the write loop pulls the queued transactions onto the socket.
type Conn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	conn    net.Conn
	manager *Manager
	scanner *protocol.Scanner
	events  chan protocol.Event

	idle  time.Duration
	trace bool
	log   *zap.Logger
}

func NewConn(parentCtx context.Context, conn net.Conn, stack *session.Stack, options Options) *Conn {
	ctx, cancel := context.WithCancel(parentCtx)

	log := options.Log.With(zap.String("remote", conn.RemoteAddr().String()))
	manager := NewManager(stack, log.Named("manager"))
	events := make(chan protocol.Event, eventBufferSize)
	parser := protocol.NewParser(manager, events, stack.Granularity(), log.Named("parser"))

	return &Conn{
		ctx:     ctx,
		cancel:  cancel,
		conn:    conn,
		manager: manager,
		scanner: protocol.NewScanner(parser),
		events:  events,
		idle:    options.writeIdle(),
		trace:   options.Trace,
		log:     log,
	}
}

func (c *Conn) Manager() *Manager {
	return c.manager
}

// Done is closed once the connection stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close stops the loops and closes the socket. It is safe to call more than
// once.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.cancel()

		// Unblock a pending read.
		_ = c.conn.SetReadDeadline(time.Now())

		// Wait for the read/write loops to exit
		c.loopWaiter.Wait()

		err = c.conn.Close()
	})

	return err
}

// Start runs the connection until it is closed, by either end.
func (c *Conn) Start() {
	go func() {
		<-c.ctx.Done()

		// Whichever loop stopped first, the reader must not block any longer.
		_ = c.conn.SetReadDeadline(time.Now())
	}()

	c.loopWaiter.Add(3)

	go func() {
		defer c.loopWaiter.Done()
		c.ReadLoop()
	}()

	go func() {
		defer c.loopWaiter.Done()
		c.DispatchLoop()
	}()

	go func() {
		defer c.loopWaiter.Done()
		c.WriteLoop()
	}()

	c.loopWaiter.Wait()
	c.manager.Close()

	if err := c.Close(); err != nil {
		c.log.Debug("Failed to close connection", zap.Error(err))
	}
}

func (c *Conn) ReadLoop() {
	log := c.log.Named("readLoop")

	defer func() {
		close(c.events)

		// Stop reading, but allow writes to drain
		if tcp, ok := c.conn.(*net.TCPConn); ok {
			err := tcp.CloseRead()
			if err != nil && !strings.Contains(err.Error(), "transport endpoint is not connected") {
				log.Debug("Failed to close reads on connection cleanly", zap.Error(err))
			}
		}

		log.Debug("Read loop exited")
	}()

	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)

		if n > 0 {
			if c.trace {
				log.Debug("Read", zap.ByteString("data", buf[:n]))
			}

			if ferr := c.scanner.Feed(buf[:n]); ferr != nil {
				log.Warn("Closing connection after framing error", zap.Error(ferr))
				c.cancel()
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && c.isRunning() {
				log.Warn("Failed to read from connection", zap.Error(err))
			}

			c.cancel()
			return
		}
	}
}

func (c *Conn) DispatchLoop() {
	for ev := range c.events {
		c.manager.Dispatch(ev)
	}
}

func (c *Conn) WriteLoop() {
	log := c.log.Named("writeLoop")

	defer func() {
		if tcp, ok := c.conn.(*net.TCPConn); ok {
			err := tcp.CloseWrite()
			if err != nil && !strings.Contains(err.Error(), "transport endpoint is not connected") {
				log.Debug("Failed to close writes on connection cleanly", zap.Error(err))
			}
		}

		log.Debug("Write loop exited")
	}()

	validator := protocol.NewStreamValidator()
	buf := make([]byte, writeBufferSize)

	for c.isRunning() {
		t := c.manager.Next(c.ctx, c.idle)
		if t == nil {
			continue
		}

		if !t.Started() {
			c.manager.Prepare(t, validator)
		}

		n := t.NextBytes(buf)

		if n > 0 {
			if c.trace {
				log.Debug("Write", zap.String("tid", t.TID), zap.ByteString("data", buf[:n]))
			}

			if _, err := c.conn.Write(buf[:n]); err != nil {
				if c.isRunning() {
					log.Warn("Failed to write to connection", zap.String("tid", t.TID), zap.Error(err))
				}

				c.cancel()
				return
			}
		}

		if t.IsDrained() {
			c.manager.Sent(t)
		}
	}
}

// isRunning returns true if Close has not been called
func (c *Conn) isRunning() bool {
	select {
	case <-c.ctx.Done():
		return false

	default:
		return true
	}
}
