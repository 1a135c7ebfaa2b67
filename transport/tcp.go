package transport

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/msrpd/session"
)

// TCP accepts MSRP connections on one address with one or more listeners.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr    string
	options Options

	numListeners int
	listeners    []*TCPListener

	stack *session.Stack

	mu       sync.Mutex
	doneChan chan struct{}
	errs     error

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	// Without SO_REUSEPORT only one listener can bind the address.
	if !options.Reuseport {
		numListeners = 1
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		options:      options,
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		doneChan:     make(chan struct{}),
		stack:        options.Stack,
		log:          options.Log,
	}
}

// Start binds every listener and starts accepting connections. It returns
// once the listeners are bound.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners",
		zap.String("addr", w.addr),
		zap.Int("count", w.numListeners))

	for i := 0; i < w.numListeners; i++ {
		if err := w.startListener(ctx); err != nil {
			cancel()
			return multierr.Append(err, w.Close())
		}
	}

	return nil
}

func (w *TCP) Stack() *session.Stack {
	return w.stack
}

// Addr is the address of the first listener, useful when listening on port 0.
func (w *TCP) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.listeners) == 0 {
		return nil
	}

	return w.listeners[0].Addr()
}

func (w *TCP) startListener(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	listener := NewTCPListener(
		ctx,
		w.addr,
		w.options,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
	)

	if err := listener.Bind(); err != nil {
		return err
	}

	// Further listeners join the port of the first, which matters when
	// listening on port 0.
	w.addr = listener.Addr().String()
	w.listeners = append(w.listeners, listener)

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			w.log.Error("Failed to listen", zap.Error(err))

			w.mu.Lock()
			w.errs = multierr.Append(w.errs, err)
			w.mu.Unlock()
		}
	}()

	return nil
}

// Close immediately closes all active listeners and connections.
func (w *TCP) Close() (err error) {
	w.log.Info("Stopping TCP server")
	if w.cancel != nil {
		w.cancel()
	}

	w.mu.Lock()
	listeners := w.listeners
	w.mu.Unlock()

	// Tell listeners to stop
	for _, listener := range listeners {
		err = multierr.Append(err, listener.Close())
	}

	w.stopWaiter.Wait()
	w.closeDoneChan()

	w.log.Info("TCP server stopped")

	w.mu.Lock()
	defer w.mu.Unlock()

	return multierr.Append(err, w.errs)
}

// Done is closed once Close returned.
func (w *TCP) Done() <-chan struct{} {
	return w.doneChan
}

func (w *TCP) closeDoneChan() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.doneChan:
		// Already closed.
	default:
		close(w.doneChan)
	}
}

// Shutdown closes the server, giving up waiting when ctx is done.
func (w *TCP) Shutdown(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		errChan <- w.Close()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type TCPListener struct {
	ctx context.Context

	addr    string
	options Options
	log     *zap.Logger

	listener net.Listener

	mu          sync.Mutex
	activeConns map[*Conn]struct{}
}

func NewTCPListener(
	ctx context.Context,
	addr string,
	options Options,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		activeConns: make(map[*Conn]struct{}),
		addr:        addr,
		options:     options,
		log:         log,
	}
}

// Bind opens the listening socket.
func (t *TCPListener) Bind() (err error) {
	if t.options.Reuseport {
		t.listener, err = reuseport.Listen("tcp", t.addr)
	} else {
		t.listener, err = net.Listen("tcp", t.addr)
	}

	return err
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

// Close stops accepting and closes every connection of this listener.
func (t *TCPListener) Close() (err error) {
	if t.listener != nil {
		if cerr := t.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	for _, conn := range t.conns() {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

// Listen accepts connections until the listener is closed.
func (t *TCPListener) Listen() error {
	var loopWaiter sync.WaitGroup

	defer func() {
		t.log.Info("Waiting for connections to stop")
		loopWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	go func() {
		<-t.ctx.Done()

		if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		tcpConn := NewConn(t.ctx, conn, t.options.Stack, Options{
			Trace:     t.options.Trace,
			WriteIdle: t.options.WriteIdle,
			Log:       t.log.Named("conn"),
		})

		t.addConn(tcpConn)

		loopWaiter.Add(1)
		go func() {
			defer loopWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCPListener) conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := make([]*Conn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}

	return conns
}

func (t *TCPListener) addConn(conn *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}
