package transport

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
)

// Dial opens a connection to the MSRP endpoint remote points at and starts
// its loops. The connection stops when ctx is done or Close is called.
func Dial(ctx context.Context, remote *protocol.URI, options Options) (*Conn, error) {
	if remote.Secure {
		return nil, fmt.Errorf("Failed to dial %s: msrps is not supported", remote)
	}

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", remote.Address())
	if err != nil {
		return nil, fmt.Errorf("Failed to dial %s: %w", remote, err)
	}

	options.Log = options.Log.Named("dial")
	c := NewConn(ctx, conn, options.Stack, options)

	go c.Start()

	return c, nil
}

// DialSession dials the remote end of s and binds s to the new connection.
func DialSession(ctx context.Context, s *session.Session, options Options) (*Conn, error) {
	remote := s.Remote()
	if len(remote) == 0 {
		return nil, fmt.Errorf("Failed to dial session %s: no remote path", s.ID)
	}

	c, err := Dial(ctx, remote[0], options)
	if err != nil {
		return nil, err
	}

	if err := c.Manager().BindSession(s); err != nil {
		if cerr := c.Close(); cerr != nil {
			c.log.Debug("Failed to close connection", zap.Error(cerr))
		}

		return nil, fmt.Errorf("Failed to bind session %s: %w", s.ID, err)
	}

	c.log.Info("Session bound to outbound connection", zap.String("session", s.ID))

	return c, nil
}
