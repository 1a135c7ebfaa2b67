// Package notify tells the outside world about sessions and messages: events
// go out on NATS, the session directory lives in Redis. Both are optional.
package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/msrpd/session"
)

type Options struct {
	// NatsURL enables event publication when set.
	NatsURL string

	// RedisURL enables the session directory when set.
	RedisURL string

	Log *zap.Logger
}

// Notifier owns the backend connections.
type Notifier struct {
	nats  *nats.Conn
	redis *redis.Client

	Publisher *Publisher
	Directory *Directory

	log *zap.Logger
}

// Connect dials the configured backends. A backend without URL stays nil.
func Connect(ctx context.Context, opts Options) (*Notifier, error) {
	n := &Notifier{log: opts.Log}

	if opts.NatsURL != "" {
		nc, err := nats.Connect(opts.NatsURL, nats.Name("msrpd"))
		if err != nil {
			return nil, fmt.Errorf("Failed to connect to NATS at %s: %w", opts.NatsURL, err)
		}

		n.nats = nc
		n.Publisher = NewPublisher(nc, nil, opts.Log.Named("publisher"))
	}

	if opts.RedisURL != "" {
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("Invalid Redis URL: %w", err), n.Close())
		}

		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, multierr.Combine(
				fmt.Errorf("Failed to connect to Redis: %w", err),
				client.Close(),
				n.Close())
		}

		n.redis = client
		n.Directory = NewDirectory(client, DefaultSessionTTL, opts.Log.Named("directory"))
	}

	return n, nil
}

// Listener returns the listener sessions should use: next, wrapped by the
// Publisher when NATS is enabled.
func (n *Notifier) Listener(next session.Listener) session.Listener {
	if n.Publisher == nil {
		return next
	}

	n.Publisher.next = next
	return n.Publisher
}

// Observers returns the session observers to register with the stack.
func (n *Notifier) Observers() []session.Observer {
	if n.Directory == nil {
		return nil
	}

	return []session.Observer{n.Directory}
}

func (n *Notifier) Close() (err error) {
	if n.nats != nil {
		err = multierr.Append(err, n.nats.Drain())
	}

	if n.redis != nil {
		err = multierr.Append(err, n.redis.Close())
	}

	return err
}
