package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
)

const (
	DefaultSessionTTL = 5 * time.Minute

	sessionKeyPrefix = "msrp:session:"
	redisTimeout     = 2 * time.Second
)

// KV is the part of *redis.Client the Directory needs.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Directory publishes the local URI of every live session in Redis so that
// other nodes can find the endpoint a session lives on. Entries expire
// unless Refresh keeps them alive.
type Directory struct {
	kv  KV
	ttl time.Duration
	log *zap.Logger

	mu   sync.Mutex
	keys map[string]string
}

var _ session.Observer = (*Directory)(nil)

func NewDirectory(kv KV, ttl time.Duration, log *zap.Logger) *Directory {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &Directory{
		kv:   kv,
		ttl:  ttl,
		log:  log,
		keys: make(map[string]string),
	}
}

func SessionKey(id string) string {
	return sessionKeyPrefix + id
}

func (d *Directory) SessionCreated(s *session.Session) {
	key := SessionKey(s.ID)

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := d.kv.Set(ctx, key, uriString(s.Local), d.ttl).Err(); err != nil {
		d.log.Warn("Failed to register session", zap.String("session", s.ID), zap.Error(err))
		return
	}

	d.mu.Lock()
	d.keys[s.ID] = key
	d.mu.Unlock()
}

func (d *Directory) SessionClosed(s *session.Session) {
	d.mu.Lock()
	key, ok := d.keys[s.ID]
	delete(d.keys, s.ID)
	d.mu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := d.kv.Del(ctx, key).Err(); err != nil {
		d.log.Warn("Failed to unregister session", zap.String("session", s.ID), zap.Error(err))
	}
}

// Refresh extends the TTL of every registered session.
func (d *Directory) Refresh(ctx context.Context) {
	d.mu.Lock()
	keys := make([]string, 0, len(d.keys))
	for _, key := range d.keys {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		if err := d.kv.Expire(ctx, key, d.ttl).Err(); err != nil {
			d.log.Debug("Failed to refresh session", zap.String("key", key), zap.Error(err))
		}
	}
}

// Run refreshes the registrations at half their TTL until ctx is done.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Refresh(ctx)
		}
	}
}

func uriString(u *protocol.URI) string {
	if u == nil {
		return ""
	}

	return u.String()
}
