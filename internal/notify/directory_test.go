package notify_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luma/msrpd/internal/notify"
	"github.com/luma/msrpd/session"
)

type fakeKV struct {
	mu      sync.Mutex
	values  map[string]interface{}
	ttls    map[string]time.Duration
	expired int
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		values: make(map[string]interface{}),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.values[key] = value
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.values[key]
	if ok {
		f.expired++
		f.ttls[key] = expiration
	}
	return redis.NewBoolResult(ok, nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeKV) Get(key string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.values[key]
	return v, ok
}

func (f *fakeKV) Expired() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.expired
}

var _ = Describe("Directory", func() {
	var (
		kv    *fakeKV
		dir   *notify.Directory
		stack *session.Stack
	)

	BeforeEach(func() {
		kv = newFakeKV()
		dir = notify.NewDirectory(kv, 40*time.Millisecond, zap.NewNop())
		stack = session.NewStack(session.Options{
			Host:      "relay.example.com",
			Observers: []session.Observer{dir},
			Log:       zap.NewNop(),
		})
	})

	It("registers new sessions with their local URI", func() {
		s := stack.CreateSession(nil, session.NopListener{})

		value, ok := kv.Get(notify.SessionKey(s.ID))
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("msrp://relay.example.com:2855/" + s.ID + ";tcp"))
	})

	It("removes closed sessions", func() {
		s := stack.CreateSession(nil, session.NopListener{})
		Expect(s.Close()).To(Succeed())

		_, ok := kv.Get(notify.SessionKey(s.ID))
		Expect(ok).To(BeFalse())
	})

	It("keeps registrations alive while running", func() {
		stack.CreateSession(nil, session.NopListener{})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go dir.Run(ctx)

		Eventually(kv.Expired, time.Second).Should(BeNumerically(">=", 2))
	})
})
