package session_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
	"github.com/luma/msrpd/storage"
)

type fakeSender struct {
	enqueued []*protocol.Message
	aborted  []*protocol.Message
}

func (f *fakeSender) Enqueue(s *session.Session, m *protocol.Message) {
	f.enqueued = append(f.enqueued, m)
}

func (f *fakeSender) AbortMessage(m *protocol.Message) error {
	f.aborted = append(f.aborted, m)
	return m.Abort()
}

type recordingObserver struct {
	created []string
	closed  []string
}

func (r *recordingObserver) SessionCreated(s *session.Session) {
	r.created = append(r.created, s.ID)
}

func (r *recordingObserver) SessionClosed(s *session.Session) {
	r.closed = append(r.closed, s.ID)
}

func mustPath(value string) []*protocol.URI {
	path, err := protocol.ParsePath(value)
	ExpectWithOffset(1, err).To(Succeed())
	return path
}

const remote = "msrp://bob.example.com:8888/9di4eae923wzd;tcp"

var _ = Describe("Session", func() {
	var (
		stack *session.Stack
		sess  *session.Session
	)

	BeforeEach(func() {
		stack = session.NewStack(session.Options{Host: "alice.example.com"})
		sess = stack.CreateSession(mustPath(remote), nil)
	})

	It("gets a local URI with a fresh session id", func() {
		Expect(sess.Local.String()).To(Equal("msrp://alice.example.com:2855/" + sess.ID + ";tcp"))
		Expect(stack.Lookup(sess.Local)).To(BeIdenticalTo(sess))
	})

	It("addresses new messages to the remote end", func() {
		sess.SuccessReport = true

		m := sess.NewMessage("text/plain", storage.NewMemoryContainerFrom([]byte("hi")))
		Expect(m.ToPath).To(Equal(mustPath(remote)))
		Expect(m.FromPath).To(ConsistOf(sess.Local))
		Expect(m.SuccessReport).To(BeTrue())
		Expect(m.Size()).To(Equal(int64(2)))
	})

	Describe("Bind()", func() {
		It("hands over the messages sent before", func() {
			m := sess.NewMessage("text/plain", storage.NewMemoryContainerFrom([]byte("hi")))
			Expect(sess.Send(m)).To(Succeed())

			sender := &fakeSender{}
			Expect(sess.Bind(sender)).To(Succeed())
			Expect(sender.enqueued).To(ConsistOf(m))

			other := sess.NewMessage("text/plain", storage.NewMemoryContainerFrom([]byte("there")))
			Expect(sess.Send(other)).To(Succeed())
			Expect(sender.enqueued).To(Equal([]*protocol.Message{m, other}))
		})

		It("refuses a second connection", func() {
			first, second := &fakeSender{}, &fakeSender{}

			Expect(sess.Bind(first)).To(Succeed())
			Expect(sess.Bind(first)).To(Succeed())
			Expect(sess.Bind(second)).To(MatchError(session.ErrAlreadyBound))

			sess.Unbind(first)
			Expect(sess.IsBound()).To(BeFalse())
			Expect(sess.Bind(second)).To(Succeed())
		})
	})

	Describe("AbortMessage()", func() {
		It("aborts through the connection", func() {
			sender := &fakeSender{}
			Expect(sess.Bind(sender)).To(Succeed())

			m := sess.NewMessage("text/plain", storage.NewMemoryContainerFrom([]byte("hi")))
			Expect(sess.Send(m)).To(Succeed())

			Expect(sess.AbortMessage(m.ID)).To(Succeed())
			Expect(sender.aborted).To(ConsistOf(m))
			Expect(m.IsAborted()).To(BeTrue())
		})

		It("drops a message that was never handed over", func() {
			m := sess.NewMessage("text/plain", storage.NewMemoryContainerFrom([]byte("hi")))
			Expect(sess.Send(m)).To(Succeed())
			Expect(sess.AbortMessage(m.ID)).To(Succeed())
			Expect(m.IsAborted()).To(BeTrue())
			Expect(sess.SentMessage(m.ID)).To(BeNil())
			Expect(sess.AbortMessage(m.ID)).To(MatchError(session.ErrNoSuchMessage))

			sender := &fakeSender{}
			Expect(sess.Bind(sender)).To(Succeed())
			Expect(sender.enqueued).To(BeEmpty())
		})

		It("fails for unknown messages", func() {
			Expect(sess.AbortMessage("nope")).To(MatchError(session.ErrNoSuchMessage))
		})
	})

	Describe("sent messages", func() {
		var m *protocol.Message

		report := func(code int, end int64) *protocol.Transaction {
			return protocol.NewReport("rep12345", m, protocol.StatusHeader{Code: code}, protocol.ByteRange{Start: 1, End: end, Total: 5})
		}

		BeforeEach(func() {
			m = sess.NewMessage("text/plain", storage.NewMemoryContainerFrom([]byte("hello")))
		})

		It("are forgotten once the last chunk went out when no success report is expected", func() {
			Expect(sess.Send(m)).To(Succeed())
			Expect(sess.SentMessage(m.ID)).To(BeIdenticalTo(m))

			sess.MessageSent(m)
			Expect(sess.SentMessage(m.ID)).To(BeNil())

			_, err := m.Container.Get(0, 1)
			Expect(err).To(MatchError(storage.ErrDisposed))
		})

		It("wait for a success report covering the whole message", func() {
			m.SuccessReport = true
			Expect(sess.Send(m)).To(Succeed())

			sess.MessageSent(m)
			Expect(sess.SentMessage(m.ID)).To(BeIdenticalTo(m))

			sess.ReportReceived(report(protocol.StatusOK, 3))
			Expect(sess.SentMessage(m.ID)).To(BeIdenticalTo(m))

			sess.ReportReceived(report(protocol.StatusOK, 5))
			Expect(sess.SentMessage(m.ID)).To(BeNil())
			Expect(m.Container.HasDataToRead()).To(BeFalse())
		})

		It("are forgotten on a failure report", func() {
			m.SuccessReport = true
			Expect(sess.Send(m)).To(Succeed())

			sess.ReportReceived(report(protocol.StatusStopSending, 3))
			Expect(sess.SentMessage(m.ID)).To(BeNil())
		})

		It("are not confused with a resent message of the same id", func() {
			Expect(sess.Send(m)).To(Succeed())

			other := sess.NewMessage("text/plain", storage.NewMemoryContainerFrom([]byte("again")))
			other.ID = m.ID
			Expect(sess.Send(other)).To(Succeed())

			sess.MessageSent(m)
			Expect(sess.SentMessage(m.ID)).To(BeIdenticalTo(other))
			Expect(other.Container.HasDataToRead()).To(BeTrue())
		})
	})

	Describe("IsRemote()", func() {
		It("compares the originator of the From-Path", func() {
			Expect(sess.IsRemote(mustPath("msrp://relay.example.com:2855/r1;tcp " + remote))).To(BeTrue())
			Expect(sess.IsRemote(mustPath("msrp://mallory.example.com:8888/9di4eae923wzd;tcp"))).To(BeFalse())
		})

		It("adopts the first From-Path when the remote is unknown", func() {
			s := stack.CreateSession(nil, nil)
			Expect(s.IsRemote(mustPath(remote))).To(BeTrue())
			Expect(s.Remote()).To(Equal(mustPath(remote)))
		})
	})

	It("Close() aborts messages being received and forgets the session", func() {
		m := protocol.NewIncomingMessage("87652491", 10, storage.NewMemoryContainer(0))
		sess.AddReceivingMessage(m)

		Expect(sess.Close()).To(Succeed())
		Expect(m.IsAborted()).To(BeTrue())
		Expect(stack.Lookup(sess.Local)).To(BeNil())
		Expect(sess.Send(sess.NewMessage("text/plain", storage.NewMemoryContainer(0)))).To(MatchError(session.ErrSessionClosed))
	})
})

var _ = Describe("Stack", func() {
	It("answers unknown sessions with 481", func() {
		stack := session.NewStack(session.Options{})

		_, err := stack.Resolve(mustPath("msrp://alice.example.com/unknown1;tcp")[0])
		Expect(protocol.StatusCode(err)).To(Equal(protocol.StatusNoSuchSession))
	})

	It("creates sessions on demand when asked to", func() {
		observer := &recordingObserver{}
		stack := session.NewStack(session.Options{AutoCreate: true, Observers: []session.Observer{observer}})

		uri := mustPath("msrp://alice.example.com/unknown1;tcp")[0]
		sess, err := stack.Resolve(uri)
		Expect(err).To(Succeed())
		Expect(sess.ID).To(Equal("unknown1"))

		again, err := stack.Resolve(uri)
		Expect(err).To(Succeed())
		Expect(again).To(BeIdenticalTo(sess))

		Expect(stack.Close()).To(Succeed())
		Expect(stack.Sessions()).To(BeEmpty())
		Expect(observer.created).To(Equal([]string{"unknown1"}))
		Expect(observer.closed).To(Equal([]string{"unknown1"}))
	})

	It("records progress through the default report mechanism", func() {
		store := storage.NewInmemoryStore()
		defer store.Close()

		stack := session.NewStack(session.Options{Progress: store})
		sess := stack.CreateSession(mustPath(remote), nil)

		m := protocol.NewIncomingMessage("87652491", 10, storage.NewMemoryContainer(0))
		m.Counter.Register(0, 4)
		stack.Reports().Received(sess, m)

		value, err := store.Get(context.Background(), "87652491")
		Expect(err).To(Succeed())
		Expect(string(value)).To(MatchJSON(`{"direction":"incoming","session":"` + sess.ID +
			`","transferred":4,"total":10,"state":"receiving"}`))
	})
})

var _ = Describe("DefaultReports", func() {
	var (
		store *storage.InmemoryStore
		sess  *session.Session
	)

	BeforeEach(func() {
		store = storage.NewInmemoryStore()
		sess = session.NewStack(session.Options{}).CreateSession(mustPath(remote), nil)
	})

	AfterEach(func() {
		store.Close()
	})

	It("removes the progress of a completed transfer after announcing it", func() {
		updates := store.ListenToUpdates()
		reports := &session.DefaultReports{Store: store}

		m := protocol.NewIncomingMessage("87652491", 4, storage.NewMemoryContainer(0))
		m.Counter.Register(0, 4)
		m.Counter.MarkEndOfMessage()
		reports.Received(sess, m)

		var update *storage.Update
		Expect(updates).To(Receive(&update))
		Expect(string(update.Value)).To(MatchJSON(`{"direction":"incoming","session":"` + sess.ID +
			`","transferred":4,"total":4,"state":"complete"}`))

		Expect(updates).To(Receive(&update))
		Expect(update.Value).To(BeNil())
		Expect(store.Get(context.Background(), "87652491")).To(BeNil())
	})

	It("keeps finished transfers for the retention period", func() {
		reports := &session.DefaultReports{Store: store, Retain: 50 * time.Millisecond}

		m := sess.NewMessage("text/plain", storage.NewMemoryContainerFrom([]byte("hi")))
		Expect(m.Abort()).To(Succeed())
		reports.Sent(sess, m)

		value, err := store.Get(context.Background(), m.ID)
		Expect(err).To(Succeed())
		Expect(gjson.GetBytes(value, "state").String()).To(Equal("aborted"))

		Eventually(func() ([]byte, error) {
			return store.Get(context.Background(), m.ID)
		}).Should(BeNil())
	})

	It("keeps transfers in progress", func() {
		reports := &session.DefaultReports{Store: store}

		m := protocol.NewIncomingMessage("87652491", 10, storage.NewMemoryContainer(0))
		m.Counter.Register(0, 4)
		reports.Received(sess, m)

		Consistently(func() ([]byte, error) {
			return store.Get(context.Background(), "87652491")
		}, 50*time.Millisecond).ShouldNot(BeNil())
	})
})

var _ = Describe("identifiers", func() {
	It("generates valid transaction ids", func() {
		for i := 0; i < 100; i++ {
			tid := session.NewTID()
			Expect(tid).To(HaveLen(session.TIDLength))
			Expect(protocol.ValidTID(tid)).To(BeTrue())
		}
	})

	It("generates Message-IDs that fit the header grammar", func() {
		id := session.NewMessageID()
		Expect(id).To(MatchRegexp(`^[0-9a-f]{32}$`))
		Expect(session.NewMessageID()).NotTo(Equal(id))
	})
})
