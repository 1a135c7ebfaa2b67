package client_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/msrpd/client"
	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
	"github.com/luma/msrpd/storage"
	"github.com/luma/msrpd/transport"
)

// echoListener sends every complete message straight back on its session.
type echoListener struct {
	session.NopListener
}

func (echoListener) ReceivedMessage(s *session.Session, m *protocol.Message) {
	body, err := m.Body()
	if err != nil {
		return
	}

	_ = s.Send(s.NewMessage(m.ContentType, storage.NewMemoryContainerFrom(body)))
}

var _ = Describe("Conn", func() {
	var (
		tcp  *transport.TCP
		conn *client.Conn
	)

	BeforeEach(func() {
		log := zap.NewNop()

		serverStack := session.NewStack(session.Options{
			Host:            "127.0.0.1",
			AutoCreate:      true,
			DefaultListener: echoListener{},
			Log:             log,
		})

		tcp = transport.NewTCP(transport.Options{
			Host:         "127.0.0.1",
			NumListeners: 1,
			WriteIdle:    50 * time.Millisecond,
			Stack:        serverStack,
			Log:          log,
		})
		Expect(tcp.Start(context.Background())).To(Succeed())

		clientStack := session.NewStack(session.Options{Host: "127.0.0.1", Log: log})
		conn = client.New(clientStack, log)
	})

	AfterEach(func() {
		Expect(tcp.Close()).To(Succeed())
	})

	It("refuses to send before connecting", func() {
		_, err := conn.Send(context.Background(), "text/plain", []byte("hi"))
		Expect(err).To(MatchError(client.ErrNotConnected))
	})

	It("rejects a malformed path", func() {
		Expect(conn.Connect(context.Background(), "http://example.com/")).ToNot(Succeed())
	})

	Context("when connected", func() {
		BeforeEach(func() {
			path := fmt.Sprintf("msrp://%s/echo1234;tcp", tcp.Addr())
			Expect(conn.Connect(context.Background(), path)).To(Succeed())
		})

		AfterEach(func() {
			Expect(conn.Disconnect()).To(Succeed())
		})

		It("sends a message and waits for the success report", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			id, err := conn.Send(ctx, "text/plain", []byte("Hello there"))
			Expect(err).To(Succeed())

			status, err := conn.WaitReport(ctx, id)
			Expect(err).To(Succeed())
			Expect(status.Code).To(Equal(protocol.StatusOK))
		})

		It("receives what the remote end sends", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := conn.Send(ctx, "text/plain", []byte("ping"))
			Expect(err).To(Succeed())

			var received *client.Received
			Eventually(conn.ReceivedChan(), 5*time.Second).Should(Receive(&received))
			Expect(received.ContentType).To(Equal("text/plain"))
			Expect(string(received.Body)).To(Equal("ping"))
		})

		It("does not wait for reports on unknown messages", func() {
			_, err := conn.WaitReport(context.Background(), "nope")
			Expect(err).To(MatchError(ContainSubstring("nope")))
		})
	})
})
