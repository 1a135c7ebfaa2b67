package transport_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
	"github.com/luma/msrpd/storage"
	"github.com/luma/msrpd/transport"
)

var _ = Describe("transport", func() {
	var (
		tcp            *transport.TCP
		serverListener *recordingListener
		serverStack    *session.Stack
	)

	BeforeEach(func() {
		serverListener = &recordingListener{}
		tcp, serverStack = makeTCPServer(serverListener)
	})

	AfterEach(func() {
		Expect(tcp.Close()).To(Succeed())
	})

	Describe("TCP", func() {
		It("listens on the desired port", func() {
			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			conn.Close()
		})

		It("closes the connection on a framing error", func() {
			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			_, err = conn.Write([]byte("GET / HTTP/1.1\r\n"))
			Expect(err).To(Succeed())

			waitForClose(conn)
		})

		It("answers unknown methods on a raw connection", func() {
			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			_, err = conn.Write([]byte("MSRP a786hjs2 NICKNAME\r\n" +
				"To-Path: " + serverPath(tcp, "a1b2c3d4e5")[0].String() + "\r\n" +
				"From-Path: " + local + "\r\n" +
				"-------a786hjs2$\r\n"))
			Expect(err).To(Succeed())

			line, err := readLine(conn)
			Expect(err).To(Succeed())
			Expect(string(line)).To(Equal("MSRP a786hjs2 501 unknown method NICKNAME"))

			line, err = readLine(conn)
			Expect(err).To(Succeed())
			Expect(string(line)).To(Equal("To-Path: " + local))
		})
	})

	Describe("Dial", func() {
		It("sends messages to a listening endpoint", func() {
			clientListener := &recordingListener{}
			clientStack := session.NewStack(session.Options{Host: "127.0.0.1", Log: zap.NewNop()})

			sess := clientStack.CreateSession(serverPath(tcp, "a1b2c3d4e5"), clientListener)
			sess.SuccessReport = true

			conn, err := transport.DialSession(context.Background(), sess, transport.Options{
				Stack:     clientStack,
				WriteIdle: 50 * time.Millisecond,
				Log:       zap.NewNop(),
			})
			Expect(err).To(Succeed())
			defer conn.Close()

			payload := make([]byte, 300*1024)
			rand.New(rand.NewSource(2855)).Read(payload)

			msg := sess.NewMessage("application/octet-stream", storage.NewMemoryContainerFrom(payload))
			Expect(sess.Send(msg)).To(Succeed())

			Eventually(serverListener.Messages, 5*time.Second).Should(HaveLen(1))
			body, err := serverListener.Messages()[0].Body()
			Expect(err).To(Succeed())
			Expect(bytes.Equal(body, payload)).To(BeTrue())

			Eventually(clientListener.Reports, 5*time.Second).Should(HaveLen(1))
			Eventually(clientListener.Responses, 5*time.Second).ShouldNot(BeEmpty())
			for _, r := range clientListener.Responses() {
				Expect(r.Code).To(Equal(protocol.StatusOK))
			}

			Expect(serverStack.Session("a1b2c3d4e5")).NotTo(BeNil())
		})

		It("gives up on the connection when the session is bound elsewhere", func() {
			clientStack := session.NewStack(session.Options{Host: "127.0.0.1", Log: zap.NewNop()})
			sess := clientStack.CreateSession(serverPath(tcp, "a1b2c3d4e5"), nil)

			other := transport.NewManager(clientStack, zap.NewNop())
			Expect(other.BindSession(sess)).To(Succeed())

			conn, err := transport.DialSession(context.Background(), sess, transport.Options{
				Stack: clientStack,
				Log:   zap.NewNop(),
			})
			Expect(err).To(MatchError(session.ErrAlreadyBound))
			Expect(conn).To(BeNil())
			Expect(sess.IsBound()).To(BeTrue())
			Expect(serverStack.Session("a1b2c3d4e5")).To(BeNil())
		})

		It("refuses msrps", func() {
			uri, err := protocol.ParseURI("msrps://127.0.0.1:2855/abc;tcp")
			Expect(err).To(Succeed())

			_, err = transport.Dial(context.Background(), uri, transport.Options{Log: zap.NewNop()})
			Expect(err).To(HaveOccurred())
		})
	})
})

func serverPath(tcp *transport.TCP, sessionID string) []*protocol.URI {
	return mustPath(fmt.Sprintf("msrp://%s/%s;tcp", tcp.Addr(), sessionID))
}

func waitForClose(conn net.Conn) {
	// Wait to our client to be disconnected by the server
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

	one := make([]byte, 1)
	for {
		_, err := conn.Read(one)
		if err == nil {
			continue
		}

		timeoutErr, ok := err.(net.Error)
		Expect(ok && timeoutErr.Timeout()).To(BeFalse(), "The client was never closed by the server")
		return
	}
}

func makeTCPServer(listener session.Listener) (*transport.TCP, *session.Stack) {
	log := zap.NewNop()

	stack := session.NewStack(session.Options{
		Host:            "127.0.0.1",
		AutoCreate:      true,
		DefaultListener: listener,
		Log:             log,
	})

	tcp := transport.NewTCP(transport.Options{
		Host:         "127.0.0.1",
		Log:          log,
		NumListeners: 1,
		Port:         0,
		WriteIdle:    50 * time.Millisecond,
		Reuseport:    true,
		Stack:        stack,
	})

	Expect(tcp.Start(context.Background())).To(Succeed())

	return tcp, stack
}

func readLine(conn net.Conn) ([]byte, error) {
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

	var line []byte
	one := make([]byte, 1)

	for {
		if _, err := conn.Read(one); err != nil {
			return nil, err
		}

		if one[0] == '\n' {
			return protocol.RemoveTrailingCR(line), nil
		}

		line = append(line, one[0])
	}
}
