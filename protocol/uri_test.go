package protocol_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/msrpd/protocol"
)

var _ = Describe("URI", func() {
	It("parses every part", func() {
		u, err := protocol.ParseURI("msrps://alice@atlanta.example.com:7654/jshA7weztas;tcp")
		Expect(err).To(Succeed())
		Expect(u).To(Equal(&protocol.URI{
			Secure:    true,
			Host:      "atlanta.example.com",
			Port:      7654,
			SessionID: "jshA7weztas",
			Transport: "tcp",
		}))
		Expect(u.Address()).To(Equal("atlanta.example.com:7654"))
	})

	It("drops the userinfo when formatting", func() {
		u, err := protocol.ParseURI("msrp://bob@[2001:db8::1]/s1234;TCP")
		Expect(err).To(Succeed())
		Expect(u.String()).To(Equal("msrp://[2001:db8::1]/s1234;tcp"))
		Expect(u.Address()).To(Equal("[2001:db8::1]:2855"))
	})

	It("rejects URIs without transport", func() {
		_, err := protocol.ParseURI("msrp://bob.example.com:8888/9di4eae923wzd")
		Expect(err).To(MatchError(protocol.ErrInvalidURI))
	})

	It("rejects other schemes", func() {
		_, err := protocol.ParseURI("sip://bob.example.com;tcp")
		Expect(err).To(MatchError(protocol.ErrInvalidURI))
	})

	It("compares hosts case insensitively", func() {
		a, _ := protocol.ParseURI("msrp://Bob.Example.com:8888/9di4eae923wzd;tcp")
		b, _ := protocol.ParseURI("msrp://bob.example.com:8888/9di4eae923wzd;TCP")
		c, _ := protocol.ParseURI("msrp://bob.example.com:8888/other;tcp")

		Expect(a.Equal(b)).To(BeTrue())
		Expect(a.Equal(c)).To(BeFalse())
	})

	It("parses and formats paths", func() {
		value := "msrp://relay.example.com:2855/r1;tcp " + toPath

		path, err := protocol.ParsePath(value)
		Expect(err).To(Succeed())
		Expect(path).To(HaveLen(2))
		Expect(protocol.FormatPath(path)).To(Equal(value))

		_, err = protocol.ParsePath("msrp://a.example.com;tcp  " + toPath)
		Expect(err).To(MatchError(protocol.ErrInvalidURI))
	})
})
