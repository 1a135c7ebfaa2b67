package protocol_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/msrpd/protocol"
)

// naiveCounter is a bitset reference for Counter.
type naiveCounter struct {
	seen []bool
}

func (n *naiveCounter) register(start, length int) {
	for i := start; i < start+length; i++ {
		n.seen[i] = true
	}
}

func (n *naiveCounter) count() uint64 {
	c := uint64(0)
	for _, s := range n.seen {
		if s {
			c++
		}
	}
	return c
}

func (n *naiveCounter) prefix() uint64 {
	p := uint64(0)
	for _, s := range n.seen {
		if !s {
			break
		}
		p++
	}
	return p
}

var _ = Describe("Counter", func() {
	It("counts disjoint, adjacent and overlapping ranges once", func() {
		c := protocol.NewCounter()

		Expect(c.Register(10, 10)).To(BeFalse())
		Expect(c.Count()).To(Equal(uint64(10)))
		Expect(c.ContiguousLen()).To(Equal(uint64(0)))

		// adjacent on the left, fills the prefix
		Expect(c.Register(0, 10)).To(BeTrue())
		Expect(c.Count()).To(Equal(uint64(20)))
		Expect(c.ContiguousLen()).To(Equal(uint64(20)))

		// repeated
		Expect(c.Register(5, 10)).To(BeFalse())
		Expect(c.Count()).To(Equal(uint64(20)))

		Expect(c.Register(30, 5)).To(BeFalse())
		Expect(c.Count()).To(Equal(uint64(25)))

		// superset of an existing range, bridging the gap
		Expect(c.Register(15, 25)).To(BeTrue())
		Expect(c.Count()).To(Equal(uint64(40)))
		Expect(c.ContiguousLen()).To(Equal(uint64(40)))
	})

	It("ignores empty registrations", func() {
		c := protocol.NewCounter()
		Expect(c.Register(3, 0)).To(BeFalse())
		Expect(c.Count()).To(BeZero())
	})

	It("matches a bitset for random ranges", func() {
		r := rand.New(rand.NewSource(4975))

		for round := 0; round < 200; round++ {
			size := 1 + r.Intn(300)
			c := protocol.NewCounter()
			ref := &naiveCounter{seen: make([]bool, size)}

			for k := 0; k < 1+r.Intn(40); k++ {
				start := r.Intn(size)
				length := r.Intn(size - start + 1)

				c.Register(uint64(start), uint64(length))
				ref.register(start, length)

				Expect(c.Count()).To(Equal(ref.count()), "round %d", round)
				Expect(c.ContiguousLen()).To(Equal(ref.prefix()), "round %d", round)
			}
		}
	})

	Describe("IsComplete()", func() {
		It("needs the end of the message", func() {
			c := protocol.NewCounter()
			c.Register(0, 50)
			c.Register(50, 50)
			Expect(c.IsComplete()).To(BeFalse())

			c.MarkEndOfMessage()
			Expect(c.IsComplete()).To(BeTrue())
		})

		It("is false while there are holes", func() {
			c := protocol.NewCounter()
			c.Register(50, 50)
			c.MarkEndOfMessage()
			Expect(c.IsComplete()).To(BeFalse())

			c.Register(0, 50)
			Expect(c.IsComplete()).To(BeTrue())
		})

		It("is true for an empty message", func() {
			c := protocol.NewCounter()
			c.MarkEndOfMessage()
			Expect(c.IsComplete()).To(BeTrue())
		})
	})
})
