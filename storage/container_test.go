package storage_test

import (
	"io"
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/storage"
)

// Shared behaviour of every DataContainer.
func itBehavesLikeAContainer(makeContainer func() protocol.DataContainer) {
	var c protocol.DataContainer

	BeforeEach(func() {
		c = makeContainer()
	})

	AfterEach(func() {
		Expect(c.Dispose()).To(Succeed())
	})

	It("stores chunks put out of order", func() {
		Expect(c.Put(5, []byte("world"))).To(Succeed())
		Expect(c.Put(0, []byte("hello"))).To(Succeed())

		Expect(c.Size()).To(Equal(uint64(10)))
		Expect(c.Get(0, 10)).To(Equal([]byte("helloworld")))
		Expect(c.Get(3, 4)).To(Equal([]byte("lowo")))
	})

	It("refuses to read beyond the end", func() {
		Expect(c.Put(0, []byte("abc"))).To(Succeed())

		_, err := c.Get(2, 5)
		Expect(err).To(MatchError(storage.ErrOutOfRange))
	})

	It("reads sequentially and can rewind", func() {
		Expect(c.Put(0, []byte("abcdef"))).To(Succeed())

		buf := make([]byte, 4)
		n, err := c.Read(buf)
		Expect(err).To(Succeed())
		Expect(string(buf[:n])).To(Equal("abcd"))
		Expect(c.CurrentReadOffset()).To(Equal(uint64(4)))

		Expect(c.RewindRead(2)).To(Succeed())
		Expect(c.CurrentReadOffset()).To(Equal(uint64(2)))

		n, err = c.Read(buf)
		Expect(err).To(Succeed())
		Expect(string(buf[:n])).To(Equal("cdef"))
		Expect(c.HasDataToRead()).To(BeFalse())

		_, err = c.Read(buf)
		Expect(err).To(MatchError(io.EOF))
	})

	It("does not rewind before the start", func() {
		Expect(c.Put(0, []byte("ab"))).To(Succeed())
		Expect(c.RewindRead(1)).To(MatchError(storage.ErrRewindBefore))
	})

	It("refuses access once disposed", func() {
		Expect(c.Put(0, []byte("ab"))).To(Succeed())
		Expect(c.Dispose()).To(Succeed())

		Expect(c.Put(2, []byte("c"))).To(MatchError(storage.ErrDisposed))
		Expect(c.HasDataToRead()).To(BeFalse())
	})
}

var _ = Describe("storage / MemoryContainer", func() {
	itBehavesLikeAContainer(func() protocol.DataContainer {
		return storage.NewMemoryContainer(0)
	})

	It("enforces its limit", func() {
		c := storage.NewMemoryContainer(4)
		Expect(c.Put(2, []byte("abc"))).To(MatchError(storage.ErrTooLarge))
	})

	It("refuses offsets past the default limit without allocating", func() {
		c := storage.NewMemoryContainer(0)
		Expect(c.Put(1<<62, []byte("abc"))).To(MatchError(storage.ErrTooLarge))
		Expect(c.Put(1<<64-2, []byte("abc"))).To(MatchError(storage.ErrTooLarge))
		Expect(c.Put(storage.DefaultMemoryLimit, []byte("a"))).To(MatchError(storage.ErrTooLarge))
		Expect(c.Size()).To(BeZero())
	})

	It("does not grow a wrapped body", func() {
		c := storage.NewMemoryContainerFrom([]byte("abc"))
		Expect(c.Put(1, []byte("xy"))).To(Succeed())
		Expect(c.Put(3, []byte("d"))).To(MatchError(storage.ErrTooLarge))
	})
})

var _ = Describe("storage / FileContainer", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "msrpd-storage")
		Expect(err).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	itBehavesLikeAContainer(func() protocol.DataContainer {
		c, err := storage.NewFileContainer(dir)
		Expect(err).To(Succeed())
		return c
	})

	It("removes its file on Dispose", func() {
		c, err := storage.NewFileContainer(dir)
		Expect(err).To(Succeed())
		Expect(c.Put(0, []byte("x"))).To(Succeed())
		Expect(c.Dispose()).To(Succeed())

		entries, err := os.ReadDir(dir)
		Expect(err).To(Succeed())
		Expect(entries).To(BeEmpty())
	})
})

var _ = Describe("storage / Factory", func() {
	It("uses memory below the threshold and files above it", func() {
		dir, err := os.MkdirTemp("", "msrpd-factory")
		Expect(err).To(Succeed())
		defer os.RemoveAll(dir)

		f := storage.Factory{Dir: dir, Threshold: 100}

		small, err := f.New(10)
		Expect(err).To(Succeed())
		Expect(small).To(BeAssignableToTypeOf(&storage.MemoryContainer{}))

		large, err := f.New(1000)
		Expect(err).To(Succeed())
		Expect(large).To(BeAssignableToTypeOf(&storage.FileContainer{}))
		Expect(large.Dispose()).To(Succeed())

		unknown, err := f.New(protocol.SizeUnknown)
		Expect(err).To(Succeed())
		Expect(unknown).To(BeAssignableToTypeOf(&storage.FileContainer{}))
		Expect(unknown.Dispose()).To(Succeed())
	})

	It("uses memory when no directory is configured", func() {
		c, err := storage.Factory{}.New(protocol.SizeUnknown)
		Expect(err).To(Succeed())
		Expect(c).To(BeAssignableToTypeOf(&storage.MemoryContainer{}))
		Expect(c.Put(storage.DefaultMemoryLimit, []byte("a"))).To(MatchError(storage.ErrTooLarge))
	})

	It("refuses announced sizes beyond the memory limit", func() {
		_, err := storage.Factory{}.New(1 << 62)
		Expect(err).To(MatchError(storage.ErrTooLarge))

		_, err = storage.Factory{MemoryLimit: 10}.New(11)
		Expect(err).To(MatchError(storage.ErrTooLarge))

		c, err := storage.Factory{MemoryLimit: 10}.New(10)
		Expect(err).To(Succeed())
		Expect(c.Put(0, []byte("0123456789"))).To(Succeed())
	})
})
