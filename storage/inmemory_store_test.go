package storage_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/msrpd/storage"
)

var _ = Describe("storage / InmemoryStore", func() {
	Describe("Close()", func() {
		It("does not panic when closed twice", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(func() { store.Close() }).NotTo(Panic())
			Expect(func() { store.Close() }).NotTo(Panic())
		})

		It("closes listener channels", func() {
			store := storage.NewInmemoryStore()
			updateChan := store.ListenToUpdates()

			Expect(store.Close()).To(Succeed())
			Eventually(updateChan).Should(BeClosed())
		})
	})

	It("an empty inmemory store equals {}", func() {
		store := storage.NewInmemoryStore()
		defer store.Close()

		value, err := store.Backup()
		Expect(err).To(Succeed())
		Expect(string(value)).To(Equal(`{}`))
	})

	Describe("Set() / Get()", func() {
		It("can read a key that is written", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			err := store.Set(context.Background(), "foo", "bar")
			Expect(err).To(Succeed())

			Expect(store.Get(context.Background(), "foo")).To(Equal([]byte(`"bar"`)))

			value, err := store.Backup()
			Expect(err).To(Succeed())
			Expect(string(value)).To(Equal(`{"foo":"bar"}`))
		})

		It("treats dots in message IDs as part of the key", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(store.Set(context.Background(), "a.b", 1)).To(Succeed())

			value, err := store.Backup()
			Expect(err).To(Succeed())
			Expect(string(value)).To(Equal(`{"a.b":1}`))
			Expect(store.Get(context.Background(), "a.b")).To(Equal([]byte(`1`)))
		})

		It("returns nil for unknown keys", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(store.Get(context.Background(), "nope")).To(BeNil())
		})

		It("sends on the update channel when values are set", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			updateChan := store.ListenToUpdates()
			err := store.Set(context.Background(), "foo", "bar")
			Expect(err).To(Succeed())

			update, ok := <-updateChan
			Expect(ok).To(BeTrue())
			Expect(update).To(Equal(&storage.Update{
				Key:   "foo",
				Value: []byte(`"bar"`),
			}))
		})
	})

	Describe("TrackProgress()", func() {
		It("stores the progress as a JSON object", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			err := store.TrackProgress(context.Background(), "msg1", storage.Progress{
				Direction:   "incoming",
				Session:     "abc",
				Transferred: 10,
				Total:       20,
				State:       "receiving",
			})
			Expect(err).To(Succeed())

			value, err := store.Get(context.Background(), "msg1")
			Expect(err).To(Succeed())
			Expect(string(value)).To(MatchJSON(
				`{"direction":"incoming","session":"abc","transferred":10,"total":20,"state":"receiving"}`))
		})

		It("can be deleted", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(store.TrackProgress(context.Background(), "msg1", storage.Progress{})).To(Succeed())
			Expect(store.Delete(context.Background(), "msg1")).To(Succeed())
			Expect(store.Get(context.Background(), "msg1")).To(BeNil())
		})
	})
})
