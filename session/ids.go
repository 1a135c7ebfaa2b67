package session

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TIDLength       = 8
	SessionIDLength = 16

	alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	randMu  sync.Mutex
	randSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randomString(n int) string {
	b := make([]byte, n)

	randMu.Lock()
	for i := range b {
		b[i] = alphanumeric[randSrc.Intn(len(alphanumeric))]
	}
	randMu.Unlock()

	return string(b)
}

// NewTID returns a random transaction identifier.
func NewTID() string {
	return randomString(TIDLength)
}

func NewSessionID() string {
	return randomString(SessionIDLength)
}

// NewMessageID returns a random UUID without its hyphens, which keeps it within
// the 32 characters a Message-ID may have.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
