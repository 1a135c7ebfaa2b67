package protocol

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
)

var (
	ErrNotInterruptible = errors.New("Transaction cannot be interrupted")
	ErrCannotRewind     = errors.New("Transaction cannot be rewound")
)

// MaxNonSendBody is the largest body a request other than SEND may carry.
const MaxNonSendBody = 10240

type stage int

const (
	stageHeader stage = iota
	stageBody
	stageTail
	stageDrained
)

// Transaction is a single MSRP request or response, in either direction.
//
// Incoming transactions are filled in by the Parser. Outgoing ones produce
// their wire bytes through NextBytes; the header block is built when the
// first byte is pulled so that a continuation SEND picks up the read cursor
// left behind by the transaction it continues.
type Transaction struct {
	TID       string
	Kind      Kind
	Direction Direction
	Method    Method

	ToPath        []*URI
	FromPath      []*URI
	MessageID     string
	ByteRange     ByteRange
	ContentType   string
	FailureReport FailureReport
	SuccessReport bool
	Status        *StatusHeader

	// Response is the start line data of a response transaction. On an
	// outgoing request it holds the response received for it, if any.
	Response *Response

	Message *Message

	// Body holds the content of an incoming request other than SEND.
	Body []byte

	HasContentStuff bool

	mu          sync.Mutex
	flag        Flag
	interrupted bool
	completed   bool
	valid       bool
	err         error

	// body bytes stored (incoming) or produced (outgoing) by this transaction
	bodyBytes uint64

	stage     stage
	started   bool
	header    []byte
	headerOff int
	tail      []byte
	tailOff   int

	guard       *StreamValidator
	onCollision func(*Transaction)
}

func newTransaction(tid string, kind Kind, dir Direction) *Transaction {
	return &Transaction{
		TID:       tid,
		Kind:      kind,
		Direction: dir,
		ByteRange: ByteRange{Start: 1, End: Unknown, Total: Unknown},
		flag:      FlagEnd,
		valid:     true,
	}
}

// NewSend creates the outgoing SEND transaction that carries the next chunk
// of m.
func NewSend(tid string, m *Message) *Transaction {
	t := newTransaction(tid, KindSend, Outgoing)
	t.Method = SEND
	t.Message = m
	t.MessageID = m.ID
	t.ToPath = m.ToPath
	t.FromPath = m.FromPath
	t.ContentType = m.ContentType
	t.SuccessReport = m.SuccessReport
	t.FailureReport = m.FailureReport

	return t
}

// NewReport creates an outgoing REPORT about the incoming message m.
func NewReport(tid string, m *Message, status StatusHeader, br ByteRange) *Transaction {
	t := newTransaction(tid, KindReport, Outgoing)
	t.Method = REPORT
	t.Message = m
	t.MessageID = m.ID
	t.ToPath = m.FromPath
	t.FromPath = m.ToPath[:1]
	t.ByteRange = br
	t.Status = &status

	return t
}

// NewResponse creates the response to the incoming request req.
func NewResponse(req *Transaction, code int, comment string) *Transaction {
	t := newTransaction(req.TID, KindResponse, Outgoing)
	t.Response = &Response{Code: code, Comment: comment}
	t.ToPath = req.FromPath[:1]
	t.FromPath = req.ToPath[:1]
	t.Message = req.Message

	return t
}

// Flag returns the continuation flag. For an outgoing transaction it is only
// final once the end-line started.
func (t *Transaction) Flag() Flag {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.flag
}

func (t *Transaction) IsValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.valid
}

// Err is the reason the transaction was invalidated.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

func (t *Transaction) IsCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.completed
}

func (t *Transaction) IsInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.interrupted
}

// BodyBytes is the number of body bytes this transaction stored or produced.
func (t *Transaction) BodyBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.bodyBytes
}

func (t *Transaction) invalidate(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.valid {
		t.valid = false
		t.err = err
	}
}

func (t *Transaction) complete(flag Flag) {
	t.mu.Lock()
	t.flag = flag
	t.completed = true
	t.mu.Unlock()
}

// IsInterruptible reports whether t may be cut short in favour of a priority
// transaction. Only SEND transactions with a body qualify.
func (t *Transaction) IsInterruptible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.interruptibleLocked()
}

func (t *Transaction) interruptibleLocked() bool {
	if t.Kind != KindSend || t.Direction != Outgoing {
		return false
	}

	if !t.started {
		return t.Message.Container.HasDataToRead()
	}

	return t.HasContentStuff
}

// Started reports whether the writer pulled any byte of t.
func (t *Transaction) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.started
}

// SetResponse attaches the response received for an outgoing request.
func (t *Transaction) SetResponse(r *Response) {
	t.mu.Lock()
	t.Response = r
	t.mu.Unlock()
}

// Interrupt ends the body of t early with the '+' flag. It fails once the
// message was fully read or the end-line is already being written.
func (t *Transaction) Interrupt() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.interruptLocked()
}

func (t *Transaction) interruptLocked() error {
	if !t.interruptibleLocked() || t.interrupted || t.stage >= stageTail {
		return ErrNotInterruptible
	}

	if t.started && !t.Message.Container.HasDataToRead() {
		return ErrNotInterruptible
	}

	t.flag = FlagMore
	t.interrupted = true

	return nil
}

// Abort ends t with the '#' flag. It is always allowed; a transaction whose
// end-line is already underway keeps its flag.
func (t *Transaction) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stage >= stageTail {
		return
	}

	t.flag = FlagAbort
	t.interrupted = true
}

// Rewind moves the message read cursor back n bytes, handing them to the
// next transaction.
func (t *Transaction) Rewind(n uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rewindLocked(n)
}

func (t *Transaction) rewindLocked(n uint64) error {
	if !t.HasContentStuff || t.Response != nil || n > t.bodyBytes {
		return ErrCannotRewind
	}

	if err := t.Message.Container.RewindRead(n); err != nil {
		return err
	}

	t.bodyBytes -= n

	return nil
}

// SetValidator makes NextBytes check the body it produces against the
// end-line of t. onCollision runs, outside of any lock, after t cut itself
// short because of a collision.
func (t *Transaction) SetValidator(v *StreamValidator, onCollision func(*Transaction)) {
	t.mu.Lock()
	t.guard = v
	t.onCollision = onCollision
	t.mu.Unlock()
}

// IsDrained is true once every byte of t was pulled.
func (t *Transaction) IsDrained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stage == stageDrained
}

// NextBytes fills p with the next wire bytes of an outgoing transaction and
// returns how many were written. It returns 0 once the transaction is
// drained.
func (t *Transaction) NextBytes(p []byte) int {
	t.mu.Lock()
	n, collided := t.nextLocked(p)
	hook := t.onCollision
	t.mu.Unlock()

	if collided && hook != nil {
		hook(t)
	}

	return n
}

func (t *Transaction) nextLocked(p []byte) (n int, collided bool) {
	if !t.started {
		t.started = true
		t.header = t.buildHeader()
	}

	for n < len(p) {
		switch t.stage {
		case stageHeader:
			c := copy(p[n:], t.header[t.headerOff:])
			t.headerOff += c
			n += c

			if t.headerOff == len(t.header) {
				t.stage = stageBody
			}

		case stageBody:
			if !t.HasContentStuff || t.interrupted || !t.Message.Container.HasDataToRead() {
				t.beginTail()
				continue
			}

			r, err := t.Message.Container.Read(p[n:])
			if err != nil && !errors.Is(err, io.EOF) {
				t.flag = FlagAbort
				t.interrupted = true
				t.err = err
				continue
			}

			if t.guard != nil && r > 0 {
				if keep, found := t.guard.Inspect(p[n : n+r]); found {
					t.bodyBytes += uint64(r)

					// The bytes from the flag on belong to the continuation.
					if err := t.rewindLocked(uint64(r - keep)); err == nil {
						r = keep
						collided = t.interruptLocked() == nil
					}

					n += r
					continue
				}
			}

			n += r
			t.bodyBytes += uint64(r)

		case stageTail:
			c := copy(p[n:], t.tail[t.tailOff:])
			t.tailOff += c
			n += c

			if t.tailOff == len(t.tail) {
				t.stage = stageDrained
				t.completed = true
			}

		default:
			return n, collided
		}
	}

	return n, collided
}

// beginTail fixes the continuation flag and builds the end-line.
func (t *Transaction) beginTail() {
	if !t.interrupted {
		t.flag = FlagEnd
	}

	if t.Kind == KindSend && t.flag == FlagEnd {
		t.ByteRange.End = int64(t.ByteRange.Start) - 1 + int64(t.bodyBytes)
	}

	var b bytes.Buffer
	if t.HasContentStuff {
		b.Write(Terminal)
	}
	b.Write(EndLine(t.TID, t.flag))

	t.tail = b.Bytes()
	t.stage = stageTail
}

func (t *Transaction) buildHeader() []byte {
	var b bytes.Buffer

	switch t.Kind {
	case KindResponse:
		_ = WriteResponseLine(&b, t.TID, t.Response.Code, t.Response.Comment)
		_ = WritePaths(&b, t.ToPath, t.FromPath)

	case KindSend:
		m := t.Message
		size := m.Size()

		t.ByteRange = ByteRange{
			Start: m.Container.CurrentReadOffset() + 1,
			End:   Unknown,
			Total: size,
		}

		if size == 0 {
			t.ByteRange.End = 0
		}

		t.HasContentStuff = m.Container.HasDataToRead()

		_ = WriteRequestLine(&b, t.TID, SEND)
		_ = WritePaths(&b, t.ToPath, t.FromPath)
		_ = WriteHeader(&b, HeaderMessageID, t.MessageID)
		_ = WriteHeader(&b, HeaderByteRange, t.ByteRange.String())

		if t.SuccessReport {
			_ = WriteHeader(&b, HeaderSuccessReport, "yes")
		}

		if t.FailureReport != FailureReportYes {
			_ = WriteHeader(&b, HeaderFailureReport, t.FailureReport.String())
		}

		if t.HasContentStuff {
			_ = WriteHeader(&b, HeaderContentType, t.ContentType)
			b.Write(Terminal)
		}

	case KindReport:
		_ = WriteRequestLine(&b, t.TID, REPORT)
		_ = WritePaths(&b, t.ToPath, t.FromPath)
		_ = WriteHeader(&b, HeaderMessageID, t.MessageID)
		_ = WriteHeader(&b, HeaderByteRange, t.ByteRange.String())
		_ = WriteHeader(&b, HeaderStatus, t.Status.String())
	}

	return b.Bytes()
}

func (t *Transaction) String() string {
	s := t.Kind.String() + " " + t.TID
	if t.Response != nil {
		s += " " + strconv.Itoa(t.Response.Code)
	}

	return s
}
