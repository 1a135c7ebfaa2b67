package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrFraming is fatal to the connection: the stream cannot be split into
	// transactions any more.
	ErrFraming = errors.New("MSRP framing error")

	ErrHeaderTooLarge = fmt.Errorf("%w: header block too large", ErrFraming)
	ErrCarryOverflow  = fmt.Errorf("%w: carry buffer overflow", ErrFraming)
)

const (
	// MaxHeaderSize bounds the header block of a single transaction.
	MaxHeaderSize = 16 * 1024

	maxTIDLength = 20

	// CRLF, seven hyphens, the tid, the flag and the closing CRLF, with some
	// slack.
	carryCap = 44
)

// FrameSink receives the runs a Scanner classifies.
type FrameSink interface {
	// OnHeader receives the header block of a transaction, start line
	// included and the blank line excluded. hasBody tells whether the block
	// ended with a blank line. The slice is only valid during the call.
	OnHeader(tid string, header []byte, hasBody bool) error

	// OnBody receives the next run of body bytes. The slice is only valid
	// during the call.
	OnBody(data []byte) error

	// OnEnd reports the end-line of the current transaction.
	OnEnd(flag Flag) error
}

type Mode int

const (
	ModeHeaders Mode = iota
	ModeBody
)

// Scanner splits an incoming byte stream into transactions. It is fed
// whatever the socket returned and keeps enough state to continue where the
// previous Feed stopped.
//
// In header mode input is handled line by line: the start line names the tid,
// a blank line switches to body mode and an end-line closes a transaction
// that has no body. In body mode the scanner looks for
// `\r\n-------<tid><flag>\r\n`; bytes that might be the beginning of it are
// held back in a small carry buffer until the match either completes or
// fails.
type Scanner struct {
	sink FrameSink
	mode Mode

	tid    string
	header []byte
	line   []byte

	// "\r\n-------" + tid
	pattern []byte
	state   int
	flag    Flag

	carry    [carryCap]byte
	carryLen int
}

func NewScanner(sink FrameSink) *Scanner {
	return &Scanner{
		sink:   sink,
		header: make([]byte, 0, 512),
	}
}

func (s *Scanner) Mode() Mode {
	return s.mode
}

// Feed consumes the next chunk of the stream. Errors returned by Feed are
// fatal to the connection.
func (s *Scanner) Feed(data []byte) error {
	for len(data) > 0 {
		if s.mode == ModeBody {
			n, err := s.scanBody(data)
			if err != nil {
				return err
			}

			data = data[n:]
			continue
		}

		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			s.line = append(s.line, data...)
			return s.checkHeaderSize()
		}

		s.line = append(s.line, data[:idx+1]...)
		data = data[idx+1:]

		if err := s.checkHeaderSize(); err != nil {
			return err
		}

		err := s.headerLine(RemoveTrailingCR(s.line[:len(s.line)-1]))
		s.line = s.line[:0]

		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Scanner) checkHeaderSize() error {
	if len(s.header)+len(s.line) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	return nil
}

func (s *Scanner) headerLine(line []byte) error {
	if s.tid == "" {
		if len(line) == 0 {
			// Stray line breaks between transactions.
			return nil
		}

		tid, err := startLineTID(line)
		if err != nil {
			return err
		}

		s.begin(tid)
		s.appendHeader(line)
		return nil
	}

	if len(line) == 0 {
		s.mode = ModeBody
		s.state = 0
		return s.sink.OnHeader(s.tid, s.header, true)
	}

	if flag, ok := s.isEndLine(line); ok {
		if err := s.sink.OnHeader(s.tid, s.header, false); err != nil {
			return err
		}

		s.reset()
		return s.sink.OnEnd(flag)
	}

	s.appendHeader(line)
	return nil
}

func (s *Scanner) appendHeader(line []byte) {
	s.header = append(s.header, line...)
	s.header = append(s.header, '\r', '\n')
}

func (s *Scanner) begin(tid string) {
	s.tid = tid
	s.header = s.header[:0]
	s.pattern = append(append(append(s.pattern[:0], '\r', '\n'), EndHyphens...), tid...)
}

func (s *Scanner) reset() {
	s.tid = ""
	s.header = s.header[:0]
	s.mode = ModeHeaders
	s.state = 0
	s.carryLen = 0
}

func (s *Scanner) isEndLine(line []byte) (Flag, bool) {
	want := len(EndHyphens) + len(s.tid) + 1
	if len(line) != want {
		return 0, false
	}

	if !bytes.HasPrefix(line, EndHyphens) || string(line[len(EndHyphens):want-1]) != s.tid {
		return 0, false
	}

	flag := line[want-1]
	if !IsFlag(flag) {
		return 0, false
	}

	return Flag(flag), true
}

// startLineTID extracts the tid from `MSRP <tid> ...`.
func startLineTID(line []byte) (string, error) {
	if !bytes.HasPrefix(line, []byte("MSRP ")) {
		return "", fmt.Errorf("%w: expected a start line, got '%.40s'", ErrFraming, line)
	}

	rest := line[5:]
	end := bytes.IndexByte(rest, ' ')
	if end < 0 {
		return "", fmt.Errorf("%w: start line without method or status", ErrFraming)
	}

	tid := string(rest[:end])
	if len(tid) > maxTIDLength || !ValidTID(tid) {
		return "", fmt.Errorf("%w: invalid transaction id '%s'", ErrFraming, tid)
	}

	return tid, nil
}

// full is the number of states of the end-line matcher: the pattern, the flag
// and the closing CRLF.
func (s *Scanner) full() int {
	return len(s.pattern) + 3
}

// advance feeds one byte into the end-line matcher and reports whether it
// extended the current match.
func (s *Scanner) advance(b byte) bool {
	p := len(s.pattern)

	switch {
	case s.state < p:
		return b == s.pattern[s.state]

	case s.state == p:
		if IsFlag(b) {
			s.flag = Flag(b)
			return true
		}
		return false

	case s.state == p+1:
		return b == '\r'

	default:
		return b == '\n'
	}
}

// scanBody consumes body bytes until the end-line of the current transaction
// or the end of data. It returns the number of bytes consumed.
func (s *Scanner) scanBody(data []byte) (int, error) {
	// from is where the current partial match began in data, -1 when it
	// began in an earlier Feed and lives in the carry buffer. Body bytes of
	// data are only handed over once their fate is known.
	from := -1

	for i := 0; i < len(data); i++ {
		b := data[i]

		if s.state == 0 {
			if b == '\r' {
				s.state, from = 1, i
			}
			continue
		}

		if s.advance(b) {
			s.state++

			if s.state < s.full() {
				continue
			}

			if from > 0 {
				if err := s.sink.OnBody(data[:from]); err != nil {
					return 0, err
				}
			}

			flag := s.flag
			s.reset()

			return i + 1, s.sink.OnEnd(flag)
		}

		// Mismatch: whatever was held back is body after all. Then look at b
		// again from the initial state.
		if s.carryLen > 0 {
			if err := s.sink.OnBody(s.carry[:s.carryLen]); err != nil {
				return 0, err
			}
			s.carryLen = 0
		}

		s.state, from = 0, -1
		if b == '\r' {
			s.state, from = 1, i
		}
	}

	if s.state == 0 {
		if err := s.sink.OnBody(data); err != nil {
			return 0, err
		}

		return len(data), nil
	}

	held := data
	if from >= 0 {
		if from > 0 {
			if err := s.sink.OnBody(data[:from]); err != nil {
				return 0, err
			}
		}

		held = data[from:]
	}

	if s.carryLen+len(held) > carryCap {
		return 0, ErrCarryOverflow
	}

	s.carryLen += copy(s.carry[s.carryLen:], held)

	return len(data), nil
}

// RemoveTrailingCR strips an optional trailing '\r'.
func RemoveTrailingCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		// Remove the optional trailing \r
		return data[:len(data)-1]
	}

	return data
}
