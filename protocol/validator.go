package protocol

// StreamValidator watches the body bytes of an outgoing SEND for an
// accidental `-------<tid><flag>`, which the receiver would take for the
// end of the transaction. It belongs to the writer and must be Reset for
// every transaction since the pattern depends on the tid.
type StreamValidator struct {
	pattern []byte
	state   int

	// fail[i] is the length of the longest proper prefix of pattern[:i+1]
	// that is also its suffix.
	fail []int
}

func NewStreamValidator() *StreamValidator {
	return &StreamValidator{}
}

// Reset discards any partial match and arms the validator for tid.
func (v *StreamValidator) Reset(tid string) {
	v.pattern = append(append(v.pattern[:0], EndHyphens...), tid...)
	v.fail = failureTable(v.fail[:0], v.pattern)
	v.state = 0
}

func failureTable(fail []int, pattern []byte) []int {
	fail = append(fail, 0)
	k := 0

	for i := 1; i < len(pattern); i++ {
		for k > 0 && pattern[i] != pattern[k] {
			k = fail[k-1]
		}

		if pattern[i] == pattern[k] {
			k++
		}

		fail = append(fail, k)
	}

	return fail
}

// Inspect scans the next run of body bytes. When the run completes a
// colliding end-line it returns the index of the flag byte: the bytes before
// it may still be sent in the current transaction, the rest must be handed
// over to a continuation.
func (v *StreamValidator) Inspect(body []byte) (keep int, found bool) {
	if len(v.pattern) == 0 {
		return len(body), false
	}

	for i, b := range body {
		if v.state == len(v.pattern) {
			if IsFlag(b) {
				v.state = 0
				return i, true
			}
			v.state = v.fail[v.state-1]
		}

		for v.state > 0 && b != v.pattern[v.state] {
			v.state = v.fail[v.state-1]
		}

		if b == v.pattern[v.state] {
			v.state++
		}
	}

	return len(body), false
}
