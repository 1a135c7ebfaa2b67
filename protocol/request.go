package protocol

import (
	"fmt"
	"strconv"
)

// Unknown marks a Byte-Range end or total sent as "*".
const Unknown int64 = -1

// ByteRange is the value of a Byte-Range header. Start is 1-based, End is
// inclusive.
type ByteRange struct {
	Start uint64
	End   int64
	Total int64
}

func (b ByteRange) String() string {
	return fmt.Sprintf("%d-%s/%s", b.Start, rangeValue(b.End), rangeValue(b.Total))
}

func rangeValue(v int64) string {
	if v == Unknown {
		return "*"
	}

	return strconv.FormatInt(v, 10)
}

type FailureReport int

const (
	FailureReportYes FailureReport = iota
	FailureReportNo
	FailureReportPartial
)

func (f FailureReport) String() string {
	switch f {
	case FailureReportNo:
		return "no"
	case FailureReportPartial:
		return "partial"
	default:
		return "yes"
	}
}

// StatusHeader is the value of the Status header carried by REPORT requests.
type StatusHeader struct {
	Namespace int
	Code      int
	Comment   string
}

func (s StatusHeader) String() string {
	if s.Comment == "" {
		return fmt.Sprintf("%03d %03d", s.Namespace, s.Code)
	}

	return fmt.Sprintf("%03d %03d %s", s.Namespace, s.Code, s.Comment)
}
