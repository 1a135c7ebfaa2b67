package protocol

type Method string

const (
	SEND   Method = "SEND"
	REPORT Method = "REPORT"
)

// Kind classifies a transaction by its start line.
type Kind int

const (
	KindSend Kind = iota
	KindReport
	KindResponse
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "SEND"
	case KindReport:
		return "REPORT"
	case KindResponse:
		return "RESPONSE"
	default:
		return "UNSUPPORTED"
	}
}

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}

	return "outgoing"
}

// Flag is the continuation flag that closes every end-line.
type Flag byte

const (
	FlagEnd   Flag = '$'
	FlagMore  Flag = '+'
	FlagAbort Flag = '#'
)

func IsFlag(b byte) bool {
	return b == byte(FlagEnd) || b == byte(FlagMore) || b == byte(FlagAbort)
}

// Response codes understood by this implementation.
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusTimeout             = 408
	StatusStopSending         = 413
	StatusUnsupportedMedia    = 415
	StatusOutOfBounds         = 423
	StatusNoSuchSession       = 481
	StatusUnknownMethod       = 501
	StatusSessionAlreadyBound = 506
)

var statusText = map[int]string{
	StatusOK:                  "OK",
	StatusBadRequest:          "Bad Request",
	StatusForbidden:           "Forbidden",
	StatusTimeout:             "Request Timeout",
	StatusStopSending:         "Stop Sending Message",
	StatusUnsupportedMedia:    "Unsupported Media Type",
	StatusOutOfBounds:         "Interval Out-of-Bounds",
	StatusNoSuchSession:       "Session Does Not Exist",
	StatusUnknownMethod:       "Unknown Method",
	StatusSessionAlreadyBound: "Session Already Bound",
}

// StatusText returns the reason phrase for code, or "" when the code is unknown.
func StatusText(code int) string {
	return statusText[code]
}

// IsReportStatus reports whether code may appear in the Status header of a REPORT.
func IsReportStatus(code int) bool {
	_, ok := statusText[code]
	return ok && code != StatusOutOfBounds
}
