package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	HeaderToPath        = "To-Path"
	HeaderFromPath      = "From-Path"
	HeaderMessageID     = "Message-ID"
	HeaderByteRange     = "Byte-Range"
	HeaderContentType   = "Content-Type"
	HeaderFailureReport = "Failure-Report"
	HeaderSuccessReport = "Success-Report"
	HeaderStatus        = "Status"
)

// The header grammar. Every pattern is anchored and matched against a single
// line with its CRLF removed.
var (
	identPattern = `[A-Za-z0-9][A-Za-z0-9.\-+%=]`

	tidPattern       = regexp.MustCompile(`^` + identPattern + `{2,19}$`)
	requestPattern   = regexp.MustCompile(`^MSRP (` + identPattern + `{2,19}) ([A-Za-z]+)$`)
	responsePattern  = regexp.MustCompile(`^MSRP (` + identPattern + `{2,19}) ([0-9]{3})(?: (.*))?$`)
	headerPattern    = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9\-]*): (.*)$`)
	messageIDPattern = regexp.MustCompile(`^` + identPattern + `{3,31}$`)
	byteRangePattern = regexp.MustCompile(`^([0-9]+)-([0-9]+|\*)/([0-9]+|\*)$`)
	statusPattern    = regexp.MustCompile(`^([0-9]{3}) ([0-9]{3})(?: (.*))?$`)
	failurePattern   = regexp.MustCompile(`^(yes|no|partial)$`)
	successPattern   = regexp.MustCompile(`^(yes|no)$`)

	tokenChars         = "[!#$%&'*+\\-.^_`|~0-9A-Za-z]+"
	contentTypePattern = regexp.MustCompile(`^` + tokenChars + `/` + tokenChars + `(?:\s*;.*)?$`)
)

// ValidTID reports whether tid is a well formed transaction identifier.
func ValidTID(tid string) bool {
	return tidPattern.MatchString(tid)
}

// parseStartLine fills the identity of t from the first header line.
func parseStartLine(t *Transaction, line string) error {
	if m := responsePattern.FindStringSubmatch(line); m != nil {
		code, _ := strconv.Atoi(m[2])

		t.TID = m[1]
		t.Kind = KindResponse
		t.Response = &Response{Code: code, Comment: m[3]}
		return nil
	}

	m := requestPattern.FindStringSubmatch(line)
	if m == nil {
		return NewStatusError(StatusBadRequest, "malformed start line")
	}

	t.TID = m[1]
	t.Method = Method(m[2])

	switch t.Method {
	case SEND:
		t.Kind = KindSend
	case REPORT:
		t.Kind = KindReport
	default:
		t.Kind = KindUnsupported
	}

	return nil
}

// parseHeaderLines parses everything after the start line. To-Path and
// From-Path must come first, in that order.
func parseHeaderLines(t *Transaction, lines []string) error {
	if len(lines) < 2 {
		return NewStatusError(StatusBadRequest, "missing To-Path or From-Path")
	}

	var err error

	if t.ToPath, err = pathHeader(lines[0], HeaderToPath); err != nil {
		return err
	}

	if t.FromPath, err = pathHeader(lines[1], HeaderFromPath); err != nil {
		return err
	}

	seen := make(map[string]bool)

	for _, line := range lines[2:] {
		m := headerPattern.FindStringSubmatch(line)
		if m == nil {
			return NewStatusError(StatusBadRequest, "malformed header line")
		}

		name, value := canonicalHeader(m[1]), m[2]
		if seen[name] {
			return NewStatusError(StatusBadRequest, "duplicate %s header", name)
		}
		seen[name] = true

		if err := t.setHeader(name, value); err != nil {
			return err
		}
	}

	return nil
}

func pathHeader(line, name string) ([]*URI, error) {
	m := headerPattern.FindStringSubmatch(line)
	if m == nil || canonicalHeader(m[1]) != name {
		return nil, NewStatusError(StatusBadRequest, "expected %s header", name)
	}

	path, err := ParsePath(m[2])
	if err != nil {
		return nil, NewStatusError(StatusBadRequest, "invalid %s", name)
	}

	return path, nil
}

var canonicalHeaders = map[string]string{
	"to-path":        HeaderToPath,
	"from-path":      HeaderFromPath,
	"message-id":     HeaderMessageID,
	"byte-range":     HeaderByteRange,
	"content-type":   HeaderContentType,
	"failure-report": HeaderFailureReport,
	"success-report": HeaderSuccessReport,
	"status":         HeaderStatus,
}

// Header names are case insensitive.
func canonicalHeader(name string) string {
	if c, ok := canonicalHeaders[strings.ToLower(name)]; ok {
		return c
	}

	return name
}

func (t *Transaction) setHeader(name, value string) error {
	switch name {
	case HeaderMessageID:
		if !messageIDPattern.MatchString(value) {
			return NewStatusError(StatusBadRequest, "invalid Message-ID")
		}
		t.MessageID = value

	case HeaderByteRange:
		br, err := ParseByteRange(value)
		if err != nil {
			return err
		}
		t.ByteRange = br

	case HeaderContentType:
		if !contentTypePattern.MatchString(value) {
			return NewStatusError(StatusBadRequest, "invalid Content-Type")
		}
		t.ContentType = value

	case HeaderFailureReport:
		if !failurePattern.MatchString(value) {
			return NewStatusError(StatusBadRequest, "invalid Failure-Report '%s'", value)
		}
		switch value {
		case "no":
			t.FailureReport = FailureReportNo
		case "partial":
			t.FailureReport = FailureReportPartial
		default:
			t.FailureReport = FailureReportYes
		}

	case HeaderSuccessReport:
		if !successPattern.MatchString(value) {
			return NewStatusError(StatusBadRequest, "invalid Success-Report '%s'", value)
		}
		t.SuccessReport = value == "yes"

	case HeaderStatus:
		status, err := ParseStatus(value)
		if err != nil {
			return err
		}
		t.Status = status

	case HeaderToPath, HeaderFromPath:
		return NewStatusError(StatusBadRequest, "misplaced %s header", name)

	default:
		// Extension headers are ignored.
	}

	return nil
}

// ParseByteRange parses `start-end/total` where end and total may be `*`.
func ParseByteRange(value string) (ByteRange, error) {
	m := byteRangePattern.FindStringSubmatch(value)
	if m == nil {
		return ByteRange{}, NewStatusError(StatusBadRequest, "invalid Byte-Range '%s'", value)
	}

	start, err := strconv.ParseUint(m[1], 10, 63)
	if err != nil || start < 1 {
		return ByteRange{}, NewStatusError(StatusBadRequest, "invalid Byte-Range start")
	}

	br := ByteRange{Start: start, End: Unknown, Total: Unknown}

	if m[2] != "*" {
		if br.End, err = strconv.ParseInt(m[2], 10, 64); err != nil {
			return ByteRange{}, NewStatusError(StatusBadRequest, "invalid Byte-Range end")
		}
	}

	if m[3] != "*" {
		if br.Total, err = strconv.ParseInt(m[3], 10, 64); err != nil {
			return ByteRange{}, NewStatusError(StatusBadRequest, "invalid Byte-Range total")
		}
	}

	if br.End != Unknown && br.End+1 < int64(br.Start) {
		return ByteRange{}, NewStatusError(StatusBadRequest, "Byte-Range end before start")
	}

	if br.Total != Unknown && br.End != Unknown && br.End > br.Total {
		return ByteRange{}, NewStatusError(StatusBadRequest, "Byte-Range end beyond total")
	}

	return br, nil
}

// ParseStatus parses `namespace code [comment]`.
func ParseStatus(value string) (*StatusHeader, error) {
	m := statusPattern.FindStringSubmatch(value)
	if m == nil {
		return nil, NewStatusError(StatusBadRequest, "invalid Status '%s'", value)
	}

	namespace, _ := strconv.Atoi(m[1])
	code, _ := strconv.Atoi(m[2])

	if namespace != 0 {
		return nil, NewStatusError(StatusBadRequest, "unknown Status namespace %03d", namespace)
	}

	if !IsReportStatus(code) {
		return nil, NewStatusError(StatusBadRequest, "unknown Status code %03d", code)
	}

	return &StatusHeader{Namespace: namespace, Code: code, Comment: m[3]}, nil
}

// validate checks the per kind mandatory headers once the whole block was
// parsed.
func (t *Transaction) validate() error {
	switch t.Kind {
	case KindSend:
		if t.MessageID == "" {
			return NewStatusError(StatusBadRequest, "missing Message-ID")
		}
		if t.HasContentStuff && t.ContentType == "" {
			return NewStatusError(StatusBadRequest, "missing Content-Type")
		}

	case KindReport:
		if t.MessageID == "" {
			return NewStatusError(StatusBadRequest, "missing Message-ID")
		}
		if t.Status == nil {
			return NewStatusError(StatusBadRequest, "missing Status")
		}

	case KindUnsupported:
		return NewStatusError(StatusUnknownMethod, "unknown method %s", t.Method)
	}

	return nil
}
