package protocol

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrInvalidURI = errors.New("Invalid MSRP URI")

	// msrp://[userinfo@]host[:port][/session-id];transport
	uriPattern = regexp.MustCompile(
		`^(msrps?)://(?:[^@/;]*@)?(\[[0-9A-Fa-f:.]+\]|[A-Za-z0-9.\-_]+)(?::([0-9]{1,5}))?(?:/([A-Za-z0-9.\-+%=_~]+))?;([A-Za-z0-9]+)(?:;.*)?$`)
)

type URI struct {
	Secure    bool
	Host      string
	Port      int
	SessionID string
	Transport string
}

func ParseURI(s string) (*URI, error) {
	m := uriPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("Failed to parse '%s': %w", s, ErrInvalidURI)
	}

	u := &URI{
		Secure:    m[1] == "msrps",
		Host:      strings.Trim(m[2], "[]"),
		SessionID: m[4],
		Transport: strings.ToLower(m[5]),
	}

	if m[3] != "" {
		port, err := strconv.Atoi(m[3])
		if err != nil || port > 65535 {
			return nil, fmt.Errorf("Failed to parse port of '%s': %w", s, ErrInvalidURI)
		}

		u.Port = port
	}

	return u, nil
}

// DefaultPort is used when a URI does not name one.
const DefaultPort = 2855

// Address is the host:port the URI authority points to.
func (u *URI) Address() string {
	port := u.Port
	if port == 0 {
		port = DefaultPort
	}

	return net.JoinHostPort(u.Host, strconv.Itoa(port))
}

func (u *URI) String() string {
	var b strings.Builder

	b.WriteString("msrp")
	if u.Secure {
		b.WriteByte('s')
	}
	b.WriteString("://")

	if strings.Contains(u.Host, ":") {
		b.WriteString("[" + u.Host + "]")
	} else {
		b.WriteString(u.Host)
	}

	if u.Port != 0 {
		b.WriteString(":" + strconv.Itoa(u.Port))
	}

	if u.SessionID != "" {
		b.WriteString("/" + u.SessionID)
	}

	b.WriteString(";" + u.Transport)

	return b.String()
}

// Equal compares two URIs the way RFC 4975 section 6.1 prescribes: scheme,
// host (case insensitive), port, session-id and transport.
func (u *URI) Equal(o *URI) bool {
	if u == nil || o == nil {
		return u == o
	}

	return u.Secure == o.Secure &&
		strings.EqualFold(u.Host, o.Host) &&
		u.Port == o.Port &&
		u.SessionID == o.SessionID &&
		strings.EqualFold(u.Transport, o.Transport)
}

// ParsePath parses a space separated To-Path or From-Path value.
func ParsePath(value string) ([]*URI, error) {
	fields := strings.Split(value, " ")
	path := make([]*URI, 0, len(fields))

	for _, f := range fields {
		if f == "" {
			return nil, fmt.Errorf("Empty URI in path '%s': %w", value, ErrInvalidURI)
		}

		u, err := ParseURI(f)
		if err != nil {
			return nil, err
		}

		path = append(path, u)
	}

	return path, nil
}

func FormatPath(path []*URI) string {
	parts := make([]string, len(path))
	for i, u := range path {
		parts[i] = u.String()
	}

	return strings.Join(parts, " ")
}
