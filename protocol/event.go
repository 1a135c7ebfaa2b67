package protocol

import "errors"

// ErrSilentDrop rejects a transaction without sending any response, as RFC
// 4975 requires for example for a REPORT about an unknown message.
var ErrSilentDrop = errors.New("Transaction dropped without response")

type EventKind int

const (
	// EventRequest is a valid incoming request that completed.
	EventRequest EventKind = iota

	// EventResponse is an incoming response that completed.
	EventResponse

	// EventRejected is an incoming request that failed validation. Err holds a
	// *StatusError or ErrSilentDrop.
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventRequest:
		return "request"
	case EventResponse:
		return "response"
	default:
		return "rejected"
	}
}

// Event is what the Parser hands over to whoever schedules transactions.
type Event struct {
	Kind        EventKind
	Transaction *Transaction
	Err         error
}
