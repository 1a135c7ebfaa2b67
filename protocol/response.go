package protocol

import (
	"errors"
	"fmt"
)

// Response is the start line data of a response transaction.
type Response struct {
	Code    int
	Comment string
}

func (r *Response) IsSuccess() bool {
	return r.Code == StatusOK
}

// ErrorOrNil returns an error if the response carries an error code. Otherwise
// it returns nil.
func (r *Response) ErrorOrNil() error {
	if r.IsSuccess() {
		return nil
	}

	return &StatusError{Code: r.Code, Comment: r.Comment}
}

// StatusError is a transaction scoped failure that maps onto an MSRP response
// code.
type StatusError struct {
	Code    int
	Comment string
}

func (e *StatusError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("%d %s", e.Code, StatusText(e.Code))
	}

	return fmt.Sprintf("%d %s", e.Code, e.Comment)
}

func NewStatusError(code int, format string, args ...interface{}) *StatusError {
	return &StatusError{Code: code, Comment: fmt.Sprintf(format, args...)}
}

// StatusCode extracts the response code carried by err. Errors that are not a
// StatusError map to 400.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	return StatusBadRequest
}
