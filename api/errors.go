package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBadRequest   = errors.New("api: bad request")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
	ErrConflict     = errors.New("api: conflict")
	ErrServer       = errors.New("api: server error")
)

// Error is a failed backend call. It unwraps to one of the sentinel errors.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	var sentinel error
	switch {
	case status == http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case status == http.StatusForbidden:
		sentinel = ErrForbidden
	case status == http.StatusNotFound:
		sentinel = ErrNotFound
	case status == http.StatusConflict:
		sentinel = ErrConflict
	case status >= 500:
		sentinel = ErrServer
	default:
		sentinel = ErrBadRequest
	}
	return &Error{Status: status, Message: msg, Err: sentinel}
}

// retryable reports whether a GET may be tried again after err
func retryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status >= 500
	}
	return true
}
