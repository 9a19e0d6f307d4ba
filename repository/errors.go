package repository

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("payment conflict")
	ErrNetwork      = errors.New("network error")
	ErrUnexpected   = errors.New("unexpected response")
)

// Error describes a failed call to the order API. Kind is one of the
// sentinel errors above and is what errors.Is matches against.
type Error struct {
	Op      string
	Status  int
	Message string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status >= 500:
		return ErrNetwork
	default:
		return ErrUnexpected
	}
}

// UserMessage is the human-readable text shown for err.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
