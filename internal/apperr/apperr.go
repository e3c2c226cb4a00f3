// Package apperr defines the failure kinds surfaced by the collaboration and chat core.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrGone marks a request whose list was deleted; the dangling request is cleaned up.
	ErrGone = errors.New("gone")
	// ErrTransient means the backing store was unavailable or lost a serialization race; safe to retry.
	ErrTransient       = errors.New("transient")
	ErrUnauthenticated = errors.New("unauthenticated")
)

var kinds = []error{
	ErrNotFound,
	ErrForbidden,
	ErrConflict,
	ErrInvalidArgument,
	ErrGone,
	ErrTransient,
	ErrUnauthenticated,
}

// Error carries a kind plus a human readable message.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error { return New(ErrNotFound, format, args...) }

func Forbidden(format string, args ...any) *Error { return New(ErrForbidden, format, args...) }

func Conflict(format string, args ...any) *Error { return New(ErrConflict, format, args...) }

func InvalidArgument(format string, args ...any) *Error {
	return New(ErrInvalidArgument, format, args...)
}

func Gone(format string, args ...any) *Error { return New(ErrGone, format, args...) }

func Transient(format string, args ...any) *Error { return New(ErrTransient, format, args...) }

// KindOf returns the sentinel kind wrapped by err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Message returns the innermost typed message, falling back to err.Error().
func Message(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

var codes = map[error]string{
	ErrNotFound:        "NOT_FOUND",
	ErrForbidden:       "FORBIDDEN",
	ErrConflict:        "CONFLICT",
	ErrInvalidArgument: "INVALID_ARGUMENT",
	ErrGone:            "GONE",
	ErrTransient:       "UNAVAILABLE",
	ErrUnauthenticated: "UNAUTHORIZED",
}

// Code is the wire code for err's kind; unclassified errors are SERVER_ERROR.
func Code(err error) string {
	if code, ok := codes[KindOf(err)]; ok {
		return code
	}
	return "SERVER_ERROR"
}
