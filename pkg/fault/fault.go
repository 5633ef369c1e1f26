// Package fault defines the error kinds shared by the stores, the analytics
// engine, and both API surfaces. Handlers classify an error with KindOf and
// translate the kind to a stable surface code; the wrapped detail stays
// server-side.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable error category. The string value is the surface code.
type Kind string

const (
	Invalid      Kind = "invalid"
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	Conflict     Kind = "conflict"
	NotFound     Kind = "not-found"
	RateLimited  Kind = "rate-limited"
	Timeout      Kind = "timeout"
	Integrity    Kind = "integrity"
	Internal     Kind = "internal"
)

// Error carries a kind, a short client-safe message, and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind with a client-safe message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with formatting. The formatted message is client-visible,
// so callers must not interpolate secrets or internal paths.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and client-safe message to an underlying cause.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, unwrapping as needed.
// Errors without a kind classify as Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-safe message of err. Unkinded errors yield a
// generic message so internal detail never leaks.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "an unexpected error occurred"
}
