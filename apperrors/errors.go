// Package apperrors defines the error taxonomy shared by the torrent core.
//
// Every failure that crosses a package boundary is an *Error with a Kind.
// Callers match on kinds with errors.Is against the sentinel values, e.g.
//
//	if errors.Is(err, apperrors.ErrNotFound) { ... }
package apperrors

import (
	"errors"
	"fmt"
	"path/filepath"
)

type Kind int

const (
	Unknown Kind = iota
	Validation
	LimitExceeded
	NotFound
	Transport
	Timeout
	Integrity
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case LimitExceeded:
		return "limit_exceeded"
	case NotFound:
		return "not_found"
	case Transport:
		return "transport"
	case Timeout:
		return "timeout"
	case Integrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrValidation    = &Error{Kind: Validation}
	ErrLimitExceeded = &Error{Kind: LimitExceeded}
	ErrNotFound      = &Error{Kind: NotFound}
	ErrTransport     = &Error{Kind: Transport}
	ErrTimeout       = &Error{Kind: Timeout}
	ErrIntegrity     = &Error{Kind: Integrity}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when the target is an *Error of the same kind with no
// message, which is how the sentinels are declared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Msg == "" && t.Op == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(op, format string, args ...any) error {
	return newf(Validation, op, format, args...)
}

func LimitExceededf(op, format string, args ...any) error {
	return newf(LimitExceeded, op, format, args...)
}

func NotFoundf(op, format string, args ...any) error {
	return newf(NotFound, op, format, args...)
}

func Timeoutf(op, format string, args ...any) error {
	return newf(Timeout, op, format, args...)
}

func Integrityf(op, format string, args ...any) error {
	return newf(Integrity, op, format, args...)
}

// Transport wraps a socket, tracker or DHT failure.
func Transportf(op string, err error, format string, args ...any) error {
	return &Error{Kind: Transport, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Wrap attaches a kind to an arbitrary error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// RedactPath strips directories so error messages shown to users never leak
// the server-side layout.
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
