package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies delivery failures.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindStorage       Kind = "storage"
	KindTransport     Kind = "transport"
	KindNotFound      Kind = "not_found"
)

// Sentinels usable with errors.Is; any *Error of the same Kind matches.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrStorage       = &Error{Kind: KindStorage}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrNotFound      = &Error{Kind: KindNotFound}
)

// Error carries a Kind, the failing operation and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op == "" {
		return fmt.Sprintf("%s error: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Configurationf(op, format string, args ...any) *Error {
	return newf(KindConfiguration, op, nil, format, args...)
}

func Validationf(op, format string, args ...any) *Error {
	return newf(KindValidation, op, nil, format, args...)
}

func NotFoundf(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, nil, format, args...)
}

func Transportf(op, format string, args ...any) *Error {
	return newf(KindTransport, op, nil, format, args...)
}

// Storage wraps an I/O failure.
func Storage(op string, err error, format string, args ...any) *Error {
	return newf(KindStorage, op, err, format, args...)
}

// Transport wraps a push failure such as a timeout.
func Transport(op string, err error, format string, args ...any) *Error {
	return newf(KindTransport, op, err, format, args...)
}

// KindOf returns the Kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
