// Package errs defines the error taxonomy shared by every engine component.
package errs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error for callers and the RPC boundary.
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	NotFound
	TransportFailure
	TransportException
	Conflict
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case TransportFailure:
		return "transport_failure"
	case TransportException:
		return "transport_exception"
	case Conflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a classified engine error. Code is only meaningful for TransportFailure.
type Error struct {
	Kind Kind
	Op   string
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Kind == TransportFailure:
		return fmt.Sprintf("%s: %s (code %d): %s", e.Op, e.Kind, e.Code, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidArgument    = &Error{Kind: InvalidArgument}
	ErrNotFound           = &Error{Kind: NotFound}
	ErrTransportFailure   = &Error{Kind: TransportFailure}
	ErrTransportException = &Error{Kind: TransportException}
	ErrConflict           = &Error{Kind: Conflict}
)

func Invalid(op, format string, args ...any) error {
	return &Error{Kind: InvalidArgument, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Missing(op, format string, args ...any) error {
	return &Error{Kind: NotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(op, format string, args ...any) error {
	return &Error{Kind: Conflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Failure reports a remote call that completed with a non-success code.
func Failure(op string, code int, msg string) error {
	return &Error{Kind: TransportFailure, Op: op, Code: code, Msg: msg}
}

// Exception wraps an unexpected transport-layer error, capturing a stack.
func Exception(op string, err error) error {
	return &Error{Kind: TransportException, Op: op, Msg: err.Error(), Err: pkgerrors.WithStack(err)}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf returns the remote failure code carried by err, or 0.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsTransport reports whether err came from the remote side.
func IsTransport(err error) bool {
	k := KindOf(err)
	return k == TransportFailure || k == TransportException
}
