package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an operation failure
type ErrorKind string

// all error kinds
const (
	// KindValidation means the input payload was malformed
	KindValidation ErrorKind = "validation"
	// KindSchemaConflict means a value's type conflicts with the registered field type
	KindSchemaConflict ErrorKind = "schema conflict"
	// KindForbidden means the requesting identity lacks permission
	KindForbidden ErrorKind = "forbidden"
	// KindNotFound means the class, object or session does not exist
	KindNotFound ErrorKind = "not found"
	// KindConflict means a concurrent write could not be resolved
	KindConflict ErrorKind = "conflict"
	// KindAuth means bad credentials or an invalid/expired session
	KindAuth ErrorKind = "auth"
	// KindInternal means an unexpected backend failure
	KindInternal ErrorKind = "internal"
)

// Error is the error type returned by all core operations. It carries
// a kind for programmatic handling and wraps an optional cause.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Msg + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Msg
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is match on the kind, so callers can compare against
// the kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == ""
}

// kind sentinels for use with errors.Is
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrSchemaConflict = &Error{Kind: KindSchemaConflict}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrAuth           = &Error{Kind: KindAuth}
	ErrInternal       = &Error{Kind: KindInternal}
)

// Errorf creates a new Error with the given kind and formatted message
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error with the given kind wrapping a cause
func Wrap(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the error kind of err, or KindInternal if err carries no kind
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
