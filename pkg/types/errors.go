package types

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every failure that crosses a component boundary.
// The string values are part of the wire format.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindPoolExhausted     Kind = "PoolExhausted"
	KindTimeout           Kind = "TimeoutError"
	KindExecution         Kind = "ExecutionError"
	KindNotFound          Kind = "NotFound"
	KindServerUnavailable Kind = "ServerUnavailable"
	KindSession           Kind = "SessionError"
	KindCancelled         Kind = "Cancelled"
	KindConflict          Kind = "Conflict"
)

// Sentinel errors, one per kind. A *Error of a given kind matches its
// sentinel with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrPoolExhausted     = errors.New("browser session pool exhausted")
	ErrTimeout           = errors.New("execution timed out")
	ErrExecution         = errors.New("execution error")
	ErrNotFound          = errors.New("not found")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrSession           = errors.New("browser session error")
	ErrCancelled         = errors.New("execution cancelled")
	ErrConflict          = errors.New("conflict")
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindPoolExhausted:     ErrPoolExhausted,
	KindTimeout:           ErrTimeout,
	KindExecution:         ErrExecution,
	KindNotFound:          ErrNotFound,
	KindServerUnavailable: ErrServerUnavailable,
	KindSession:           ErrSession,
	KindCancelled:         ErrCancelled,
	KindConflict:          ErrConflict,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := sentinels[k]
	return ok
}

// Error is a typed failure with a human-readable message.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Err is the underlying cause, if any. It is not serialized.
	Err error `json:"-"`
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around err. The message defaults to
// err's text when msg is empty.
func Wrap(kind Kind, err error, msg string) *Error {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf classifies err. Typed errors keep their kind, bare sentinels map to
// theirs, context errors map to timeout/cancelled, anything else is an
// execution error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindExecution
}

// AsError converts any error into an *Error, classifying it with KindOf.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return Wrap(KindOf(err), err, "")
}
