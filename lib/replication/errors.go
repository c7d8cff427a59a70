package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/store"
)

// ErrCode classifies replication errors.
type ErrCode int

const (
	ErrTransport ErrCode = iota // The backend could not be reached
	ErrConflict                 // A concurrent write to the same document won
	ErrTimeout                  // The backend did not answer in time
	ErrInvalid                  // The request was rejected as malformed
	ErrClosed                   // The adapter or store is closed
)

func (c ErrCode) String() string {
	switch c {
	case ErrTransport:
		return "transport"
	case ErrConflict:
		return "conflict"
	case ErrTimeout:
		return "timeout"
	case ErrInvalid:
		return "invalid"
	case ErrClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by adapters and the transaction coordinator.
type Error struct {
	Code ErrCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return fmt.Sprintf("%s error: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether submitting the same transaction again may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrTransport, ErrConflict, ErrTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new *Error.
func NewError(code ErrCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf returns the code of err. Errors that are not of type *Error are
// classified by their cause, everything unknown is a transport error.
func CodeOf(err error) ErrCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return classify(err)
}

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool {
	return err != nil && CodeOf(err) == ErrConflict
}

// IsTransport reports whether err is a transport failure or timeout.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	code := CodeOf(err)
	return code == ErrTransport || code == ErrTimeout
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Retryable()
}

// Wrap converts any error into an *Error, keeping existing codes.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Code: classify(err), Msg: msg, Err: err}
}

func classify(err error) ErrCode {
	var conflict *db.ConflictError
	switch {
	case errors.As(err, &conflict):
		return ErrConflict
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrTimeout
	}

	var se *store.Error
	if errors.As(err, &se) {
		switch se.Code {
		case store.RetCConflict:
			return ErrConflict
		case store.RetCInvalidOperation, store.RetCUnsupportedOperation:
			return ErrInvalid
		case store.RetCUnavailable:
			return ErrTransport
		}
	}
	return ErrTransport
}
