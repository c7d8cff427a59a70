package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory is a function type that creates a new db used by the store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func() db.DocDB

// WatchFunc receives the events of every commit applied to the store, in commit order.
// It is called from the goroutine that applied the commit and must not block.
type WatchFunc func(events []db.Event)

// IStore is the generic interface for interacting with a transactional document store.
// All errors returned by implementations are of type *Error.
type IStore interface {
	// Commit applies all operations of c atomically. If the base revision of any
	// operation does not match, nothing is applied and an *Error with code
	// RetCConflict is returned (errors.As to *db.ConflictError yields the details).
	Commit(ctx context.Context, c db.Commit) (result db.CommitResult, err error)
	// List returns all documents of a collection in insertion order.
	List(ctx context.Context, collection string) (records []model.Record, err error)
	// Get returns a single document. The boolean indicates whether it was found.
	Get(ctx context.Context, collection, id string) (record model.Record, loaded bool, err error)
	// Watch registers fn for the events of all commits applied to this replica,
	// including commits proposed by other replicas. An event of type db.EventTReset
	// signals that the whole state was replaced and must be re-read with List.
	// The returned function removes the watcher.
	Watch(fn WatchFunc) (cancel func())
	// GetDBInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo(ctx context.Context) (info db.DatabaseInfo, err error)
	// Close releases all resources held by the store.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
	Err  error   // The underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new StoreError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// WrapError converts err into an *Error. Conflicts reported by the database keep
// their details, all other errors get the given code.
func WrapError(code RetCode, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var conflict *db.ConflictError
	if errors.As(err, &conflict) {
		return &Error{Code: RetCConflict, Msg: conflict.Error(), Err: conflict}
	}
	return &Error{Code: code, Msg: err.Error(), Err: err}
}

// CodeOf returns the return code of err, RetCSuccess for nil and RetCInternalError
// for errors that are not of type *Error.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return RetCInternalError
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCConflict                            // 4: A base revision did not match, nothing was applied.
	RetCUnavailable                         // 5: The store could not be reached in time.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCConflict:
		return "Conflict"
	case RetCUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}
