package dberr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by point reads on a missing primary key.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull is returned when a bounded thread queue rejects a request.
	ErrQueueFull = errors.New("transaction queue full")

	// ErrAborted is the cause recorded when a transaction was aborted by the caller.
	ErrAborted = errors.New("transaction aborted by caller")
)

// ArgumentError indicates an invalid argument, such as a malformed key range.
// It is always reported before any transaction is opened.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "argument error: " + e.Msg }

// InvalidStateError indicates an operation attempted in the wrong lifecycle state.
type InvalidStateError struct {
	Msg string
}

func (e *InvalidStateError) Error() string { return "invalid state: " + e.Msg }

// InternalError indicates a protocol violation, e.g. a solver advancing an exhausted cursor.
type InternalError struct {
	Msg   string
	cause error
}

func (e *InternalError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Msg, e.cause)
	}
	return "internal error: " + e.Msg
}

func (e *InternalError) Unwrap() error { return e.cause }

// InvalidAccessError indicates a cursor mutation without a current record.
type InvalidAccessError struct {
	Msg string
}

func (e *InvalidAccessError) Error() string { return "invalid access: " + e.Msg }

// ConstraintError indicates a violated uniqueness constraint.
type ConstraintError struct {
	Store string
	Index string
	Key   any
}

func (e *ConstraintError) Error() string {
	if e.Index != "" {
		return fmt.Sprintf("constraint error: key %v already exists in index %s.%s", e.Key, e.Store, e.Index)
	}
	return fmt.Sprintf("constraint error: key %v already exists in store %s", e.Key, e.Store)
}

// TransactionAbortError is delivered to every request that shared a transaction
// which terminated with an abort or error event.
//
// The cause (if any) can be accessed via errors.Unwrap.
type TransactionAbortError struct {
	Event string
	Label string
	cause error
}

func (e *TransactionAbortError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transaction %s %s: %v", e.Label, e.Event, e.cause)
	}
	return fmt.Sprintf("transaction %s %s", e.Label, e.Event)
}

func (e *TransactionAbortError) Unwrap() error { return e.cause }

// Argument builds an ArgumentError.
func Argument(format string, args ...any) error {
	return &ArgumentError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidState builds an InvalidStateError.
func InvalidState(format string, args ...any) error {
	return &InvalidStateError{Msg: fmt.Sprintf(format, args...)}
}

// Internal builds an InternalError.
func Internal(format string, args ...any) error {
	return &InternalError{Msg: fmt.Sprintf(format, args...)}
}

// InternalWrap builds an InternalError around cause.
func InternalWrap(cause error, msg string) error {
	return &InternalError{Msg: msg, cause: cause}
}

// InvalidAccess builds an InvalidAccessError.
func InvalidAccess(format string, args ...any) error {
	return &InvalidAccessError{Msg: fmt.Sprintf(format, args...)}
}

// Abort builds a TransactionAbortError for a transaction that ended with event.
func Abort(label, event string, cause error) error {
	return &TransactionAbortError{Label: label, Event: event, cause: cause}
}

func IsArgument(err error) bool {
	var e *ArgumentError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsInternal(err error) bool {
	var e *InternalError
	return errors.As(err, &e)
}

func IsInvalidAccess(err error) bool {
	var e *InvalidAccessError
	return errors.As(err, &e)
}

func IsConstraint(err error) bool {
	var e *ConstraintError
	return errors.As(err, &e)
}

func IsAbort(err error) bool {
	var e *TransactionAbortError
	return errors.As(err, &e)
}
