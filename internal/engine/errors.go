package engine

import (
	"errors"
	"fmt"
)

// Error is a mutation the engine refused or could not complete.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Op and Entry identify the mutation, when there is one.
	Op    Op
	Entry string

	// Err is the underlying cause, e.g. a *conflict.Conflict.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeStopped indicates the engine no longer accepts work.
	ErrCodeStopped ErrorCode = "ENGINE_STOPPED"

	// ErrCodeInvalidMutation indicates a malformed mutation.
	ErrCodeInvalidMutation ErrorCode = "INVALID_MUTATION"

	// ErrCodeRejected indicates the primary copy rejected the mutation.
	ErrCodeRejected ErrorCode = "MUTATION_REJECTED"

	// ErrCodeNoSnapshotSource indicates a resync without a primary copy.
	ErrCodeNoSnapshotSource ErrorCode = "NO_SNAPSHOT_SOURCE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entry != "" {
		msg = fmt.Sprintf("%s (op=%s, entry=%s)", msg, e.Op, e.Entry)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsStopped returns true if the engine was stopped before handling the
// request. Uses errors.As to handle wrapped errors.
func IsStopped(err error) bool { return hasCode(err, ErrCodeStopped) }

// IsRejected returns true if the primary copy rejected the mutation.
func IsRejected(err error) bool { return hasCode(err, ErrCodeRejected) }

// IsInvalidMutation returns true for malformed mutations.
func IsInvalidMutation(err error) bool { return hasCode(err, ErrCodeInvalidMutation) }

var errStopped = &Error{Code: ErrCodeStopped, Message: "engine stopped"}
