package backlog

import (
	"errors"
	"fmt"

	"github.com/roach88/gridrepl/internal/packet"
)

// Code categorizes backlog and batch errors.
type Code string

const (
	// CodeOrderingViolation means the single-writer invariant was broken.
	// Fatal for the group.
	CodeOrderingViolation Code = "ORDERING_VIOLATION"

	// CodeStaleRangeRequest means the requested range was already trimmed or
	// evicted. The target must be resynchronized from a full state transfer.
	CodeStaleRangeRequest Code = "STALE_RANGE_REQUEST"

	// CodeEmptyBatch means a batch was requested over an empty range.
	CodeEmptyBatch Code = "EMPTY_BATCH"

	// CodeOverlap means a batch intersects an open batch on the same lane.
	CodeOverlap Code = "OVERLAP"

	// CodeLaneBusy means the lane already carries an open batch.
	CodeLaneBusy Code = "LANE_BUSY"

	// CodeUnsupportedOrdering means the group asks for an unknown strategy.
	CodeUnsupportedOrdering Code = "UNSUPPORTED_ORDERING_STRATEGY"

	// CodeGroupHalted means an earlier ordering violation stopped the group.
	CodeGroupHalted Code = "GROUP_HALTED"

	// CodeUnknownTarget means the target is not registered with the group.
	CodeUnknownTarget Code = "UNKNOWN_TARGET"

	// CodeAbandoned means a batch was abandoned before completion.
	CodeAbandoned Code = "BATCH_ABANDONED"
)

// Error is returned by Backlog, Tracker and Builder operations.
type Error struct {
	Code    Code
	Message string

	Group  string
	Target string

	// Key is the offending key, when one applies.
	Key packet.Key
	// Floor is the oldest retained key at the time of a stale range request.
	Floor packet.Key

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.Group != "" && e.Target != "":
		msg = fmt.Sprintf("%s (group=%s, target=%s)", msg, e.Group, e.Target)
	case e.Group != "":
		msg = fmt.Sprintf("%s (group=%s)", msg, e.Group)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// hasCode walks nested backlog errors, so a halted-group error also
// reports the ordering violation that caused it.
func hasCode(err error, code Code) bool {
	var be *Error
	for errors.As(err, &be) {
		if be.Code == code {
			return true
		}
		err = be.Err
	}
	return false
}

// IsOrderingViolation reports whether err is an ordering violation.
func IsOrderingViolation(err error) bool { return hasCode(err, CodeOrderingViolation) }

// IsStaleRange reports whether err is a stale range request.
func IsStaleRange(err error) bool { return hasCode(err, CodeStaleRangeRequest) }

// IsEmptyBatch reports whether err is an empty batch request.
func IsEmptyBatch(err error) bool { return hasCode(err, CodeEmptyBatch) }

// IsOverlap reports whether err is an overlapping batch request.
func IsOverlap(err error) bool { return hasCode(err, CodeOverlap) }

// IsLaneBusy reports whether err is a busy lane rejection.
func IsLaneBusy(err error) bool { return hasCode(err, CodeLaneBusy) }

// IsUnsupportedOrdering reports whether err is an unsupported strategy.
func IsUnsupportedOrdering(err error) bool { return hasCode(err, CodeUnsupportedOrdering) }

// IsGroupHalted reports whether err comes from a halted group.
func IsGroupHalted(err error) bool { return hasCode(err, CodeGroupHalted) }

// IsUnknownTarget reports whether err names an unregistered target.
func IsUnknownTarget(err error) bool { return hasCode(err, CodeUnknownTarget) }

// IsAbandoned reports whether err comes from an abandoned batch.
func IsAbandoned(err error) bool { return hasCode(err, CodeAbandoned) }

func newStaleRange(group, target string, from, floor packet.Key) *Error {
	return &Error{
		Code:    CodeStaleRangeRequest,
		Message: fmt.Sprintf("key %d is below the oldest retained key %d", from, floor),
		Group:   group,
		Target:  target,
		Key:     from,
		Floor:   floor,
	}
}
