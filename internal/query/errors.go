package query

import (
	"errors"
	"fmt"

	"github.com/roach88/swarmlog/internal/event"
)

// AccessError is returned when a selection cannot be served.
//
// Access errors are detected before any event is produced, so a failing
// query never yields partial output.
type AccessError struct {
	// Code identifies the error category.
	Code AccessErrorCode

	// Message is a human-readable description.
	Message string

	// Stream is the offending stream, if any.
	Stream event.StreamID
}

// AccessErrorCode categorizes access errors.
type AccessErrorCode string

const (
	// ErrCodeUnknownStream indicates the selection names a stream that is
	// not in the registry.
	ErrCodeUnknownStream AccessErrorCode = "UNKNOWN_STREAM"

	// ErrCodeInvalidUpperBounds indicates an upper bound beyond what is
	// locally available.
	ErrCodeInvalidUpperBounds AccessErrorCode = "INVALID_UPPER_BOUNDS"

	// ErrCodeUnboundedStreamBack indicates a backward read without upper
	// bounds.
	ErrCodeUnboundedStreamBack AccessErrorCode = "UNBOUNDED_STREAM_BACK"
)

// Error implements the error interface.
func (e *AccessError) Error() string {
	if e.Stream != (event.StreamID{}) {
		return fmt.Sprintf("%s: %s (stream=%s)", e.Code, e.Message, e.Stream)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnknownStream returns true if err is an unknown stream error.
// Uses errors.As to handle wrapped errors.
func IsUnknownStream(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae) && ae.Code == ErrCodeUnknownStream
}

// IsInvalidUpperBounds returns true if err is an invalid upper bounds error.
func IsInvalidUpperBounds(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae) && ae.Code == ErrCodeInvalidUpperBounds
}

func newUnknownStream(id event.StreamID) *AccessError {
	return &AccessError{Code: ErrCodeUnknownStream, Message: "stream is not known", Stream: id}
}

func newInvalidUpperBounds(id event.StreamID, to, present event.Offset, known bool) *AccessError {
	msg := fmt.Sprintf("upper bound %d exceeds present offset %d", to, present)
	if !known {
		msg = fmt.Sprintf("upper bound %d but no events present", to)
	}
	return &AccessError{Code: ErrCodeInvalidUpperBounds, Message: msg, Stream: id}
}
