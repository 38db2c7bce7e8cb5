// Package apperr defines the error kinds surfaced by the tile server core.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to decide how to react.
type Kind int

const (
	// Unknown is the kind of errors that were never classified.
	Unknown Kind = iota
	// InvalidArgument marks malformed or out-of-range caller input.
	InvalidArgument
	// NotReady marks a resource that exists but cannot be used yet.
	NotReady
	// Conflict marks an operation that clashes with the current state.
	Conflict
	// OutOfRange marks a tile, pixel or zoom level outside the source extent.
	OutOfRange
	// UnsupportedFormat marks a file that no backend can decode.
	UnsupportedFormat
	// Unavailable marks a failure of the underlying store or network.
	Unavailable
	// ResourceExceeded marks a request that would exceed a configured ceiling.
	ResourceExceeded
	// NotFound marks a missing item, file, job or annotation.
	NotFound
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	InvalidArgument:   "invalid argument",
	NotReady:          "not ready",
	Conflict:          "conflict",
	OutOfRange:        "out of range",
	UnsupportedFormat: "unsupported format",
	Unavailable:       "unavailable",
	ResourceExceeded:  "resource exceeded",
	NotFound:          "not found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the caller may retry the same request later.
func (k Kind) Retryable() bool {
	return k == Conflict || k == NotReady || k == Unavailable
}

// Error is a classified error with an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
