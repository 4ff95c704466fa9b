package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass categorises backend failures so the dispatcher can map them to
// wire-level error kinds without inspecting provider-specific types.
type ErrorClass int

const (
	// ClassTransport covers connection-level failures: refused connections,
	// DNS errors, socket timeouts.
	ClassTransport ErrorClass = iota

	// ClassHTTP covers non-2xx responses from the backend.
	ClassHTTP

	// ClassDecode covers malformed response JSON or missing expected
	// fields (e.g. an empty choices array).
	ClassDecode

	// ClassCancelled covers context cancellation and deadline expiry.
	ClassCancelled
)

// String returns the human-readable name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassHTTP:
		return "http"
	case ClassDecode:
		return "decode"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by providers.
type Error struct {
	// Class is the failure category.
	Class ErrorClass

	// Status is the HTTP status code for ClassHTTP errors, zero otherwise.
	Status int

	// Message describes the failure. For ClassHTTP it includes a snippet of
	// the response body when available.
	Message string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm %s (status %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Class, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Classify extracts the ErrorClass from err. Context cancellation and
// deadline errors classify as ClassCancelled even when wrapped by provider
// SDKs; anything untyped defaults to ClassTransport.
func Classify(err error) ErrorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	return ClassTransport
}
