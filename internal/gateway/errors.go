// Package gateway defines the shared request/reply types and the error
// taxonomy used across the Parley ingress, queue, and dispatch layers.
//
// The package is a leaf: it imports nothing from the rest of the module so
// that every subsystem (MQTT ingress, worker pool, session registry) can
// exchange values through it without cycles.
package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the failure categories a request can end in. Every
// kind maps to the "error" field of the wire reply so that clients can
// branch on it without parsing free text.
type ErrorKind string

const (
	// KindBadRequest marks frames missing required fields or carrying
	// malformed JSON. The request is never enqueued.
	KindBadRequest ErrorKind = "bad_request"

	// KindBackpressure marks requests rejected because the queue was at
	// capacity at ingress time.
	KindBackpressure ErrorKind = "backpressure"

	// KindRateLimited marks requests that exceeded the per-session window
	// quota.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTimeout marks requests that exceeded their TTL before or during
	// inference.
	KindTimeout ErrorKind = "timeout"

	// KindBackendTransport marks connection-level failures reaching the
	// inference backend (refused, DNS, socket timeout).
	KindBackendTransport ErrorKind = "backend_transport"

	// KindBackendHTTP marks non-2xx responses from the inference backend.
	KindBackendHTTP ErrorKind = "backend_http"

	// KindBackendDecode marks malformed or incomplete backend responses.
	KindBackendDecode ErrorKind = "backend_decode"

	// KindPublishFailed marks a failed reply publish. Nothing more can be
	// sent to the client; the failure is logged and counted only.
	KindPublishFailed ErrorKind = "publish_failed"

	// KindInternal marks unexpected programmer errors. The worker logs and
	// continues.
	KindInternal ErrorKind = "internal"
)

// Error is the typed error carried through the request pipeline. Kind
// selects the wire-visible category; Detail is the human-readable message
// placed in the reply's "detail" field.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// E constructs an *Error with the given kind and detail.
func E(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Ef constructs an *Error with a formatted detail message.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that records err as the cause. The detail shown
// to clients is err's message.
func Wrap(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Detail: err.Error(), Err: err}
}

// KindOf extracts the ErrorKind from err. Errors that are not (and do not
// wrap) an *Error are classified as KindInternal; a nil err returns "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}
