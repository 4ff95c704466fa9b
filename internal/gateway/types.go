package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Request is one accepted unit of work: a single user turn addressed to a
// project-scoped session. It is constructed on MQTT ingress and discarded
// after its reply has been published.
type Request struct {
	// Project is the logical tenant the frame arrived for.
	Project string

	// SessionID is the opaque conversation identifier chosen by the client.
	SessionID string

	// RequestID is the client-supplied correlation ID, echoed verbatim in
	// the reply. May be empty.
	RequestID string

	// TraceID is an internally generated identifier used only for log
	// correlation. Never sent back to the client.
	TraceID string

	// UserMessage is the raw user turn text.
	UserMessage string

	// ReplyTopic is the exact topic the reply is published on. Filled at
	// ingress from the frame's replyTopic field or the project template.
	ReplyTopic string

	// SystemPrompt optionally overrides the project system prompt for this
	// request only. It is never persisted into the session dialog.
	SystemPrompt string

	// Temperature, TopP, and MaxTokens override the project defaults when
	// non-nil.
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	// Priority orders the request within the queue; higher values dequeue
	// first. Defaults to 0.
	Priority int

	// EnqueuedAt is the ingress timestamp.
	EnqueuedAt time.Time

	// Deadline is EnqueuedAt plus the configured request TTL. Workers
	// short-circuit expired requests with a timeout reply.
	Deadline time.Time
}

// Expired reports whether the request's deadline has passed at now.
func (r *Request) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// Reply is the outcome of one request: either assistant text or a typed
// error, published exactly once on the request's reply topic.
type Reply struct {
	SessionID string
	RequestID string
	Response  string
	Err       *Error
	Latency   time.Duration
	Timestamp time.Time
}

// successWire and errorWire are the two reply wire shapes. Success replies
// always carry latencyMs; error replies always carry error and detail.
type successWire struct {
	Response  string `json:"response"`
	RequestID string `json:"requestId,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

type errorWire struct {
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	RequestID string `json:"requestId,omitempty"`
}

// Encode renders the reply into its wire JSON form.
func (y *Reply) Encode() ([]byte, error) {
	if y.Err != nil {
		return json.Marshal(errorWire{
			Error:     string(y.Err.Kind),
			Detail:    y.Err.Detail,
			RequestID: y.RequestID,
		})
	}
	return json.Marshal(successWire{
		Response:  y.Response,
		RequestID: y.RequestID,
		LatencyMs: y.Latency.Milliseconds(),
	})
}

// Publisher is the outbound half of the MQTT surface. Implementations must
// be safe for concurrent use; workers publish replies in parallel.
type Publisher interface {
	// Publish sends payload on topic with at-least-once delivery. It blocks
	// until the broker acknowledges or ctx ends.
	Publish(ctx context.Context, topic string, payload []byte) error
}
