// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps an OpenAI-compatible HTTP endpoint (a local llama.cpp or
// vLLM server, or a hosted API) and exposes a single blocking Complete call.
// Streaming delivery is deliberately out of scope: the gateway returns each
// assistant reply as one message.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly; the caller bounds every call with a deadline and
// never holds a session lock while a Complete call is in flight.
package llm

import "context"

// Message is a single element of the chat-completion message list.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// GenParams carries the per-request generation parameters.
type GenParams struct {
	// Temperature controls output randomness in the range [0, 2].
	Temperature float64

	// TopP is the nucleus sampling cutoff in the range [0, 1].
	TopP float64

	// MaxTokens caps the number of completion tokens. Zero means the
	// backend default.
	MaxTokens int

	// EnableThinking toggles the backend's reasoning mode, passed through
	// as extra_body.enable_thinking on the wire.
	EnableThinking bool
}

// CompletionRequest carries everything the backend needs to produce a
// response. Messages must be non-empty.
type CompletionRequest struct {
	Messages []Message
	Params   GenParams
}

// Usage holds token accounting returned by the backend, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the full assistant reply.
type CompletionResponse struct {
	// Content is the text of choices[0].message.content.
	Content string

	// Usage contains token accounting for this request/response pair. May
	// be zero for backends that omit it.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the backend and waits for the full response.
	// Errors are classified via [Classify]; see the Error type. Complete
	// sets no hidden timeout; the caller bounds it through ctx.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
