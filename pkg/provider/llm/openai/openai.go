// Package openai provides an llm.Provider backed by any OpenAI-compatible
// chat-completion endpoint. It is the default provider for Parley and is
// normally pointed at a local llama.cpp or vLLM server via WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Provider implements llm.Provider against an OpenAI-compatible API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the provider at an alternative endpoint, e.g. a local
// llama.cpp server at "http://127.0.0.1:8080". The "/v1" path segment is
// appended when missing.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithAPIKey sets the bearer token sent on every request. Local backends
// typically need none.
func WithAPIKey(key string) Option {
	return func(c *config) {
		c.apiKey = key
	}
}

// WithTimeout sets a per-request HTTP timeout. By default the provider sets
// none and relies entirely on the caller's context deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a Provider for the given model name. Backends that serve a
// single model (llama.cpp) conventionally accept "default".
func New(model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{}
	if cfg.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(normalizeBaseURL(cfg.baseURL)))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params,
		option.WithJSONSet("stream", false),
		option.WithJSONSet("extra_body.enable_thinking", req.Params.EnableThinking),
	)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.Error{
			Class:   llm.ClassDecode,
			Message: "empty choices in response",
		}
	}

	choice := resp.Choices[0]
	return &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, &llm.Error{
			Class:   llm.ClassDecode,
			Message: "request has no messages",
		}
	}

	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "user":
			messages = append(messages, oai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, &llm.Error{
				Class:   llm.ClassDecode,
				Message: fmt.Sprintf("unknown message role %q", m.Role),
			}
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    messages,
		Temperature: param.NewOpt(req.Params.Temperature),
		TopP:        param.NewOpt(req.Params.TopP),
	}
	if req.Params.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.Params.MaxTokens))
	}
	return params, nil
}

// classify maps SDK errors onto the llm error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Class: llm.ClassCancelled, Message: "request cancelled", Err: err}
	}

	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return &llm.Error{
			Class:   llm.ClassHTTP,
			Status:  apierr.StatusCode,
			Message: snippet(apierr.Error()),
			Err:     err,
		}
	}

	return &llm.Error{Class: llm.ClassTransport, Message: err.Error(), Err: err}
}

// snippet bounds an error body to a loggable length.
func snippet(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

// normalizeBaseURL appends the /v1 path expected by OpenAI-compatible
// servers unless the caller already included it.
func normalizeBaseURL(base string) string {
	trimmed := strings.TrimRight(base, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
