// Package anyllm provides an llm.Provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider client. It lets
// Parley front backends without an OpenAI-compatible surface of their own
// (ollama, llamafile, hosted APIs) behind the same Provider interface.
//
// The adapter maps temperature and max_tokens; top_p and enable_thinking are
// backend-specific extras that any-llm-go does not expose uniformly and are
// not forwarded. Deployments that need them should use the openai provider
// against an OpenAI-compatible endpoint.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Provider implements llm.Provider by wrapping an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for the given backend name.
//
// backendName is one of: "openai", "ollama", "llamacpp", "llamafile".
// opts are any-llm-go options such as anyllmlib.WithBaseURL and
// anyllmlib.WithAPIKey.
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

// BackendOptions builds the common option set from a base URL and API key,
// skipping empty values.
func BackendOptions(baseURL, apiKey string) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	return opts
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, ollama, llamacpp, llamafile", name)
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := anyllmlib.CompletionParams{
		Model: p.model,
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	t := req.Params.Temperature
	params.Temperature = &t
	if req.Params.MaxTokens > 0 {
		mt := req.Params.MaxTokens
		params.MaxTokens = &mt
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		if cls := llm.Classify(err); cls == llm.ClassCancelled {
			return nil, &llm.Error{Class: llm.ClassCancelled, Message: "request cancelled", Err: err}
		}
		return nil, &llm.Error{Class: llm.ClassTransport, Message: err.Error(), Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.Error{Class: llm.ClassDecode, Message: "empty choices in response"}
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
