// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled responses without a live
// backend, to inject delays and failures, and to observe concurrency (the
// in-flight high-water mark verifies the inference slot cap).
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Configure the response
// fields before use; all methods are safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// Response is the content returned on success. Ignored when
	// CompleteFunc is set.
	Response string

	// Err, if non-nil, is returned instead of a response. Ignored when
	// CompleteFunc is set.
	Err error

	// Delay is slept (context-aware) before returning. Applies to both the
	// default behaviour and CompleteFunc.
	Delay time.Duration

	// CompleteFunc, when set, fully replaces the default behaviour.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// --- Observations (read after test) ---

	// Calls records every invocation of Complete in order.
	Calls []CompleteCall

	inFlight    int
	maxInFlight int
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, CompleteCall{Req: req})
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	delay := p.Delay
	fn := p.CompleteFunc
	response := p.Response
	err := p.Err
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &llm.Error{Class: llm.ClassCancelled, Message: "request cancelled", Err: ctx.Err()}
		}
	}

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: response}, nil
}

// CallCount returns the number of recorded Complete invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// MaxInFlight returns the high-water mark of concurrent Complete calls.
func (p *Provider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
