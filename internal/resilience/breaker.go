// Package resilience provides the failure-handling primitives the gateway
// places around its external collaborators: a three-state circuit breaker
// for the inference backend and bounded exponential backoff for broker
// connection attempts.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] when the breaker is in the
// open state and the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrBreakerOpen] until
	// the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. A limited
	// number of calls are allowed through; if they succeed the breaker
	// closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Threshold is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	Cooldown time.Duration

	// ProbeMax is the maximum number of probe calls allowed in the
	// half-open state before the breaker decides whether to close or
	// re-open. Default: 3.
	ProbeMax int

	// IsFailure classifies which errors count against the breaker. When
	// nil, every non-nil error counts. The gateway uses this to keep
	// client-side cancellations from tripping the breaker.
	IsFailure func(error) bool
}

// Breaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probeMax  int
	isFailure func(error) bool

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probeCalls      int
	probeFails      int
}

// NewBreaker creates a [Breaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probeMax:  cfg.ProbeMax,
		isFailure: cfg.IsFailure,
		state:     StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn. In the half-open state a limited
// number of probe calls are permitted.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) >= b.cooldown {
			b.state = StateHalfOpen
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("circuit breaker transitioning to half-open",
				"name", b.name)
		} else {
			b.mu.Unlock()
			return ErrBreakerOpen
		}

	case StateHalfOpen:
		if b.probeCalls >= b.probeMax {
			// Probe budget exhausted, stay open.
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	inProbe := b.state == StateHalfOpen
	if inProbe {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.isFailure(err) {
		b.recordFailure(inProbe)
	} else if err == nil {
		b.recordSuccess(inProbe)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with b.mu held.
func (b *Breaker) recordFailure(inProbe bool) {
	b.lastFailure = time.Now()

	if inProbe {
		b.probeFails++
		// Any counted failure in half-open immediately re-opens.
		b.state = StateOpen
		b.consecutiveFail = b.threshold
		slog.Warn("circuit breaker re-opened from half-open",
			"name", b.name)
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.threshold {
		b.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"consecutive_failures", b.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with b.mu held.
func (b *Breaker) recordSuccess(inProbe bool) {
	if inProbe {
		successes := b.probeCalls - b.probeFails
		if successes >= b.probeMax {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("circuit breaker closed after successful probes",
				"name", b.name)
		}
		return
	}

	b.consecutiveFail = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the cooldown has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFail = 0
	b.probeCalls = 0
	b.probeFails = 0
	slog.Info("circuit breaker manually reset", "name", b.name)
}
