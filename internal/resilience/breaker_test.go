package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want errBoom", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("fn must not run while breaker is open")
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 3, Cooldown: time.Hour})

	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond, ProbeMax: 2})

	b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", b.State())
	}

	// Two successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state after probes = %v, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond, ProbeMax: 3})

	b.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}

func TestBreakerIsFailurePredicate(t *testing.T) {
	ignored := errors.New("client cancelled")
	b := NewBreaker(BreakerConfig{
		Threshold: 1,
		Cooldown:  time.Hour,
		IsFailure: func(err error) bool { return !errors.Is(err, ignored) },
	})

	for i := 0; i < 10; i++ {
		b.Execute(func() error { return ignored })
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (errors were not counted)", b.State())
	}

	b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	b.Execute(func() error { return errBoom })
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v, want closed", b.State())
	}
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	got := b.Next(0)
	if got != 100*time.Millisecond {
		t.Errorf("Next(0) = %v, want 100ms", got)
	}
	got = b.Next(got)
	if got != 200*time.Millisecond {
		t.Errorf("second interval = %v, want 200ms", got)
	}
	if got := b.Next(800 * time.Millisecond); got != time.Second {
		t.Errorf("capped interval = %v, want 1s", got)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	calls := 0
	err := Retry(context.Background(), b, 5, func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	err := Retry(context.Background(), b, 3, func() error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want wrapped errBoom", err)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	b := Backoff{Initial: time.Hour, Max: time.Hour, Factor: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := Retry(ctx, b, 0, func() error { return errBoom })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
