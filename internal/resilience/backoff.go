package resilience

import (
	"context"
	"fmt"
	"time"
)

// Backoff computes bounded exponential retry intervals. The zero value is
// not usable; use [DefaultBackoff] or fill all fields.
type Backoff struct {
	// Initial is the first retry interval.
	Initial time.Duration

	// Max bounds the interval growth.
	Max time.Duration

	// Factor multiplies the interval after each attempt. Must be >= 1.
	Factor float64
}

// DefaultBackoff is the policy used for broker connection attempts.
var DefaultBackoff = Backoff{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
	Factor:  2,
}

// Next returns the interval following cur. A non-positive cur yields
// Initial.
func (b Backoff) Next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Initial
	}
	next := time.Duration(float64(cur) * b.Factor)
	if next > b.Max {
		return b.Max
	}
	return next
}

// Retry calls fn until it succeeds, maxAttempts is exhausted, or ctx ends,
// sleeping the backoff interval between attempts. maxAttempts <= 0 retries
// without bound. The last error is returned wrapped with the attempt count.
func Retry(ctx context.Context, b Backoff, maxAttempts int, fn func() error) error {
	var lastErr error
	interval := time.Duration(0)

	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		interval = b.Next(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("retry: %d attempts exhausted: %w", maxAttempts, lastErr)
}
