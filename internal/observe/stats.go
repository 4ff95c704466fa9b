package observe

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats is the lightweight atomic counter block behind the periodic summary
// log line. It complements the OTel instruments: counters here are readable
// in-process without a scrape, which the stats logger and tests rely on.
type Stats struct {
	requestsTotal  atomic.Int64
	errorsTotal    atomic.Int64
	inferenceNanos atomic.Int64
	inferenceCount atomic.Int64
	publishFailed  atomic.Int64
}

// RequestDone counts one finished request; failed marks it as an error.
func (s *Stats) RequestDone(failed bool) {
	s.requestsTotal.Add(1)
	if failed {
		s.errorsTotal.Add(1)
	}
}

// InferenceDone accumulates one backend call's latency.
func (s *Stats) InferenceDone(d time.Duration) {
	s.inferenceNanos.Add(int64(d))
	s.inferenceCount.Add(1)
}

// PublishFailed counts one reply publish that the broker rejected.
func (s *Stats) PublishFailed() {
	s.publishFailed.Add(1)
}

// Requests returns the total number of finished requests.
func (s *Stats) Requests() int64 { return s.requestsTotal.Load() }

// Errors returns the total number of failed requests.
func (s *Stats) Errors() int64 { return s.errorsTotal.Load() }

// PublishFailures returns the total number of failed reply publishes.
func (s *Stats) PublishFailures() int64 { return s.publishFailed.Load() }

// AvgInferenceLatency returns the mean backend latency over the lifetime of
// the process, or zero before the first call completes.
func (s *Stats) AvgInferenceLatency() time.Duration {
	count := s.inferenceCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(s.inferenceNanos.Load() / count)
}

// RunLogger emits a summary log line every interval until ctx ends.
func (s *Stats) RunLogger(ctx context.Context, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("request stats",
				"requests_total", s.Requests(),
				"errors_total", s.Errors(),
				"publish_failures", s.PublishFailures(),
				"avg_inference_latency", s.AvgInferenceLatency().Round(time.Millisecond).String(),
			)
		}
	}
}
