// Package observe provides the observability primitives of the gateway:
// OpenTelemetry metrics, the lightweight atomic stats block with its
// periodic logger, and the provider setup that bridges metrics into a
// Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// InferenceDuration tracks backend chat-completion latency.
	InferenceDuration metric.Float64Histogram

	// Requests counts processed requests. Use with attributes:
	//   attribute.String("project", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// Errors counts request failures by error kind.
	Errors metric.Int64Counter

	// PublishFailures counts reply publishes the broker rejected.
	PublishFailures metric.Int64Counter

	// QueueDepth tracks the number of requests waiting in the queue.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live session records.
	ActiveSessions metric.Int64UpDownCounter

	// InFlightInference tracks occupied inference slots.
	InFlightInference metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM inference latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("parley.inference.duration",
		metric.WithDescription("Latency of backend chat-completion calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Requests, err = m.Int64Counter("parley.requests",
		metric.WithDescription("Total processed requests by project and status."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("parley.errors",
		metric.WithDescription("Total request failures by error kind."),
	); err != nil {
		return nil, err
	}
	if met.PublishFailures, err = m.Int64Counter("parley.publish.failures",
		metric.WithDescription("Total reply publishes rejected by the broker."),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("parley.queue.depth",
		metric.WithDescription("Number of requests waiting in the queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live session records."),
	); err != nil {
		return nil, err
	}
	if met.InFlightInference, err = m.Int64UpDownCounter("parley.inference.in_flight",
		metric.WithDescription("Number of occupied inference slots."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordRequest records one finished request with the standard attribute
// set. status is "ok" or the error kind.
func (m *Metrics) RecordRequest(ctx context.Context, project, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("project", project),
			attribute.String("status", status),
		),
	)
}

// RecordError records one request failure by error kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordInference records one backend call's latency.
func (m *Metrics) RecordInference(ctx context.Context, d time.Duration) {
	m.InferenceDuration.Record(ctx, d.Seconds())
}
