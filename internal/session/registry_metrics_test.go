package session

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
)

// activeSessions collects the current value of the live-session gauge.
func activeSessions(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "parley.active_sessions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestActiveSessionsGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	r := NewRegistry(2, nil, metrics)
	now := time.Now()

	r.GetOrCreate("p", "a", now)
	r.GetOrCreate("p", "b", now)
	if got := activeSessions(t, reader); got != 2 {
		t.Errorf("gauge after two creates = %d, want 2", got)
	}

	// Existing records do not count twice.
	r.GetOrCreate("p", "a", now)
	if got := activeSessions(t, reader); got != 2 {
		t.Errorf("gauge after re-get = %d, want 2", got)
	}

	// Eviction at the cap nets out to the same count.
	r.GetOrCreate("p", "c", now)
	if got := activeSessions(t, reader); got != 2 {
		t.Errorf("gauge after eviction = %d, want 2", got)
	}

	// Reaping idle sessions drains the gauge.
	r.Reap(now.Add(time.Hour), time.Minute)
	if got := activeSessions(t, reader); got != 0 {
		t.Errorf("gauge after reap = %d, want 0", got)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}
