// Package observe provides application-wide observability primitives for
// somnolog: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all somnolog metrics.
const meterName = "github.com/somnolog/somnolog"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TickDuration tracks one detection tick end to end (snapshot, extract,
	// classify, deliver).
	TickDuration metric.Float64Histogram

	// ClassificationDuration tracks classifier latency alone.
	ClassificationDuration metric.Float64Histogram

	// --- Counters ---

	// DetectionEvents counts emitted events. Use with attributes:
	//   attribute.String("label", ...), attribute.String("source", ...)
	DetectionEvents metric.Int64Counter

	// ClassificationFailures counts ticks that produced no event because a
	// stage failed. Use with attribute:
	//   attribute.String("stage", "snapshot"|"extract"|"classify")
	ClassificationFailures metric.Int64Counter

	// SkippedTicks counts ticks abandoned on timeout.
	SkippedTicks metric.Int64Counter

	// AcquisitionFailures counts failed audio acquisitions. Use with attribute:
	//   attribute.String("kind", "permission_denied"|"device_unavailable"|"other")
	AcquisitionFailures metric.Int64Counter

	// PersistErrors counts failed or dropped persistence operations. Use with
	// attributes:
	//   attribute.String("op", ...), attribute.String("reason", "error"|"dropped")
	PersistErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in progress (0 or 1 per
	// process).
	ActiveSessions metric.Int64UpDownCounter

	// StreamSubscribers tracks connected live-stream WebSocket clients.
	StreamSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for a
// pipeline that ticks about once per second.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("somnolog.detect.tick.duration",
		metric.WithDescription("Latency of one detection tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassificationDuration, err = m.Float64Histogram("somnolog.classifier.duration",
		metric.WithDescription("Latency of classifier calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DetectionEvents, err = m.Int64Counter("somnolog.detect.events",
		metric.WithDescription("Total detection events by label and source."),
	); err != nil {
		return nil, err
	}
	if met.ClassificationFailures, err = m.Int64Counter("somnolog.detect.failures",
		metric.WithDescription("Total ticks without an event by failing stage."),
	); err != nil {
		return nil, err
	}
	if met.SkippedTicks, err = m.Int64Counter("somnolog.detect.skipped_ticks",
		metric.WithDescription("Total ticks abandoned on timeout."),
	); err != nil {
		return nil, err
	}
	if met.AcquisitionFailures, err = m.Int64Counter("somnolog.audio.acquisition_failures",
		metric.WithDescription("Total failed audio acquisitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.PersistErrors, err = m.Int64Counter("somnolog.persist.errors",
		metric.WithDescription("Total failed or dropped persistence operations by op and reason."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("somnolog.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("somnolog.active_sessions",
		metric.WithDescription("Number of detection sessions in progress."),
	); err != nil {
		return nil, err
	}
	if met.StreamSubscribers, err = m.Int64UpDownCounter("somnolog.stream.subscribers",
		metric.WithDescription("Number of connected live-stream clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("somnolog.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDetectionEvent increments the event counter for label and source.
func (m *Metrics) RecordDetectionEvent(ctx context.Context, label, source string) {
	m.DetectionEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("label", label),
			attribute.String("source", source),
		),
	)
}

// RecordClassificationFailure increments the failure counter for stage.
func (m *Metrics) RecordClassificationFailure(ctx context.Context, stage string) {
	m.ClassificationFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordAcquisitionFailure increments the acquisition failure counter.
func (m *Metrics) RecordAcquisitionFailure(ctx context.Context, kind string) {
	m.AcquisitionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordPersistError increments the persistence error counter.
func (m *Metrics) RecordPersistError(ctx context.Context, op, reason string) {
	m.PersistErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("reason", reason),
		),
	)
}

// RecordBreakerTransition increments the breaker transition counter.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
