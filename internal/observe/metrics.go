// Package observe provides application-wide observability primitives for
// kgraph: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all kgraph metrics.
const meterName = "github.com/MrWong99/kgraph"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ExtractDuration tracks the latency of a single extract-worker task.
	ExtractDuration metric.Float64Histogram

	// MergeDuration tracks the latency of a single serial merge.
	MergeDuration metric.Float64Histogram

	// CompletionDuration tracks completion-service request latency.
	CompletionDuration metric.Float64Histogram

	// --- Counters ---

	// CompletionRequests counts completion-service calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	CompletionRequests metric.Int64Counter

	// TaskTerminalStates counts tasks reaching a terminal state. Use with
	// attribute: attribute.String("state", ...) — one of
	// "completed", "failed", "merge_failed", "cancelled".
	TaskTerminalStates metric.Int64Counter

	// AutoSaveFailures counts auto-save attempts that failed after a
	// successful merge.
	AutoSaveFailures metric.Int64Counter

	// RelationshipIncrementMisses counts increment_count deltas that found
	// no matching relationship and degraded to add.
	RelationshipIncrementMisses metric.Int64Counter

	// --- Error counters ---

	// CompletionErrors counts completion-service errors. Use with attribute:
	//   attribute.String("kind", ...)
	CompletionErrors metric.Int64Counter

	// --- Gauges ---

	// ExtractQueueDepth tracks the number of tasks waiting for an extract worker.
	ExtractQueueDepth metric.Int64UpDownCounter

	// MergeQueueDepth tracks the number of deltas waiting for the merge worker.
	MergeQueueDepth metric.Int64UpDownCounter

	// ActiveExtractWorkers tracks the number of extract workers currently
	// processing a task.
	ActiveExtractWorkers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// completion-service and task latencies, which run from sub-second cache
// hits up to multi-minute extraction calls.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractDuration, err = m.Float64Histogram("kgraph.extract.duration",
		metric.WithDescription("Latency of a single extract-worker task."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MergeDuration, err = m.Float64Histogram("kgraph.merge.duration",
		metric.WithDescription("Latency of a single serial merge."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompletionDuration, err = m.Float64Histogram("kgraph.completion.duration",
		metric.WithDescription("Latency of completion-service requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CompletionRequests, err = m.Int64Counter("kgraph.completion.requests",
		metric.WithDescription("Total completion-service requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.TaskTerminalStates, err = m.Int64Counter("kgraph.task.terminal_states",
		metric.WithDescription("Total tasks reaching a terminal state, by state."),
	); err != nil {
		return nil, err
	}
	if met.AutoSaveFailures, err = m.Int64Counter("kgraph.autosave.failures",
		metric.WithDescription("Total auto-save attempts that failed after a successful merge."),
	); err != nil {
		return nil, err
	}
	if met.RelationshipIncrementMisses, err = m.Int64Counter("kgraph.relationship.increment_misses",
		metric.WithDescription("Total increment_count deltas that found no match and degraded to add."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.CompletionErrors, err = m.Int64Counter("kgraph.completion.errors",
		metric.WithDescription("Total completion-service errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ExtractQueueDepth, err = m.Int64UpDownCounter("kgraph.extract_queue.depth",
		metric.WithDescription("Number of tasks waiting for an extract worker."),
	); err != nil {
		return nil, err
	}
	if met.MergeQueueDepth, err = m.Int64UpDownCounter("kgraph.merge_queue.depth",
		metric.WithDescription("Number of deltas waiting for the merge worker."),
	); err != nil {
		return nil, err
	}
	if met.ActiveExtractWorkers, err = m.Int64UpDownCounter("kgraph.extract_workers.active",
		metric.WithDescription("Number of extract workers currently processing a task."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kgraph.http.request.duration",
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

// RecordCompletionRequest is a convenience method that records a
// completion-service request counter increment with the standard attribute set.
func (m *Metrics) RecordCompletionRequest(ctx context.Context, provider, status string) {
	m.CompletionRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordTaskTerminalState is a convenience method that records a task
// terminal-state counter increment.
func (m *Metrics) RecordTaskTerminalState(ctx context.Context, state string) {
	m.TaskTerminalStates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordCompletionError is a convenience method that records a
// completion-service error counter increment.
func (m *Metrics) RecordCompletionError(ctx context.Context, kind string) {
	m.CompletionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
