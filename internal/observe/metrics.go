// Package observe provides application-wide observability primitives for
// Dialtree: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Dialtree metrics.
const meterName = "github.com/dialtree/dialtree"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end webhook turn latency. Use with
	// attribute: attribute.String("kind", "speech"|"digit"|"start").
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks language-model call latency.
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// ClassifierRequests counts classifier invocations. Use with attributes:
	//   attribute.String("classifier", ...), attribute.String("status", "ok"|"error")
	ClassifierRequests metric.Int64Counter

	// DigitPresses counts DTMF presses sent to the carrier.
	DigitPresses metric.Int64Counter

	// PressSuppressions counts presses vetoed by the loop guard or press
	// budget.
	PressSuppressions metric.Int64Counter

	// Transfers counts transfer dials. Use with attribute:
	//   attribute.String("status", "dialed"|"confirmed")
	Transfers metric.Int64Counter

	// Terminations counts local call terminations. Use with attribute:
	//   attribute.String("reason", "voicemail"|"closed"|"dead-end")
	Terminations metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call-state entries.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// webhook turns that may include several LLM round-trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("dialtree.turn.duration",
		metric.WithDescription("End-to-end webhook turn latency by turn kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("dialtree.llm.duration",
		metric.WithDescription("Latency of language-model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ClassifierRequests, err = m.Int64Counter("dialtree.classifier.requests",
		metric.WithDescription("Total classifier invocations by classifier and status."),
	); err != nil {
		return nil, err
	}
	if met.DigitPresses, err = m.Int64Counter("dialtree.dtmf.presses",
		metric.WithDescription("Total DTMF digits pressed."),
	); err != nil {
		return nil, err
	}
	if met.PressSuppressions, err = m.Int64Counter("dialtree.dtmf.suppressions",
		metric.WithDescription("Total presses vetoed by the loop guard or press budget."),
	); err != nil {
		return nil, err
	}
	if met.Transfers, err = m.Int64Counter("dialtree.transfers",
		metric.WithDescription("Total transfer dials by status."),
	); err != nil {
		return nil, err
	}
	if met.Terminations, err = m.Int64Counter("dialtree.terminations",
		metric.WithDescription("Total local call terminations by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("dialtree.active_calls",
		metric.WithDescription("Number of live call-state entries."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dialtree.http.request.duration",
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
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordClassifier is a convenience helper that counts one classifier
// invocation with its outcome.
func (m *Metrics) RecordClassifier(ctx context.Context, classifier string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ClassifierRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("classifier", classifier),
			attribute.String("status", status),
		))
}
