// Package observe provides application-wide observability primitives for
// moodwire: OpenTelemetry metrics, tracing, trace-aware structured logging and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the same instruments can
// be scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all moodwire metrics.
const meterName = "github.com/MrWong99/moodwire"

// Metrics holds all OpenTelemetry instruments for the application.
type Metrics struct {
	// CycleDuration tracks one analysis cycle body. Attribute: channel.
	CycleDuration metric.Float64Histogram

	// ClassifierDuration tracks expression classifier calls.
	ClassifierDuration metric.Float64Histogram

	// ClassifierErrors counts failed classifier calls.
	ClassifierErrors metric.Int64Counter

	// DroppedTicks counts cycle ticks skipped because an analysis was still
	// in flight. Attribute: channel.
	DroppedTicks metric.Int64Counter

	// Detections counts cognitive distortion detections. Attributes: family,
	// severity.
	Detections metric.Int64Counter

	// Interventions counts emitted interventions. Attribute: reason.
	Interventions metric.Int64Counter

	// MessagesReceived counts inbound websocket messages. Attributes:
	// channel, type.
	MessagesReceived metric.Int64Counter

	// ReportSaves counts report persistence attempts. Attribute: status.
	ReportSaves metric.Int64Counter

	// ActiveSessions tracks sessions held by the registry.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks bound websocket connections. Attribute:
	// channel.
	ActiveConnections metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for classifier
// calls that commonly take several seconds.
var latencyBuckets = []float64{
	0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CycleDuration, err = m.Float64Histogram("moodwire.cycle.duration",
		metric.WithDescription("Duration of one analysis cycle by channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDuration, err = m.Float64Histogram("moodwire.classifier.duration",
		metric.WithDescription("Latency of expression classifier calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierErrors, err = m.Int64Counter("moodwire.classifier.errors",
		metric.WithDescription("Total failed expression classifier calls."),
	); err != nil {
		return nil, err
	}
	if met.DroppedTicks, err = m.Int64Counter("moodwire.cycle.dropped_ticks",
		metric.WithDescription("Cycle ticks dropped while an analysis was in flight."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("moodwire.distortion.detections",
		metric.WithDescription("Cognitive distortion detections by family and severity."),
	); err != nil {
		return nil, err
	}
	if met.Interventions, err = m.Int64Counter("moodwire.distortion.interventions",
		metric.WithDescription("Emitted interventions by reason."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("moodwire.ws.messages",
		metric.WithDescription("Inbound websocket messages by channel and type."),
	); err != nil {
		return nil, err
	}
	if met.ReportSaves, err = m.Int64Counter("moodwire.report.saves",
		metric.WithDescription("Report persistence attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("moodwire.active_sessions",
		metric.WithDescription("Number of sessions held in the registry."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("moodwire.active_connections",
		metric.WithDescription("Number of bound websocket connections by channel."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("moodwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first use from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCycle records one cycle body duration.
func (m *Metrics) RecordCycle(ctx context.Context, channel string, d time.Duration) {
	m.CycleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("channel", channel)))
}

// RecordDroppedTick records a tick dropped by the in-flight guard.
func (m *Metrics) RecordDroppedTick(ctx context.Context, channel string) {
	m.DroppedTicks.Add(ctx, 1, metric.WithAttributes(Attr("channel", channel)))
}

// RecordClassifier records a classifier call and, when err is non-nil, an
// error.
func (m *Metrics) RecordClassifier(ctx context.Context, d time.Duration, err error) {
	m.ClassifierDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.ClassifierErrors.Add(ctx, 1)
	}
}

// RecordDetection records one distortion detection.
func (m *Metrics) RecordDetection(ctx context.Context, family, severity string) {
	m.Detections.Add(ctx, 1, metric.WithAttributes(
		Attr("family", family),
		Attr("severity", severity),
	))
}

// RecordIntervention records one emitted intervention.
func (m *Metrics) RecordIntervention(ctx context.Context, reason string) {
	m.Interventions.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordMessage records one inbound websocket message.
func (m *Metrics) RecordMessage(ctx context.Context, channel, typ string) {
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(
		Attr("channel", channel),
		Attr("type", typ),
	))
}

// RecordReportSave records a report persistence attempt.
func (m *Metrics) RecordReportSave(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReportSaves.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// ConnectionOpened increments the connection gauge for channel.
func (m *Metrics) ConnectionOpened(ctx context.Context, channel string) {
	m.ActiveConnections.Add(ctx, 1, metric.WithAttributes(Attr("channel", channel)))
}

// ConnectionClosed decrements the connection gauge for channel.
func (m *Metrics) ConnectionClosed(ctx context.Context, channel string) {
	m.ActiveConnections.Add(ctx, -1, metric.WithAttributes(Attr("channel", channel)))
}
