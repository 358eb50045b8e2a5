// Package telemetry wraps goa.design/clue/log and OpenTelemetry metrics for
// runtime instrumentation. Logging delegates to clue and reads formatting
// settings from the context (set via log.Context); metrics use the global
// MeterProvider, typically configured through clue's OTEL setup.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const meterName = "goa.design/calf/runtime"

type (
	// Logger is the minimal structured logging facade used by nodes and the
	// runner. Key-value pairs alternate keys and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, err error, msg string, keyvals ...any)
	}

	// Metrics records runtime counters and timers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// ClueLogger delegates to goa.design/clue/log.
	ClueLogger struct{}

	// OTELMetrics delegates to the global OTEL MeterProvider.
	OTELMetrics struct {
		meter metric.Meter
	}

	// NopLogger discards all log output. Useful in tests.
	NopLogger struct{}

	// NopMetrics discards all measurements.
	NopMetrics struct{}
)

// Metric names emitted by the runtime.
const (
	MetricEnvelopesConsumed = "calf.envelopes.consumed"
	MetricEnvelopesRouted   = "calf.envelopes.routed"
	MetricEnvelopesDropped  = "calf.envelopes.dropped"
	MetricPublishRetries    = "calf.publish.retries"
	MetricHandlerDuration   = "calf.handler.duration"
)

// NewLogger constructs a Logger that delegates to goa.design/clue/log.
func NewLogger() Logger { return ClueLogger{} }

// NewMetrics constructs a Metrics recorder on the global MeterProvider.
func NewMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter(meterName)}
}

// Debug emits a debug-level message with structured fields.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(ctx, msg, keyvals)...)
}

// Info emits an info-level message with structured fields.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(ctx, msg, keyvals)...)
}

// Warn emits a warning with structured fields.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(ctx, msg, keyvals)...)
}

// Error emits an error-level message with structured fields.
func (ClueLogger) Error(ctx context.Context, err error, msg string, keyvals ...any) {
	log.Error(ctx, err, fielders(ctx, msg, keyvals)...)
}

func fielders(ctx context.Context, msg string, keyvals []any) []log.Fielder {
	fs := []log.Fielder{log.KV{K: "msg", V: msg}}
	// Correlate log lines with the active OTEL span when one is recording.
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fs = append(fs,
			log.KV{K: "otel_trace_id", V: sc.TraceID().String()},
			log.KV{K: "otel_span_id", V: sc.SpanID().String()},
		)
	}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

// IncCounter increments a counter metric.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer records a duration histogram.
func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

// Debug implements Logger.
func (NopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(context.Context, error, string, ...any) {}

// IncCounter implements Metrics.
func (NopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer implements Metrics.
func (NopMetrics) RecordTimer(string, time.Duration, ...string) {}
