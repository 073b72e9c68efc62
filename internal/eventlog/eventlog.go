// Package eventlog provides the per-request event logger facade. Events and
// error reports become OTLP log records pushed into the buffering pipeline;
// the unsampled case is served by a no-op implementation of the same
// interface.
package eventlog

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-courier/internal/buffer"
	"github.com/szibis/telemetry-courier/internal/logging"
	"github.com/szibis/telemetry-courier/internal/ratelimit"
	"github.com/szibis/telemetry-courier/internal/trace"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_eventlog_events_total",
		Help: "Total events accepted into the log buffer by severity",
	}, []string{"severity"})

	errorsSuppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_courier_eventlog_errors_suppressed_total",
		Help: "Total duplicate error events suppressed within the dedup window",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(errorsSuppressedTotal)
}

// Logger is the event logging capability handed to request code.
type Logger interface {
	// Log records one event. The record carries the trace identity from
	// ctx when a sampled tracer is present.
	Log(ctx context.Context, severity logging.Level, msg string, attrs map[string]string)
	// ReportError records an error event. Identical errors within the
	// dedup window are suppressed.
	ReportError(ctx context.Context, err error, attrs map[string]string)
}

// EventLogger buffers events for upload, gated per event by the sampling
// rate limiter.
type EventLogger struct {
	consumer *buffer.Consumer[*logspb.LogRecord]
	limiter  *ratelimit.Limiter
	dedup    *errorDedup
}

// Option configures an EventLogger.
type Option func(*EventLogger)

// WithErrorDedup suppresses duplicate error reports using a Bloom filter
// rotated every window. Zero window disables dedup.
func WithErrorDedup(window time.Duration) Option {
	return func(l *EventLogger) {
		if window > 0 {
			l.dedup = newErrorDedup(window)
		}
	}
}

// New creates an EventLogger pushing records into consumer. limiter may be
// nil to admit every event.
func New(consumer *buffer.Consumer[*logspb.LogRecord], limiter *ratelimit.Limiter, opts ...Option) *EventLogger {
	l := &EventLogger{consumer: consumer, limiter: limiter}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log implements Logger. Rate-limit denial is a silent skip, not an error.
func (l *EventLogger) Log(ctx context.Context, severity logging.Level, msg string, attrs map[string]string) {
	if l.limiter != nil && !l.limiter.Allow() {
		return
	}
	l.push(ctx, severity, msg, attrs)
}

// ReportError implements Logger.
func (l *EventLogger) ReportError(ctx context.Context, err error, attrs map[string]string) {
	if err == nil {
		return
	}
	if l.dedup != nil && l.dedup.seen(err.Error()) {
		errorsSuppressedTotal.Inc()
		return
	}
	if l.limiter != nil && !l.limiter.Allow() {
		return
	}
	if l.dedup != nil {
		l.dedup.record(err.Error())
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["error.type"] = "error_report"
	l.push(ctx, logging.LevelError, err.Error(), attrs)
}

func (l *EventLogger) push(ctx context.Context, severity logging.Level, msg string, attrs map[string]string) {
	record := &logspb.LogRecord{
		TimeUnixNano:   uint64(time.Now().UnixNano()),
		SeverityText:   string(severity),
		SeverityNumber: logspb.SeverityNumber(logging.SeverityNumber(severity)),
		Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: msg}},
	}
	for k, v := range attrs {
		record.Attributes = append(record.Attributes, &commonpb.KeyValue{
			Key:   k,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}},
		})
	}

	if sc := trace.FromContext(ctx).Context(); sc.Valid() {
		record.TraceId = sc.TraceID[:]
		record.SpanId = sc.SpanID[:]
	}

	eventsTotal.WithLabelValues(string(severity)).Inc()
	l.consumer.Receive([]*logspb.LogRecord{record})
}

// noopLogger satisfies Logger without recording anything.
type noopLogger struct{}

var noop = noopLogger{}

// Noop returns the shared do-nothing logger.
func Noop() Logger { return noop }

func (noopLogger) Log(context.Context, logging.Level, string, map[string]string) {}
func (noopLogger) ReportError(context.Context, error, map[string]string)         {}
