// Package middleware instruments inbound HTTP requests with the trace and
// event log pipeline.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-courier/internal/eventlog"
	"github.com/szibis/telemetry-courier/internal/trace"
)

const traceparentHeader = "traceparent"

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "telemetry_courier_http_requests_total",
	Help: "Total instrumented HTTP requests by method and status code",
}, []string{"method", "code"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

// statusRecorder captures the response status for the span.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Trace wraps next with request tracing and event logging. An incoming
// traceparent header continues the remote trace and its sampling decision;
// otherwise the provider's rate limiter decides. The handler reaches its
// tracer via trace.FromContext and its event logger via eventlog.FromContext.
func Trace(provider *trace.Provider, events eventlog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var opts []trace.TracerOption
		if header := r.Header.Get(traceparentHeader); header != "" {
			if parent, err := trace.ParseTraceparent(header); err == nil {
				opts = append(opts, trace.WithParent(parent))
			}
		}

		tracer := provider.Tracer(opts...)
		tracer.StartSpan(r.Method + " " + r.URL.Path)
		tracer.AnnotateSpan(map[string]string{
			"http.method": r.Method,
			"http.target": r.URL.Path,
		})

		ctx := trace.NewContext(r.Context(), tracer)
		ctx = eventlog.NewContext(ctx, events)
		r = r.WithContext(ctx)

		if sc := tracer.Context(); sc.Valid() {
			w.Header().Set(traceparentHeader, trace.FormatTraceparent(sc))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if err := recover(); err != nil {
				tracer.AnnotateSpan(map[string]string{"error": fmt.Sprint(err)})
				unwindSpans(tracer)
				requestsTotal.WithLabelValues(r.Method, "500").Inc()
				panic(err)
			}
			tracer.AnnotateSpan(map[string]string{
				"http.status_code": strconv.Itoa(rec.status),
			})
			tracer.EndSpan()
			requestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		}()

		next.ServeHTTP(rec, r)
	})
}

// unwindSpans ends every span a panicking handler left open, root included,
// so the request's trace still reaches the buffer. The loop stops once
// EndSpan makes no progress (empty stack) or the tracer is a no-op.
func unwindSpans(tracer trace.Tracer) {
	prev := trace.SpanContext{}
	for sc := tracer.Context(); sc.Valid() && sc != prev; sc = tracer.Context() {
		prev = sc
		tracer.EndSpan()
	}
}
