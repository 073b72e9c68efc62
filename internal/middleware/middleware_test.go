package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szibis/telemetry-courier/internal/buffer"
	"github.com/szibis/telemetry-courier/internal/eventlog"
	"github.com/szibis/telemetry-courier/internal/ratelimit"
	"github.com/szibis/telemetry-courier/internal/sizing"
	"github.com/szibis/telemetry-courier/internal/trace"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

type spanCapture struct {
	mu    sync.Mutex
	spans []*tracepb.Span
}

func (c *spanCapture) Send(ctx context.Context, spans []*tracepb.Span) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, spans...)
	return nil
}

func (c *spanCapture) all() []*tracepb.Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*tracepb.Span(nil), c.spans...)
}

func newTestProvider(t *testing.T, limiter *ratelimit.Limiter) (*trace.Provider, *buffer.Consumer[*tracepb.Span], *spanCapture) {
	t.Helper()
	capture := &spanCapture{}
	consumer, err := buffer.New[*tracepb.Span](buffer.Config{
		Name:          "middleware-test",
		MaxItems:      100,
		MaxBytes:      1 << 20,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		CloseTimeout:  time.Second,
	}, capture, sizing.ProtoSizer[*tracepb.Span]())
	if err != nil {
		t.Fatal(err)
	}
	return trace.NewProvider(consumer, limiter), consumer, capture
}

func TestTraceRecordsRootSpan(t *testing.T) {
	provider, consumer, capture := newTestProvider(t, nil)

	handler := Trace(provider, eventlog.Noop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	consumer.Close()
	spans := capture.all()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "POST /orders" {
		t.Errorf("span name = %q", spans[0].Name)
	}

	status := ""
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.status_code" {
			status = kv.Value.GetStringValue()
		}
	}
	if status != "201" {
		t.Errorf("http.status_code = %q, want 201", status)
	}
}

func TestTraceSetsResponseTraceparent(t *testing.T) {
	provider, consumer, _ := newTestProvider(t, nil)
	defer consumer.Close()

	handler := Trace(provider, eventlog.Noop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	header := rec.Header().Get("traceparent")
	if header == "" {
		t.Fatal("sampled request must return a traceparent header")
	}
	if _, err := trace.ParseTraceparent(header); err != nil {
		t.Errorf("response traceparent %q invalid: %v", header, err)
	}
}

func TestTraceContinuesRemoteTrace(t *testing.T) {
	provider, consumer, capture := newTestProvider(t, nil)

	handler := Trace(provider, eventlog.Noop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	const remote = "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", remote)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	consumer.Close()
	spans := capture.all()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	header := rec.Header().Get("traceparent")
	if !strings.Contains(header, "0af7651916cd43dd8448eb211c80319c") {
		t.Errorf("response traceparent %q must keep the remote trace id", header)
	}
}

func TestTraceUnsampledRemoteParent(t *testing.T) {
	provider, consumer, capture := newTestProvider(t, nil)

	handler := Trace(provider, eventlog.Noop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if trace.FromContext(r.Context()).Sampled() {
			t.Error("handler tracer must be no-op for an unsampled parent")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-00")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	consumer.Close()
	if got := len(capture.all()); got != 0 {
		t.Errorf("got %d spans for an unsampled request, want 0", got)
	}
}

func TestTraceDeniedByLimiter(t *testing.T) {
	limiter, err := ratelimit.New(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	provider, consumer, capture := newTestProvider(t, limiter)

	handler := Trace(provider, eventlog.Noop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	consumer.Close()
	if got := len(capture.all()); got != 1 {
		t.Errorf("got %d spans, want 1 (second request denied)", got)
	}
}

func TestTraceMalformedTraceparentStartsFresh(t *testing.T) {
	provider, consumer, capture := newTestProvider(t, nil)

	handler := Trace(provider, eventlog.Noop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "garbage")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	consumer.Close()
	spans := capture.all()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1 (fresh trace)", len(spans))
	}
	if strings.Contains(string(spans[0].TraceId), "garbage") {
		t.Error("malformed header must not leak into the trace id")
	}
}

func TestTraceHandlerSeesLogger(t *testing.T) {
	provider, consumer, _ := newTestProvider(t, nil)
	defer consumer.Close()

	marker := eventlog.Noop()
	called := false
	handler := Trace(provider, marker, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if eventlog.FromContext(r.Context()) != marker {
			t.Error("handler must see the installed event logger")
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("handler not invoked")
	}
}

func TestTracePanicStillEndsSpan(t *testing.T) {
	provider, consumer, capture := newTestProvider(t, nil)

	handler := Trace(provider, eventlog.Noop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic must propagate")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()

	consumer.Close()
	if got := len(capture.all()); got != 1 {
		t.Errorf("got %d spans after panic, want 1", got)
	}
}

func TestTracePanicUnwindsNestedSpans(t *testing.T) {
	provider, consumer, capture := newTestProvider(t, nil)

	handler := Trace(provider, eventlog.Noop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := trace.FromContext(r.Context())
		tracer.StartSpan("query")
		tracer.StartSpan("decode")
		panic("handler exploded mid-span")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic must propagate")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/work", nil))
	}()

	consumer.Close()
	spans := capture.all()
	if len(spans) != 3 {
		t.Fatalf("got %d spans after panic, want 3 (open children plus root)", len(spans))
	}
	if spans[2].Name != "GET /work" {
		t.Errorf("last delivered span = %q, want the root span", spans[2].Name)
	}
	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
	}
	if !names["query"] || !names["decode"] {
		t.Errorf("open child spans must be closed on panic, got %v", names)
	}
}
