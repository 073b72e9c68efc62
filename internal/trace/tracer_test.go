package trace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/szibis/telemetry-courier/internal/buffer"
	"github.com/szibis/telemetry-courier/internal/ratelimit"
	"github.com/szibis/telemetry-courier/internal/sizing"
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

func newTestConsumer(t *testing.T) (*buffer.Consumer[*tracepb.Span], *spanCapture) {
	t.Helper()
	capture := &spanCapture{}
	c, err := buffer.New[*tracepb.Span](buffer.Config{
		Name:          "tracer-test",
		MaxItems:      1000,
		MaxBytes:      1 << 20,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		CloseTimeout:  time.Second,
	}, capture, sizing.ProtoSizer[*tracepb.Span]())
	if err != nil {
		t.Fatal(err)
	}
	return c, capture
}

func TestProviderDeniedRequestsGetNoop(t *testing.T) {
	consumer, _ := newTestConsumer(t)
	defer consumer.Close()

	limiter, err := ratelimit.New(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	p := NewProvider(consumer, limiter)

	first := p.Tracer()
	if !first.Sampled() {
		t.Error("first request should consume the burst token and be sampled")
	}
	second := p.Tracer()
	if second.Sampled() {
		t.Error("second request should be denied and get the no-op tracer")
	}
}

func TestNoopTracerRecordsNothing(t *testing.T) {
	consumer, capture := newTestConsumer(t)

	nt := NoopTracer()
	nt.StartSpan("ignored")
	nt.AnnotateSpan(map[string]string{"k": "v"})
	nt.EndSpan()

	if nt.Sampled() {
		t.Error("no-op tracer must report unsampled")
	}
	if nt.Context().Valid() {
		t.Error("no-op tracer context must be invalid")
	}

	consumer.Close()
	if len(capture.all()) != 0 {
		t.Error("no spans should reach the buffer")
	}
}

func TestManagedTracerSpanNesting(t *testing.T) {
	consumer, capture := newTestConsumer(t)
	p := NewProvider(consumer, nil)

	tr := p.Tracer()
	tr.StartSpan("root")
	tr.StartSpan("child")
	tr.EndSpan()
	tr.EndSpan()

	consumer.Close()
	spans := capture.all()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	// Spans finish child-first
	child, root := spans[0], spans[1]
	if child.Name != "child" || root.Name != "root" {
		t.Fatalf("span order: %s, %s", child.Name, root.Name)
	}

	if string(child.TraceId) != string(root.TraceId) {
		t.Error("child and root must share a trace id")
	}
	if string(child.ParentSpanId) != string(root.SpanId) {
		t.Error("child parent must be the root span id")
	}
	if len(root.ParentSpanId) != 0 {
		t.Error("root span must have no parent")
	}
	if root.Kind != tracepb.Span_SPAN_KIND_SERVER {
		t.Errorf("root kind = %v, want SERVER", root.Kind)
	}
	if child.Kind != tracepb.Span_SPAN_KIND_INTERNAL {
		t.Errorf("child kind = %v, want INTERNAL", child.Kind)
	}
}

func TestManagedTracerAnnotations(t *testing.T) {
	consumer, capture := newTestConsumer(t)
	p := NewProvider(consumer, nil)

	tr := p.Tracer()
	tr.StartSpan("op")
	tr.AnnotateSpan(map[string]string{"user": "alice"})
	tr.EndSpan()

	consumer.Close()
	spans := capture.all()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	found := false
	for _, kv := range spans[0].Attributes {
		if kv.Key == "user" && kv.Value.GetStringValue() == "alice" {
			found = true
		}
	}
	if !found {
		t.Error("annotation not recorded on the span")
	}
}

func TestUnbalancedEndSpanIgnored(t *testing.T) {
	consumer, capture := newTestConsumer(t)
	p := NewProvider(consumer, nil)

	tr := p.Tracer()
	tr.EndSpan() // nothing open
	tr.StartSpan("op")
	tr.EndSpan()
	tr.EndSpan() // extra

	consumer.Close()
	if got := len(capture.all()); got != 1 {
		t.Errorf("got %d spans, want 1", got)
	}
}

func TestWithParentContinuesRemoteTrace(t *testing.T) {
	consumer, capture := newTestConsumer(t)
	limiter, err := ratelimit.New(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	limiter.Allow() // drain: limiter alone would deny
	p := NewProvider(consumer, limiter)

	parent := SpanContext{
		TraceID: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:  [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		Sampled: true,
	}

	tr := p.Tracer(WithParent(parent))
	if !tr.Sampled() {
		t.Fatal("sampled parent must bypass the limiter")
	}

	tr.StartSpan("continuation")
	tr.EndSpan()

	consumer.Close()
	spans := capture.all()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if string(spans[0].TraceId) != string(parent.TraceID[:]) {
		t.Error("span must carry the remote trace id")
	}
	if string(spans[0].ParentSpanId) != string(parent.SpanID[:]) {
		t.Error("top-level span must parent to the remote span")
	}
	// A top-level span under a remote parent is still this service's entry
	// point
	if spans[0].Kind != tracepb.Span_SPAN_KIND_SERVER {
		t.Errorf("kind = %v, want SERVER", spans[0].Kind)
	}
}

func TestWithParentUnsampledGetsNoop(t *testing.T) {
	consumer, _ := newTestConsumer(t)
	defer consumer.Close()
	p := NewProvider(consumer, nil)

	tr := p.Tracer(WithParent(SpanContext{
		TraceID: [16]byte{1},
		SpanID:  [8]byte{1},
		Sampled: false,
	}))
	if tr.Sampled() {
		t.Error("unsampled parent must propagate the decision")
	}
}

func TestWithDecisionOverridesEverything(t *testing.T) {
	consumer, _ := newTestConsumer(t)
	defer consumer.Close()

	limiter, err := ratelimit.New(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	limiter.Allow()
	p := NewProvider(consumer, limiter)

	if !p.Tracer(WithDecision(true)).Sampled() {
		t.Error("forced true must sample despite the empty bucket")
	}
	if p.Tracer(WithDecision(false), WithParent(SpanContext{TraceID: [16]byte{1}, SpanID: [8]byte{1}, Sampled: true})).Sampled() {
		t.Error("forced false must win over a sampled parent")
	}
}

func TestTracerContextTracksOpenSpan(t *testing.T) {
	consumer, _ := newTestConsumer(t)
	defer consumer.Close()
	p := NewProvider(consumer, nil)

	tr := p.Tracer()
	tr.StartSpan("op")

	sc := tr.Context()
	if !sc.Valid() {
		t.Fatal("open span context must be valid")
	}
	if !sc.Sampled {
		t.Error("managed tracer context must be sampled")
	}
	if sc.SpanID == ([8]byte{}) {
		t.Error("open span must have a span id")
	}
	tr.EndSpan()
}

func TestSpanObserverSeesFinishedSpans(t *testing.T) {
	consumer, _ := newTestConsumer(t)
	defer consumer.Close()

	var mu sync.Mutex
	var names []string
	p := NewProvider(consumer, nil, WithSpanObserver(func(name string) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
	}))

	tr := p.Tracer()
	tr.StartSpan("observed")
	tr.EndSpan()

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 1 || names[0] != "observed" {
		t.Errorf("observer saw %v, want [observed]", names)
	}
}

func TestNewIDsAreNonZero(t *testing.T) {
	for i := 0; i < 100; i++ {
		if newTraceID() == ([16]byte{}) {
			t.Fatal("zero trace id generated")
		}
		if newSpanID() == ([8]byte{}) {
			t.Fatal("zero span id generated")
		}
	}
}
