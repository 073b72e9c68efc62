// Package trace provides the per-request tracer facade. A tracer is created
// at request start, records nested spans, and pushes finished spans into the
// buffering pipeline. The unsampled case is a no-op implementation of the
// same interface, so callers never branch on whether sampling occurred.
package trace

import (
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/szibis/telemetry-courier/internal/buffer"
	"github.com/szibis/telemetry-courier/internal/ratelimit"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// SpanContext identifies a trace position for propagation across process
// boundaries.
type SpanContext struct {
	TraceID [16]byte
	SpanID  [8]byte
	Sampled bool
}

// Valid reports whether the context carries a usable trace ID.
func (sc SpanContext) Valid() bool {
	return sc.TraceID != [16]byte{}
}

// Tracer records spans for one request. Implementations are either managed
// (spans are buffered for upload) or no-op (the request was not sampled).
type Tracer interface {
	// StartSpan opens a span nested under the currently open span.
	StartSpan(name string)
	// EndSpan closes the most recently opened span and hands it to the
	// buffer. Unbalanced calls are ignored.
	EndSpan()
	// AnnotateSpan attaches attributes to the currently open span.
	AnnotateSpan(attrs map[string]string)
	// Sampled reports whether spans are recorded.
	Sampled() bool
	// Context returns the propagation context of the currently open span.
	Context() SpanContext
}

// Provider creates tracers, gating creation through the sampling rate
// limiter.
type Provider struct {
	consumer *buffer.Consumer[*tracepb.Span]
	limiter  *ratelimit.Limiter
	onSpan   func(name string)
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithSpanObserver registers a callback invoked with each finished span
// name. Used by the stats collector for cardinality tracking.
func WithSpanObserver(fn func(name string)) ProviderOption {
	return func(p *Provider) { p.onSpan = fn }
}

// NewProvider creates a Provider pushing sampled spans into consumer.
// limiter may be nil to sample every request.
func NewProvider(consumer *buffer.Consumer[*tracepb.Span], limiter *ratelimit.Limiter, opts ...ProviderOption) *Provider {
	p := &Provider{consumer: consumer, limiter: limiter}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TracerOption configures one Tracer creation.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	parent    SpanContext
	hasParent bool
	force     bool
	forced    bool
}

// WithParent continues a remote trace. The parent's sampled flag decides
// sampling, bypassing the rate limiter: upstream already made the call.
func WithParent(parent SpanContext) TracerOption {
	return func(o *tracerOptions) {
		o.parent = parent
		o.hasParent = true
	}
}

// WithDecision forces the sampling decision, bypassing both the parent flag
// and the rate limiter.
func WithDecision(sampled bool) TracerOption {
	return func(o *tracerOptions) {
		o.force = sampled
		o.forced = true
	}
}

// Tracer creates a tracer for one request. The rate limiter decides
// admission unless a parent context or forced decision overrides it; denied
// requests get the no-op tracer.
func (p *Provider) Tracer(opts ...TracerOption) Tracer {
	var o tracerOptions
	for _, opt := range opts {
		opt(&o)
	}

	sampled := true
	switch {
	case o.forced:
		sampled = o.force
	case o.hasParent:
		sampled = o.parent.Sampled
	case p.limiter != nil:
		sampled = p.limiter.Allow()
	}

	if !sampled {
		return NoopTracer()
	}

	t := &managedTracer{
		consumer: p.consumer,
		onSpan:   p.onSpan,
	}
	if o.hasParent && o.parent.Valid() {
		t.traceID = o.parent.TraceID
		t.remoteParent = o.parent.SpanID
	} else {
		t.traceID = newTraceID()
	}
	return t
}

// openSpan is one entry on the tracer's span stack.
type openSpan struct {
	name    string
	spanID  [8]byte
	parent  [8]byte
	started time.Time
	attrs   []*commonpb.KeyValue
}

// managedTracer buffers finished spans. Safe for concurrent use, though a
// request typically drives it from one goroutine.
type managedTracer struct {
	consumer *buffer.Consumer[*tracepb.Span]
	onSpan   func(name string)

	traceID      [16]byte
	remoteParent [8]byte

	mu    sync.Mutex
	stack []openSpan
}

func (t *managedTracer) StartSpan(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent := t.remoteParent
	if n := len(t.stack); n > 0 {
		parent = t.stack[n-1].spanID
	}
	t.stack = append(t.stack, openSpan{
		name:    name,
		spanID:  newSpanID(),
		parent:  parent,
		started: time.Now(),
	})
}

func (t *managedTracer) EndSpan() {
	t.mu.Lock()
	n := len(t.stack)
	if n == 0 {
		t.mu.Unlock()
		return
	}
	top := t.stack[n-1]
	t.stack = t.stack[:n-1]
	root := len(t.stack) == 0
	t.mu.Unlock()

	kind := tracepb.Span_SPAN_KIND_INTERNAL
	if root {
		kind = tracepb.Span_SPAN_KIND_SERVER
	}

	span := &tracepb.Span{
		TraceId:           t.traceID[:],
		SpanId:            top.spanID[:],
		Name:              top.name,
		Kind:              kind,
		StartTimeUnixNano: uint64(top.started.UnixNano()),
		EndTimeUnixNano:   uint64(time.Now().UnixNano()),
		Attributes:        top.attrs,
	}
	if top.parent != ([8]byte{}) {
		span.ParentSpanId = top.parent[:]
	}

	t.consumer.Receive([]*tracepb.Span{span})
	if t.onSpan != nil {
		t.onSpan(top.name)
	}
}

func (t *managedTracer) AnnotateSpan(attrs map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.stack)
	if n == 0 {
		return
	}
	for k, v := range attrs {
		t.stack[n-1].attrs = append(t.stack[n-1].attrs, &commonpb.KeyValue{
			Key:   k,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}},
		})
	}
}

func (t *managedTracer) Sampled() bool { return true }

func (t *managedTracer) Context() SpanContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	sc := SpanContext{TraceID: t.traceID, Sampled: true}
	if n := len(t.stack); n > 0 {
		sc.SpanID = t.stack[n-1].spanID
	} else {
		sc.SpanID = t.remoteParent
	}
	return sc
}

// noopTracer satisfies Tracer without recording anything.
type noopTracer struct{}

var noop = noopTracer{}

// NoopTracer returns the shared do-nothing tracer.
func NoopTracer() Tracer { return noop }

func (noopTracer) StartSpan(string)               {}
func (noopTracer) EndSpan()                       {}
func (noopTracer) AnnotateSpan(map[string]string) {}
func (noopTracer) Sampled() bool                  { return false }
func (noopTracer) Context() SpanContext           { return SpanContext{} }

// newTraceID returns a non-zero random 128-bit trace ID.
func newTraceID() [16]byte {
	var id [16]byte
	for id == ([16]byte{}) {
		binary.BigEndian.PutUint64(id[:8], rand.Uint64())
		binary.BigEndian.PutUint64(id[8:], rand.Uint64())
	}
	return id
}

// newSpanID returns a non-zero random 64-bit span ID.
func newSpanID() [8]byte {
	var id [8]byte
	for id == ([8]byte{}) {
		binary.BigEndian.PutUint64(id[:], rand.Uint64())
	}
	return id
}
