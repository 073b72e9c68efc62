package trace

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

type contextKey struct{}

// NewContext returns a copy of ctx carrying the tracer. The tracer is
// threaded explicitly through the request context; there is no ambient
// per-thread lookup.
func NewContext(ctx context.Context, t Tracer) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tracer carried by ctx, or the no-op tracer when
// none is present.
func FromContext(ctx context.Context) Tracer {
	if t, ok := ctx.Value(contextKey{}).(Tracer); ok {
		return t
	}
	return NoopTracer()
}

// ParseTraceparent parses a W3C traceparent header
// (version-traceid-spanid-flags). Returns an error for malformed values and
// for the all-zero trace or span ID.
func ParseTraceparent(header string) (SpanContext, error) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 {
		return SpanContext{}, fmt.Errorf("traceparent: expected 4 fields, got %d", len(parts))
	}
	if len(parts[0]) != 2 || len(parts[1]) != 32 || len(parts[2]) != 16 || len(parts[3]) != 2 {
		return SpanContext{}, fmt.Errorf("traceparent: malformed field lengths")
	}

	var sc SpanContext
	if _, err := hex.Decode(sc.TraceID[:], []byte(parts[1])); err != nil {
		return SpanContext{}, fmt.Errorf("traceparent: bad trace id: %w", err)
	}
	if _, err := hex.Decode(sc.SpanID[:], []byte(parts[2])); err != nil {
		return SpanContext{}, fmt.Errorf("traceparent: bad span id: %w", err)
	}
	flags, err := hex.DecodeString(parts[3])
	if err != nil {
		return SpanContext{}, fmt.Errorf("traceparent: bad flags: %w", err)
	}

	if sc.TraceID == ([16]byte{}) {
		return SpanContext{}, fmt.Errorf("traceparent: all-zero trace id")
	}
	if sc.SpanID == ([8]byte{}) {
		return SpanContext{}, fmt.Errorf("traceparent: all-zero span id")
	}

	sc.Sampled = flags[0]&0x01 == 0x01
	return sc, nil
}

// FormatTraceparent renders sc as a W3C traceparent header value.
func FormatTraceparent(sc SpanContext) string {
	flags := "00"
	if sc.Sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s",
		hex.EncodeToString(sc.TraceID[:]),
		hex.EncodeToString(sc.SpanID[:]),
		flags,
	)
}
