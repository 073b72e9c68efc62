package eventlog

import "context"

type contextKey struct{}

// NewContext returns a copy of ctx carrying the event logger.
func NewContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the event logger carried by ctx, or the no-op logger
// when none is present.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(contextKey{}).(Logger); ok {
		return l
	}
	return Noop()
}
