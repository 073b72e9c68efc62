package uploader

import (
	"context"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

const defaultTracePath = "/v1/traces"

// TraceUploader sends span batches to an OTLP trace backend. One Send call
// is one upload attempt; spans keep their batch order inside a single
// ResourceSpans/ScopeSpans envelope.
type TraceUploader struct {
	transport  *transport
	resource   *resourcepb.Resource
	scope      *commonpb.InstrumentationScope
	grpcClient coltracepb.TraceServiceClient
}

// NewTrace creates a TraceUploader. Construction fails fast on invalid
// configuration, before any request traffic is accepted.
func NewTrace(cfg Config) (*TraceUploader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	t, err := newTransport(cfg, defaultTracePath)
	if err != nil {
		return nil, err
	}

	u := &TraceUploader{
		transport: t,
		resource:  makeResource(cfg.ServiceName, cfg.ServiceVersion),
		scope:     &commonpb.InstrumentationScope{Name: "telemetry-courier"},
	}
	if t.protocol == ProtocolGRPC {
		u.grpcClient = coltracepb.NewTraceServiceClient(t.grpcConn)
	}
	return u, nil
}

// Send uploads one span batch. An empty batch is a no-op: no network call is
// made.
func (u *TraceUploader) Send(ctx context.Context, spans []*tracepb.Span) error {
	if len(spans) == 0 {
		return nil
	}

	ctx, cancel := u.transport.withTimeout(ctx)
	defer cancel()

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: u.resource,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: u.scope,
				Spans: spans,
			}},
		}},
	}

	uploadRequestsTotal.WithLabelValues("traces").Inc()

	var err error
	switch u.transport.protocol {
	case ProtocolGRPC:
		_, err = u.grpcClient.Export(ctx, req)
		if err == nil {
			uploadBytesTotal.WithLabelValues("traces", "grpc").Add(float64(proto.Size(req)))
		}
	case ProtocolHTTP:
		var body []byte
		body, err = proto.Marshal(req)
		if err == nil {
			err = u.transport.postProto(ctx, "traces", body)
		}
	}

	if err != nil {
		uploadErrorsTotal.WithLabelValues("traces", string(DefaultClassifier(err))).Inc()
		return err
	}

	uploadItemsTotal.WithLabelValues("traces").Add(float64(len(spans)))
	return nil
}

// Close releases the underlying transport.
func (u *TraceUploader) Close() error {
	return u.transport.Close()
}
