package uploader

import (
	"context"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

const defaultLogsPath = "/v1/logs"

// LogUploader sends log record batches (application events and error events)
// to an OTLP logs backend.
type LogUploader struct {
	transport  *transport
	resource   *resourcepb.Resource
	scope      *commonpb.InstrumentationScope
	grpcClient collogspb.LogsServiceClient
}

// NewLogs creates a LogUploader. Construction fails fast on invalid
// configuration.
func NewLogs(cfg Config) (*LogUploader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	t, err := newTransport(cfg, defaultLogsPath)
	if err != nil {
		return nil, err
	}

	u := &LogUploader{
		transport: t,
		resource:  makeResource(cfg.ServiceName, cfg.ServiceVersion),
		scope:     &commonpb.InstrumentationScope{Name: "telemetry-courier"},
	}
	if t.protocol == ProtocolGRPC {
		u.grpcClient = collogspb.NewLogsServiceClient(t.grpcConn)
	}
	return u, nil
}

// Send uploads one log record batch. An empty batch is a no-op.
func (u *LogUploader) Send(ctx context.Context, records []*logspb.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := u.transport.withTimeout(ctx)
	defer cancel()

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: u.resource,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      u.scope,
				LogRecords: records,
			}},
		}},
	}

	uploadRequestsTotal.WithLabelValues("logs").Inc()

	var err error
	switch u.transport.protocol {
	case ProtocolGRPC:
		_, err = u.grpcClient.Export(ctx, req)
		if err == nil {
			uploadBytesTotal.WithLabelValues("logs", "grpc").Add(float64(proto.Size(req)))
		}
	case ProtocolHTTP:
		var body []byte
		body, err = proto.Marshal(req)
		if err == nil {
			err = u.transport.postProto(ctx, "logs", body)
		}
	}

	if err != nil {
		uploadErrorsTotal.WithLabelValues("logs", string(DefaultClassifier(err))).Inc()
		return err
	}

	uploadItemsTotal.WithLabelValues("logs").Add(float64(len(records)))
	return nil
}

// Close releases the underlying transport.
func (u *LogUploader) Close() error {
	return u.transport.Close()
}
