// Package uploader sends telemetry batches to an OTLP backend. It wraps the
// backend-specific client stubs behind the buffer.Sink contract and absorbs
// transient failures with retry/backoff.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-courier/internal/auth"
	"github.com/szibis/telemetry-courier/internal/compression"
	"github.com/szibis/telemetry-courier/internal/tlsconf"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_upload_requests_total",
		Help: "Total upload requests by signal",
	}, []string{"signal"})

	uploadErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_upload_errors_total",
		Help: "Total upload errors by signal and error type",
	}, []string{"signal", "error_type"})

	uploadBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_upload_bytes_total",
		Help: "Total bytes uploaded by signal and compression",
	}, []string{"signal", "compression"})

	uploadItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_courier_upload_items_total",
		Help: "Total items uploaded by signal",
	}, []string{"signal"})
)

func init() {
	prometheus.MustRegister(uploadRequestsTotal)
	prometheus.MustRegister(uploadErrorsTotal)
	prometheus.MustRegister(uploadBytesTotal)
	prometheus.MustRegister(uploadItemsTotal)
}

// Protocol represents the upload protocol.
type Protocol string

const (
	// ProtocolGRPC uses OTLP gRPC.
	ProtocolGRPC Protocol = "grpc"
	// ProtocolHTTP uses OTLP HTTP.
	ProtocolHTTP Protocol = "http"
)

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means the default of 100.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle connections per host.
	// Zero means the default of 100.
	MaxIdleConnsPerHost int
	// IdleConnTimeout is the maximum time an idle connection stays open.
	// Zero means the default of 90s.
	IdleConnTimeout time.Duration
	// ForceAttemptHTTP2 controls whether HTTP/2 is negotiated.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout enables HTTP/2 ping health checks after this
	// idle period.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout closes the connection when a ping response is not
	// received within this period.
	HTTP2PingTimeout time.Duration
}

// Config holds the uploader configuration shared by all signals.
type Config struct {
	// Endpoint is the target endpoint (host:port for gRPC, URL for HTTP).
	Endpoint string
	// Protocol is the upload protocol (grpc or http).
	Protocol Protocol
	// Insecure uses an insecure connection (no TLS).
	Insecure bool
	// Timeout is the per-attempt request timeout.
	Timeout time.Duration
	// ServiceName identifies the monitored service in the uploaded
	// resource. Required.
	ServiceName string
	// ServiceVersion is recorded alongside ServiceName when set.
	ServiceVersion string
	// TLS configuration for secure connections.
	TLS tlsconf.Config
	// Auth configuration for authentication.
	Auth auth.Config
	// Compression configuration for the HTTP uploader.
	Compression compression.Config
	// HTTPClient configuration for HTTP connection pooling.
	HTTPClient HTTPClientConfig
}

func (c Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("uploader: service name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("uploader: endpoint is required")
	}
	switch c.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("uploader: unsupported protocol: %s", c.Protocol)
	}
	return nil
}

// transport is the protocol-specific half of an uploader, shared by the
// trace and log signals.
type transport struct {
	protocol    Protocol
	timeout     time.Duration
	compression compression.Config

	grpcConn *grpc.ClientConn

	httpClient   *http.Client
	httpEndpoint string
}

// newTransport dials or prepares the configured transport. defaultPath is
// appended to HTTP endpoints without a path.
func newTransport(cfg Config, defaultPath string) (*transport, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}

	switch cfg.Protocol {
	case ProtocolGRPC:
		conn, err := newGRPCConn(cfg)
		if err != nil {
			return nil, err
		}
		return &transport{
			protocol: ProtocolGRPC,
			timeout:  cfg.Timeout,
			grpcConn: conn,
		}, nil
	case ProtocolHTTP:
		client, err := newHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		return &transport{
			protocol:     ProtocolHTTP,
			timeout:      cfg.Timeout,
			compression:  cfg.Compression,
			httpClient:   client,
			httpEndpoint: buildHTTPEndpoint(cfg, defaultPath),
		}, nil
	default:
		return nil, fmt.Errorf("uploader: unsupported protocol: %s", cfg.Protocol)
	}
}

func newGRPCConn(cfg Config) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else if cfg.TLS.Enabled {
		tlsConfig, err := tlsconf.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsconf.Default())))
	}

	if !cfg.Auth.Empty() {
		opts = append(opts, grpc.WithUnaryInterceptor(auth.GRPCClientInterceptor(cfg.Auth)))
	}

	return grpc.NewClient(cfg.Endpoint, opts...)
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if !cfg.Insecure {
		if cfg.TLS.Enabled {
			tlsConfig, err := tlsconf.NewClientTLSConfig(cfg.TLS)
			if err != nil {
				return nil, fmt.Errorf("failed to create TLS config: %w", err)
			}
			transport.TLSClientConfig = tlsConfig
		} else {
			transport.TLSClientConfig = tlsconf.Default()
		}
	}

	var roundTripper http.RoundTripper = transport

	if cfg.HTTPClient.ForceAttemptHTTP2 || (!cfg.Insecure && transport.TLSClientConfig != nil) {
		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	if !cfg.Auth.Empty() {
		roundTripper = auth.HTTPTransport(cfg.Auth, roundTripper)
	}

	return &http.Client{
		Transport: roundTripper,
		Timeout:   cfg.Timeout,
	}, nil
}

// buildHTTPEndpoint normalizes the endpoint into a full URL, adding scheme
// and default signal path when missing.
func buildHTTPEndpoint(cfg Config, defaultPath string) string {
	endpoint := cfg.Endpoint

	scheme := "http"
	if !cfg.Insecure {
		scheme = "https"
	}
	if !hasScheme(endpoint) {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}
	if !hasPath(endpoint) {
		endpoint += defaultPath
	}
	return endpoint
}

// postProto POSTs a marshaled proto body, applying configured compression.
// Non-2xx responses are returned as classified *UploadError.
func (t *transport) postProto(ctx context.Context, signal string, body []byte) error {
	compressionLabel := "none"
	if t.compression.Type != compression.TypeNone && t.compression.Type != "" {
		compressed, err := compression.Compress(body, t.compression)
		if err != nil {
			return fmt.Errorf("failed to compress request: %w", err)
		}
		body = compressed
		compressionLabel = string(t.compression.Type)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.httpEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	if encoding := t.compression.Type.ContentEncoding(); encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return &UploadError{Err: fmt.Errorf("failed to send request: %w", err), Type: DefaultClassifier(err)}
	}
	defer resp.Body.Close()

	// Read a bounded slice of the body for the error message, then discard
	// the rest to allow connection reuse
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UploadError{
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			Type:       ClassifyHTTPStatusCode(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	uploadBytesTotal.WithLabelValues(signal, compressionLabel).Add(float64(len(body)))
	return nil
}

// Close releases transport resources.
func (t *transport) Close() error {
	switch t.protocol {
	case ProtocolGRPC:
		if t.grpcConn != nil {
			return t.grpcConn.Close()
		}
	case ProtocolHTTP:
		if t.httpClient != nil {
			t.httpClient.CloseIdleConnections()
		}
	}
	return nil
}

// withTimeout applies the per-attempt timeout when configured.
func (t *transport) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout > 0 {
		return context.WithTimeout(ctx, t.timeout)
	}
	return context.WithCancel(ctx)
}

// makeResource builds the OTLP resource describing the monitored service.
func makeResource(serviceName, serviceVersion string) *resourcepb.Resource {
	attrs := []*commonpb.KeyValue{
		stringAttr("service.name", serviceName),
	}
	if serviceVersion != "" {
		attrs = append(attrs, stringAttr("service.version", serviceVersion))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

// hasScheme checks if a URL has an http or https scheme.
func hasScheme(url string) bool {
	return len(url) >= 7 && (url[:7] == "http://" || (len(url) >= 8 && url[:8] == "https://"))
}

// hasPath checks if a URL has a path component after the host.
func hasPath(url string) bool {
	start := 0
	if hasScheme(url) {
		if len(url) >= 8 && url[:8] == "https://" {
			start = 8
		} else {
			start = 7
		}
	}
	for i := start; i < len(url); i++ {
		if url[i] == '/' {
			return true
		}
	}
	return false
}
