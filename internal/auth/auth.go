// Package auth attaches client credentials to upload requests.
package auth

import (
	"context"
	"encoding/base64"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Config holds credentials sent with every upload request.
type Config struct {
	// BearerToken is the bearer token to send with requests.
	BearerToken string
	// BasicUsername is the username for basic authentication.
	BasicUsername string
	// BasicPassword is the password for basic authentication.
	BasicPassword string
	// Headers is a map of custom headers to send with requests.
	Headers map[string]string
}

// Empty reports whether no credentials are configured.
func (c Config) Empty() bool {
	return c.BearerToken == "" && c.BasicUsername == "" && len(c.Headers) == 0
}

// GRPCClientInterceptor returns a unary interceptor that injects the
// configured credentials into outgoing metadata.
func GRPCClientInterceptor(cfg Config) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		md := metadata.MD{}

		if cfg.BearerToken != "" {
			md.Set("authorization", "Bearer "+cfg.BearerToken)
		}
		if cfg.BasicUsername != "" && cfg.BasicPassword != "" {
			md.Set("authorization", "Basic "+basicAuthEncoded(cfg.BasicUsername, cfg.BasicPassword))
		}
		for k, v := range cfg.Headers {
			md.Set(k, v)
		}

		if len(md) > 0 {
			ctx = metadata.NewOutgoingContext(ctx, md)
		}

		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// HTTPTransport returns an http.RoundTripper that adds the configured
// credentials to every request.
func HTTPTransport(cfg Config, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, cfg: cfg}
}

type authTransport struct {
	base http.RoundTripper
	cfg  Config
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	reqClone := req.Clone(req.Context())

	if t.cfg.BearerToken != "" {
		reqClone.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}
	if t.cfg.BasicUsername != "" && t.cfg.BasicPassword != "" {
		reqClone.SetBasicAuth(t.cfg.BasicUsername, t.cfg.BasicPassword)
	}
	for k, v := range t.cfg.Headers {
		reqClone.Header.Set(k, v)
	}

	return t.base.RoundTrip(reqClone)
}

func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
