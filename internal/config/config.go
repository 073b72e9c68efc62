// Package config holds the courier's runtime configuration, assembled from
// defaults, an optional YAML file, and command line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/szibis/telemetry-courier/internal/auth"
	"github.com/szibis/telemetry-courier/internal/buffer"
	"github.com/szibis/telemetry-courier/internal/compression"
	"github.com/szibis/telemetry-courier/internal/telemetry"
	"github.com/szibis/telemetry-courier/internal/tlsconf"
	"github.com/szibis/telemetry-courier/internal/uploader"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Config holds the application configuration.
type Config struct {
	// Service identity recorded in every uploaded resource
	ServiceName    string
	ServiceVersion string

	// Listen settings
	ListenAddr string // instrumented application HTTP server
	StatsAddr  string // prometheus metrics + health endpoints

	// Upload settings
	UploadEndpoint string
	UploadProtocol string
	UploadInsecure bool
	UploadTimeout  time.Duration

	// Upload TLS settings
	UploadTLSEnabled            bool
	UploadTLSCertFile           string
	UploadTLSKeyFile            string
	UploadTLSCAFile             string
	UploadTLSInsecureSkipVerify bool
	UploadTLSServerName         string

	// Upload Auth settings
	UploadAuthBearerToken   string
	UploadAuthBasicUsername string
	UploadAuthBasicPassword string
	UploadAuthHeaders       string

	// Upload Compression settings
	UploadCompression      string
	UploadCompressionLevel int

	// Upload HTTP client settings
	UploadMaxIdleConns         int
	UploadMaxIdleConnsPerHost  int
	UploadIdleConnTimeout      time.Duration
	UploadForceHTTP2           bool
	UploadHTTP2ReadIdleTimeout time.Duration
	UploadHTTP2PingTimeout     time.Duration

	// Trace buffer settings
	TraceBufferMaxItems int
	TraceBufferMaxBytes int64
	TraceBatchSize      int
	TraceFlushInterval  time.Duration

	// Event log buffer settings
	LogBufferMaxItems int
	LogBufferMaxBytes int64
	LogBatchSize      int
	LogFlushInterval  time.Duration

	// CloseTimeout bounds the final flush during shutdown
	CloseTimeout time.Duration

	// Sampling settings
	SampleRate  float64 // sampled requests per second (0 = burst only)
	SampleBurst int

	// Retry settings
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	// ErrorDedupWindow suppresses duplicate error reports (0 = disabled)
	ErrorDedupWindow time.Duration

	// Stats settings
	StatsInterval time.Duration

	// Logging settings
	LogLevel string

	// Memory limit settings
	MemoryLimitRatio float64

	// Self-telemetry settings
	TelemetryEndpoint        string
	TelemetryProtocol        string
	TelemetryInsecure        bool
	TelemetryPushInterval    time.Duration
	TelemetryCompression     string
	TelemetryShutdownTimeout time.Duration

	// Flags
	ConfigFile  string
	ShowVersion bool
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceVersion: version,

		ListenAddr: ":8080",
		StatsAddr:  ":9090",

		UploadEndpoint: "localhost:4317",
		UploadProtocol: "grpc",
		UploadInsecure: true,
		UploadTimeout:  30 * time.Second,

		UploadCompression: "none",

		UploadMaxIdleConns:        100,
		UploadMaxIdleConnsPerHost: 100,
		UploadIdleConnTimeout:     90 * time.Second,

		TraceBufferMaxItems: 1000,
		TraceBufferMaxBytes: 32 * 1024 * 1024,
		TraceBatchSize:      100,
		TraceFlushInterval:  5 * time.Second,

		LogBufferMaxItems: 1000,
		LogBufferMaxBytes: 32 * 1024 * 1024,
		LogBatchSize:      100,
		LogFlushInterval:  5 * time.Second,

		CloseTimeout: 30 * time.Second,

		SampleRate:  1,
		SampleBurst: 10,

		RetryBaseDelay:  1 * time.Second,
		RetryMultiplier: 1.5,
		RetryMaxDelay:   60 * time.Second,

		ErrorDedupWindow: 5 * time.Minute,

		StatsInterval: 1 * time.Minute,

		LogLevel: "INFO",

		MemoryLimitRatio: 0.9,

		TelemetryProtocol:        "grpc",
		TelemetryInsecure:        true,
		TelemetryPushInterval:    30 * time.Second,
		TelemetryShutdownTimeout: 5 * time.Second,
	}
}

// ParseFlags parses command line flags and returns the configuration.
// A -config YAML file overlays the defaults first; flags given explicitly
// on the command line override it.
func ParseFlags() (*Config, error) {
	return parseFlags(flag.CommandLine, os.Args[1:])
}

func parseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()

	// The config file overlays defaults before flag registration, so flag
	// defaults reflect the file and explicit flags win over it.
	if path := configFileArg(args); path != "" {
		yamlCfg, err := LoadYAML(path)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
		yamlCfg.overlay(cfg)
	}

	fs.StringVar(&cfg.ConfigFile, "config", "", "Path to YAML configuration file")

	fs.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "Service name recorded in uploaded telemetry (required)")
	fs.StringVar(&cfg.ServiceVersion, "service-version", cfg.ServiceVersion, "Service version recorded in uploaded telemetry")

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Instrumented HTTP server listen address")
	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Stats/metrics HTTP endpoint address")

	fs.StringVar(&cfg.UploadEndpoint, "upload-endpoint", cfg.UploadEndpoint, "OTLP upload endpoint (host:port or URL)")
	fs.StringVar(&cfg.UploadProtocol, "upload-protocol", cfg.UploadProtocol, "Upload protocol: grpc or http")
	fs.BoolVar(&cfg.UploadInsecure, "upload-insecure", cfg.UploadInsecure, "Use insecure connection (no TLS) for upload")
	fs.DurationVar(&cfg.UploadTimeout, "upload-timeout", cfg.UploadTimeout, "Per-attempt upload request timeout")

	fs.BoolVar(&cfg.UploadTLSEnabled, "upload-tls-enabled", cfg.UploadTLSEnabled, "Enable custom TLS config for upload")
	fs.StringVar(&cfg.UploadTLSCertFile, "upload-tls-cert", cfg.UploadTLSCertFile, "Path to client certificate file (mTLS)")
	fs.StringVar(&cfg.UploadTLSKeyFile, "upload-tls-key", cfg.UploadTLSKeyFile, "Path to client private key file (mTLS)")
	fs.StringVar(&cfg.UploadTLSCAFile, "upload-tls-ca", cfg.UploadTLSCAFile, "Path to CA certificate for server verification")
	fs.BoolVar(&cfg.UploadTLSInsecureSkipVerify, "upload-tls-skip-verify", cfg.UploadTLSInsecureSkipVerify, "Skip TLS certificate verification")
	fs.StringVar(&cfg.UploadTLSServerName, "upload-tls-server-name", cfg.UploadTLSServerName, "Override server name for TLS verification")

	fs.StringVar(&cfg.UploadAuthBearerToken, "upload-auth-bearer-token", cfg.UploadAuthBearerToken, "Bearer token for upload authentication")
	fs.StringVar(&cfg.UploadAuthBasicUsername, "upload-auth-basic-username", cfg.UploadAuthBasicUsername, "Basic auth username for upload")
	fs.StringVar(&cfg.UploadAuthBasicPassword, "upload-auth-basic-password", cfg.UploadAuthBasicPassword, "Basic auth password for upload")
	fs.StringVar(&cfg.UploadAuthHeaders, "upload-auth-headers", cfg.UploadAuthHeaders, "Custom headers for upload (format: key1=value1,key2=value2)")

	fs.StringVar(&cfg.UploadCompression, "upload-compression", cfg.UploadCompression, "Compression for HTTP upload: none, gzip, zstd")
	fs.IntVar(&cfg.UploadCompressionLevel, "upload-compression-level", cfg.UploadCompressionLevel, "Compression level (algorithm-specific, 0 for default)")

	fs.IntVar(&cfg.UploadMaxIdleConns, "upload-max-idle-conns", cfg.UploadMaxIdleConns, "Maximum idle connections across all hosts")
	fs.IntVar(&cfg.UploadMaxIdleConnsPerHost, "upload-max-idle-conns-per-host", cfg.UploadMaxIdleConnsPerHost, "Maximum idle connections per host")
	fs.DurationVar(&cfg.UploadIdleConnTimeout, "upload-idle-conn-timeout", cfg.UploadIdleConnTimeout, "Idle connection timeout")
	fs.BoolVar(&cfg.UploadForceHTTP2, "upload-force-http2", cfg.UploadForceHTTP2, "Force HTTP/2 for upload connections")
	fs.DurationVar(&cfg.UploadHTTP2ReadIdleTimeout, "upload-http2-read-idle-timeout", cfg.UploadHTTP2ReadIdleTimeout, "HTTP/2 read idle timeout for health checks")
	fs.DurationVar(&cfg.UploadHTTP2PingTimeout, "upload-http2-ping-timeout", cfg.UploadHTTP2PingTimeout, "HTTP/2 ping timeout")

	fs.IntVar(&cfg.TraceBufferMaxItems, "trace-buffer-max-items", cfg.TraceBufferMaxItems, "Maximum number of spans to buffer")
	fs.Int64Var(&cfg.TraceBufferMaxBytes, "trace-buffer-max-bytes", cfg.TraceBufferMaxBytes, "Maximum span buffer size in bytes")
	fs.IntVar(&cfg.TraceBatchSize, "trace-batch-size", cfg.TraceBatchSize, "Maximum spans per upload batch")
	fs.DurationVar(&cfg.TraceFlushInterval, "trace-flush-interval", cfg.TraceFlushInterval, "Span buffer flush interval")

	fs.IntVar(&cfg.LogBufferMaxItems, "log-buffer-max-items", cfg.LogBufferMaxItems, "Maximum number of event records to buffer")
	fs.Int64Var(&cfg.LogBufferMaxBytes, "log-buffer-max-bytes", cfg.LogBufferMaxBytes, "Maximum event buffer size in bytes")
	fs.IntVar(&cfg.LogBatchSize, "log-batch-size", cfg.LogBatchSize, "Maximum event records per upload batch")
	fs.DurationVar(&cfg.LogFlushInterval, "log-flush-interval", cfg.LogFlushInterval, "Event buffer flush interval")

	fs.DurationVar(&cfg.CloseTimeout, "close-timeout", cfg.CloseTimeout, "Final flush timeout during shutdown")

	fs.Float64Var(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "Sampled requests per second (0 = burst only)")
	fs.IntVar(&cfg.SampleBurst, "sample-burst", cfg.SampleBurst, "Sampling burst size")

	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", cfg.RetryBaseDelay, "Initial retry delay")
	fs.Float64Var(&cfg.RetryMultiplier, "retry-multiplier", cfg.RetryMultiplier, "Retry delay multiplier")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	fs.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", cfg.RetryMaxAttempts, "Maximum attempts per batch (0 = unlimited)")

	fs.DurationVar(&cfg.ErrorDedupWindow, "error-dedup-window", cfg.ErrorDedupWindow, "Duplicate error suppression window (0 = disabled)")

	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Pipeline stats logging interval")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Minimum log level: DEBUG, INFO, WARN, ERROR")

	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of container memory to use for GOMEMLIMIT")

	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", cfg.TelemetryEndpoint, "OTLP endpoint for self-telemetry (empty = disabled)")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "Self-telemetry protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use insecure connection for self-telemetry")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "Self-telemetry metric push interval")
	fs.StringVar(&cfg.TelemetryCompression, "telemetry-compression", cfg.TelemetryCompression, "Self-telemetry compression: gzip or empty")
	fs.DurationVar(&cfg.TelemetryShutdownTimeout, "telemetry-shutdown-timeout", cfg.TelemetryShutdownTimeout, "Self-telemetry shutdown grace period")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configFileArg extracts the -config value from raw args ahead of flag
// parsing.
func configFileArg(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := strings.TrimPrefix(strings.TrimPrefix(args[i], "-"), "-")
		if arg == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if value, ok := strings.CutPrefix(arg, "config="); ok {
			return value
		}
	}
	return ""
}

// Validate checks the configuration, collecting every problem rather than
// stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.ServiceName == "" {
		errs = append(errs, "service-name is required")
	}
	if c.UploadEndpoint == "" {
		errs = append(errs, "upload-endpoint is required")
	}
	switch c.UploadProtocol {
	case "grpc", "http":
	default:
		errs = append(errs, fmt.Sprintf("upload-protocol must be grpc or http, got %q", c.UploadProtocol))
	}
	if _, err := compression.ParseType(c.UploadCompression); err != nil {
		errs = append(errs, err.Error())
	}

	if c.TraceBufferMaxItems <= 0 {
		errs = append(errs, fmt.Sprintf("trace-buffer-max-items must be positive, got %d", c.TraceBufferMaxItems))
	}
	if c.TraceBufferMaxBytes <= 0 {
		errs = append(errs, fmt.Sprintf("trace-buffer-max-bytes must be positive, got %d", c.TraceBufferMaxBytes))
	}
	if c.TraceBatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("trace-batch-size must be positive, got %d", c.TraceBatchSize))
	} else if c.TraceBufferMaxItems > 0 && c.TraceBatchSize > c.TraceBufferMaxItems {
		errs = append(errs, fmt.Sprintf("trace-batch-size (%d) must not exceed trace-buffer-max-items (%d)", c.TraceBatchSize, c.TraceBufferMaxItems))
	}
	if c.LogBufferMaxItems <= 0 {
		errs = append(errs, fmt.Sprintf("log-buffer-max-items must be positive, got %d", c.LogBufferMaxItems))
	}
	if c.LogBufferMaxBytes <= 0 {
		errs = append(errs, fmt.Sprintf("log-buffer-max-bytes must be positive, got %d", c.LogBufferMaxBytes))
	}
	if c.LogBatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("log-batch-size must be positive, got %d", c.LogBatchSize))
	} else if c.LogBufferMaxItems > 0 && c.LogBatchSize > c.LogBufferMaxItems {
		errs = append(errs, fmt.Sprintf("log-batch-size (%d) must not exceed log-buffer-max-items (%d)", c.LogBatchSize, c.LogBufferMaxItems))
	}

	if c.SampleRate < 0 {
		errs = append(errs, fmt.Sprintf("sample-rate must not be negative, got %g", c.SampleRate))
	}
	if c.SampleBurst < 1 {
		errs = append(errs, fmt.Sprintf("sample-burst must be at least 1, got %d", c.SampleBurst))
	}

	if c.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Sprintf("retry-base-delay must be positive, got %s", c.RetryBaseDelay))
	}
	if c.RetryMultiplier <= 1 {
		errs = append(errs, fmt.Sprintf("retry-multiplier must be greater than 1, got %g", c.RetryMultiplier))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Sprintf("retry-max-delay (%s) must not be less than retry-base-delay (%s)", c.RetryMaxDelay, c.RetryBaseDelay))
	}
	if c.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("retry-max-attempts must not be negative, got %d", c.RetryMaxAttempts))
	}

	if c.MemoryLimitRatio <= 0 || c.MemoryLimitRatio > 1 {
		errs = append(errs, fmt.Sprintf("memory-limit-ratio must be between 0.0 and 1.0, got %g", c.MemoryLimitRatio))
	}

	switch c.TelemetryProtocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Sprintf("telemetry-protocol must be grpc or http, got %q", c.TelemetryProtocol))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// UploaderConfig assembles the uploader configuration shared by both
// signals.
func (c *Config) UploaderConfig() uploader.Config {
	return uploader.Config{
		Endpoint:       c.UploadEndpoint,
		Protocol:       uploader.Protocol(c.UploadProtocol),
		Insecure:       c.UploadInsecure,
		Timeout:        c.UploadTimeout,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		TLS: tlsconf.Config{
			Enabled:            c.UploadTLSEnabled,
			CertFile:           c.UploadTLSCertFile,
			KeyFile:            c.UploadTLSKeyFile,
			CAFile:             c.UploadTLSCAFile,
			InsecureSkipVerify: c.UploadTLSInsecureSkipVerify,
			ServerName:         c.UploadTLSServerName,
		},
		Auth: auth.Config{
			BearerToken:   c.UploadAuthBearerToken,
			BasicUsername: c.UploadAuthBasicUsername,
			BasicPassword: c.UploadAuthBasicPassword,
			Headers:       ParseHeaders(c.UploadAuthHeaders),
		},
		Compression: compression.Config{
			Type:  compression.Type(c.UploadCompression),
			Level: c.UploadCompressionLevel,
		},
		HTTPClient: uploader.HTTPClientConfig{
			MaxIdleConns:         c.UploadMaxIdleConns,
			MaxIdleConnsPerHost:  c.UploadMaxIdleConnsPerHost,
			IdleConnTimeout:      c.UploadIdleConnTimeout,
			ForceAttemptHTTP2:    c.UploadForceHTTP2,
			HTTP2ReadIdleTimeout: c.UploadHTTP2ReadIdleTimeout,
			HTTP2PingTimeout:     c.UploadHTTP2PingTimeout,
		},
	}
}

// TraceBufferConfig assembles the span buffer configuration.
func (c *Config) TraceBufferConfig() buffer.Config {
	return buffer.Config{
		Name:          "traces",
		MaxItems:      c.TraceBufferMaxItems,
		MaxBytes:      c.TraceBufferMaxBytes,
		MaxBatchSize:  c.TraceBatchSize,
		FlushInterval: c.TraceFlushInterval,
		CloseTimeout:  c.CloseTimeout,
	}
}

// LogBufferConfig assembles the event log buffer configuration.
func (c *Config) LogBufferConfig() buffer.Config {
	return buffer.Config{
		Name:          "logs",
		MaxItems:      c.LogBufferMaxItems,
		MaxBytes:      c.LogBufferMaxBytes,
		MaxBatchSize:  c.LogBatchSize,
		FlushInterval: c.LogFlushInterval,
		CloseTimeout:  c.CloseTimeout,
	}
}

// RetryConfig assembles the upload retry configuration.
func (c *Config) RetryConfig() uploader.RetryConfig {
	return uploader.RetryConfig{
		BaseDelay:   c.RetryBaseDelay,
		Multiplier:  c.RetryMultiplier,
		MaxDelay:    c.RetryMaxDelay,
		MaxAttempts: c.RetryMaxAttempts,
	}
}

// TelemetryConfig assembles the self-telemetry configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        c.TelemetryProtocol,
		Insecure:        c.TelemetryInsecure,
		PushInterval:    c.TelemetryPushInterval,
		Compression:     c.TelemetryCompression,
		ShutdownTimeout: c.TelemetryShutdownTimeout,
	}
}

// ParseHeaders parses "key1=value1,key2=value2" into a map. Malformed pairs
// are skipped.
func ParseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}
