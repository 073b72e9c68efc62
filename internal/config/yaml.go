package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Service   ServiceYAMLConfig   `yaml:"service"`
	Listen    ListenYAMLConfig    `yaml:"listen"`
	Upload    UploadYAMLConfig    `yaml:"upload"`
	Traces    BufferYAMLConfig    `yaml:"traces"`
	Logs      BufferYAMLConfig    `yaml:"logs"`
	Sampling  SamplingYAMLConfig  `yaml:"sampling"`
	Retry     RetryYAMLConfig     `yaml:"retry"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	Logging   LoggingYAMLConfig   `yaml:"logging"`
	Memory    MemoryYAMLConfig    `yaml:"memory"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
}

// ServiceYAMLConfig identifies the monitored service.
type ServiceYAMLConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ListenYAMLConfig holds listen addresses.
type ListenYAMLConfig struct {
	Addr      string `yaml:"addr"`
	StatsAddr string `yaml:"stats_addr"`
}

// UploadYAMLConfig holds upload endpoint settings.
type UploadYAMLConfig struct {
	Endpoint    string                `yaml:"endpoint"`
	Protocol    string                `yaml:"protocol"`
	Insecure    *bool                 `yaml:"insecure"`
	Timeout     Duration              `yaml:"timeout"`
	TLS         TLSYAMLConfig         `yaml:"tls"`
	Auth        AuthYAMLConfig        `yaml:"auth"`
	Compression CompressionYAMLConfig `yaml:"compression"`
	HTTPClient  HTTPClientYAMLConfig  `yaml:"http_client"`
}

// TLSYAMLConfig holds client TLS settings.
type TLSYAMLConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// AuthYAMLConfig holds client authentication settings.
type AuthYAMLConfig struct {
	BearerToken   string            `yaml:"bearer_token"`
	BasicUsername string            `yaml:"basic_username"`
	BasicPassword string            `yaml:"basic_password"`
	Headers       map[string]string `yaml:"headers"`
}

// CompressionYAMLConfig holds compression settings.
type CompressionYAMLConfig struct {
	Type  string `yaml:"type"`
	Level int    `yaml:"level"`
}

// HTTPClientYAMLConfig holds HTTP client pool settings.
type HTTPClientYAMLConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	ForceHTTP2           *bool    `yaml:"force_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// BufferYAMLConfig holds per-signal buffer settings.
type BufferYAMLConfig struct {
	MaxItems      int      `yaml:"max_items"`
	MaxBytes      ByteSize `yaml:"max_bytes"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	CloseTimeout  Duration `yaml:"close_timeout"`
}

// SamplingYAMLConfig holds sampling settings.
type SamplingYAMLConfig struct {
	Rate  *float64 `yaml:"rate"`
	Burst int      `yaml:"burst"`
}

// RetryYAMLConfig holds upload retry settings.
type RetryYAMLConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// StatsYAMLConfig holds stats settings.
type StatsYAMLConfig struct {
	Interval Duration `yaml:"interval"`
}

// LoggingYAMLConfig holds logging settings.
type LoggingYAMLConfig struct {
	Level            string   `yaml:"level"`
	ErrorDedupWindow Duration `yaml:"error_dedup_window"`
}

// MemoryYAMLConfig holds memory limit settings.
type MemoryYAMLConfig struct {
	LimitRatio float64 `yaml:"limit_ratio"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring settings.
type TelemetryYAMLConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	Protocol        string   `yaml:"protocol"`
	Insecure        *bool    `yaml:"insecure"`
	PushInterval    Duration `yaml:"push_interval"`
	Compression     string   `yaml:"compression"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Duration is a wrapper for time.Duration that accepts Go duration strings
// in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*b = 0
		return nil
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses a human-readable byte size string. Accepted suffixes:
// Ki (1024), Mi (1048576), Gi (1073741824), Ti (1099511627776). Plain
// integers are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	type suffix struct {
		name string
		mult int64
	}
	suffixes := []suffix{
		{"Ti", 1099511627776},
		{"Gi", 1073741824},
		{"Mi", 1048576},
		{"Ki", 1024},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay applies the YAML values on top of cfg. Zero values in the YAML
// leave cfg untouched; pointer fields distinguish "absent" from an explicit
// false or zero.
func (y *YAMLConfig) overlay(cfg *Config) {
	if y.Service.Name != "" {
		cfg.ServiceName = y.Service.Name
	}
	if y.Service.Version != "" {
		cfg.ServiceVersion = y.Service.Version
	}

	if y.Listen.Addr != "" {
		cfg.ListenAddr = y.Listen.Addr
	}
	if y.Listen.StatsAddr != "" {
		cfg.StatsAddr = y.Listen.StatsAddr
	}

	if y.Upload.Endpoint != "" {
		cfg.UploadEndpoint = y.Upload.Endpoint
	}
	if y.Upload.Protocol != "" {
		cfg.UploadProtocol = y.Upload.Protocol
	}
	if y.Upload.Insecure != nil {
		cfg.UploadInsecure = *y.Upload.Insecure
	}
	if y.Upload.Timeout > 0 {
		cfg.UploadTimeout = time.Duration(y.Upload.Timeout)
	}

	if y.Upload.TLS.Enabled {
		cfg.UploadTLSEnabled = true
		cfg.UploadTLSCertFile = y.Upload.TLS.CertFile
		cfg.UploadTLSKeyFile = y.Upload.TLS.KeyFile
		cfg.UploadTLSCAFile = y.Upload.TLS.CAFile
		cfg.UploadTLSInsecureSkipVerify = y.Upload.TLS.InsecureSkipVerify
		cfg.UploadTLSServerName = y.Upload.TLS.ServerName
	}

	if y.Upload.Auth.BearerToken != "" {
		cfg.UploadAuthBearerToken = y.Upload.Auth.BearerToken
	}
	if y.Upload.Auth.BasicUsername != "" {
		cfg.UploadAuthBasicUsername = y.Upload.Auth.BasicUsername
	}
	if y.Upload.Auth.BasicPassword != "" {
		cfg.UploadAuthBasicPassword = y.Upload.Auth.BasicPassword
	}
	if len(y.Upload.Auth.Headers) > 0 {
		pairs := make([]string, 0, len(y.Upload.Auth.Headers))
		for k, v := range y.Upload.Auth.Headers {
			pairs = append(pairs, k+"="+v)
		}
		cfg.UploadAuthHeaders = strings.Join(pairs, ",")
	}

	if y.Upload.Compression.Type != "" {
		cfg.UploadCompression = y.Upload.Compression.Type
	}
	if y.Upload.Compression.Level != 0 {
		cfg.UploadCompressionLevel = y.Upload.Compression.Level
	}

	if y.Upload.HTTPClient.MaxIdleConns > 0 {
		cfg.UploadMaxIdleConns = y.Upload.HTTPClient.MaxIdleConns
	}
	if y.Upload.HTTPClient.MaxIdleConnsPerHost > 0 {
		cfg.UploadMaxIdleConnsPerHost = y.Upload.HTTPClient.MaxIdleConnsPerHost
	}
	if y.Upload.HTTPClient.IdleConnTimeout > 0 {
		cfg.UploadIdleConnTimeout = time.Duration(y.Upload.HTTPClient.IdleConnTimeout)
	}
	if y.Upload.HTTPClient.ForceHTTP2 != nil {
		cfg.UploadForceHTTP2 = *y.Upload.HTTPClient.ForceHTTP2
	}
	if y.Upload.HTTPClient.HTTP2ReadIdleTimeout > 0 {
		cfg.UploadHTTP2ReadIdleTimeout = time.Duration(y.Upload.HTTPClient.HTTP2ReadIdleTimeout)
	}
	if y.Upload.HTTPClient.HTTP2PingTimeout > 0 {
		cfg.UploadHTTP2PingTimeout = time.Duration(y.Upload.HTTPClient.HTTP2PingTimeout)
	}

	if y.Traces.MaxItems > 0 {
		cfg.TraceBufferMaxItems = y.Traces.MaxItems
	}
	if y.Traces.MaxBytes > 0 {
		cfg.TraceBufferMaxBytes = int64(y.Traces.MaxBytes)
	}
	if y.Traces.BatchSize > 0 {
		cfg.TraceBatchSize = y.Traces.BatchSize
	}
	if y.Traces.FlushInterval > 0 {
		cfg.TraceFlushInterval = time.Duration(y.Traces.FlushInterval)
	}
	if y.Traces.CloseTimeout > 0 {
		cfg.CloseTimeout = time.Duration(y.Traces.CloseTimeout)
	}

	if y.Logs.MaxItems > 0 {
		cfg.LogBufferMaxItems = y.Logs.MaxItems
	}
	if y.Logs.MaxBytes > 0 {
		cfg.LogBufferMaxBytes = int64(y.Logs.MaxBytes)
	}
	if y.Logs.BatchSize > 0 {
		cfg.LogBatchSize = y.Logs.BatchSize
	}
	if y.Logs.FlushInterval > 0 {
		cfg.LogFlushInterval = time.Duration(y.Logs.FlushInterval)
	}

	if y.Sampling.Rate != nil {
		cfg.SampleRate = *y.Sampling.Rate
	}
	if y.Sampling.Burst > 0 {
		cfg.SampleBurst = y.Sampling.Burst
	}

	if y.Retry.BaseDelay > 0 {
		cfg.RetryBaseDelay = time.Duration(y.Retry.BaseDelay)
	}
	if y.Retry.Multiplier > 0 {
		cfg.RetryMultiplier = y.Retry.Multiplier
	}
	if y.Retry.MaxDelay > 0 {
		cfg.RetryMaxDelay = time.Duration(y.Retry.MaxDelay)
	}
	if y.Retry.MaxAttempts > 0 {
		cfg.RetryMaxAttempts = y.Retry.MaxAttempts
	}

	if y.Stats.Interval > 0 {
		cfg.StatsInterval = time.Duration(y.Stats.Interval)
	}

	if y.Logging.Level != "" {
		cfg.LogLevel = y.Logging.Level
	}
	if y.Logging.ErrorDedupWindow > 0 {
		cfg.ErrorDedupWindow = time.Duration(y.Logging.ErrorDedupWindow)
	}

	if y.Memory.LimitRatio > 0 {
		cfg.MemoryLimitRatio = y.Memory.LimitRatio
	}

	if y.Telemetry.Endpoint != "" {
		cfg.TelemetryEndpoint = y.Telemetry.Endpoint
	}
	if y.Telemetry.Protocol != "" {
		cfg.TelemetryProtocol = y.Telemetry.Protocol
	}
	if y.Telemetry.Insecure != nil {
		cfg.TelemetryInsecure = *y.Telemetry.Insecure
	}
	if y.Telemetry.PushInterval > 0 {
		cfg.TelemetryPushInterval = time.Duration(y.Telemetry.PushInterval)
	}
	if y.Telemetry.Compression != "" {
		cfg.TelemetryCompression = y.Telemetry.Compression
	}
	if y.Telemetry.ShutdownTimeout > 0 {
		cfg.TelemetryShutdownTimeout = time.Duration(y.Telemetry.ShutdownTimeout)
	}
}
