package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Seconds is a configuration duration expressed in (possibly fractional) seconds.
type Seconds float64

// Duration converts the value to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Milliseconds is a configuration duration expressed in milliseconds.
type Milliseconds int64

// Duration converts the value to a time.Duration.
func (m Milliseconds) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

type Config struct {
	Trader     TraderConfig     `yaml:"trader"`
	Logging    LoggingConfig    `yaml:"logging"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type TraderConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`

	MaximumReconnectTries   int     `yaml:"maximum_reconnect_tries"`
	CreateConnectionTimeout Seconds `yaml:"create_connection_timeout"`
	SSLHandshakeTimeout     Seconds `yaml:"ssl_handshake_timeout"`
	SSLShutdownTimeout      Seconds `yaml:"ssl_shutdown_timeout"`
	CheckPingInterval       Seconds `yaml:"check_ping_interval"`
	CheckRecvInterval       Seconds `yaml:"check_recv_interval"`
	ReconnectCooldown       Seconds `yaml:"reconnect_cooldown"`
	MaxDecodeErrors         int     `yaml:"max_decode_errors"`

	SessionGrouping string  `yaml:"session_grouping"`
	RestartPolicy   string  `yaml:"restart_policy"`
	ShutdownTimeout Seconds `yaml:"shutdown_timeout"`

	Shards     []ShardConfig      `yaml:"shards"`
	Instrument []InstrumentConfig `yaml:"instrument"`
}

type PrometheusConfig struct {
	OutputPath    string         `yaml:"output_path"`
	ListenAddress string         `yaml:"listen_address"`
	Recorder      RecorderConfig `yaml:"recorder"`
	S3            S3Config       `yaml:"s3"`
}

type RecorderConfig struct {
	RecvInterval      Milliseconds `yaml:"recv_interval"`
	BufferLimit       int          `yaml:"buffer_limit"`
	Overflow          string       `yaml:"overflow"`
	SinkFailurePolicy string       `yaml:"sink_failure_policy"`
	RetryAttempts     int          `yaml:"retry_attempts"`
	RetryBackoff      Milliseconds `yaml:"retry_backoff"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// MetadataPath enables the local table metadata for uploaded objects.
	MetadataPath    string `yaml:"metadata_path"`
}

// ShardConfig pins a set of instruments (by "exchange.SYMBOL" name) to their
// own session, optionally dialing from a specific local address.
type ShardConfig struct {
	Name        string   `yaml:"name"`
	SourceIP    string   `yaml:"source_ip"`
	Instruments []string `yaml:"instruments"`
}

type InstrumentConfig struct {
	Exchange string `yaml:"exchange"`
	Symbol   string `yaml:"symbol"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`

	// Environment tags every published metric; APP_ENV when unset.
	Environment string `yaml:"environment"`
}

const (
	GroupingExchange   = "exchange"
	GroupingInstrument = "instrument"

	RestartPolicyExit    = "exit"
	RestartPolicyRestart = "restart"

	OverflowDropOldest = "drop_oldest"
	OverflowDropNewest = "drop_newest"

	SinkFailureDrop  = "drop"
	SinkFailureRetry = "retry"
)

func defaultConfig() Config {
	return Config{
		Trader: TraderConfig{
			SessionGrouping: GroupingExchange,
			RestartPolicy:   RestartPolicyExit,
			ShutdownTimeout: 10,
			Prometheus: PrometheusConfig{
				Recorder: RecorderConfig{
					Overflow:          OverflowDropOldest,
					SinkFailurePolicy: SinkFailureDrop,
					RetryAttempts:     3,
					RetryBackoff:      500,
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		CloudWatch: CloudWatchConfig{
			Namespace: "Zeus",
			Dashboard: "Zeus",
		},
	}
}

// LoadConfig reads the JSON trader configuration at path. JSON is a subset of
// YAML, so the same decoder also accepts YAML files.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes, normalises and validates raw configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	config := defaultConfig()
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	normalize(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	s3 := &config.Trader.Prometheus.S3
	if !s3.Enabled {
		return
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		s3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		s3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		s3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		s3.Bucket = strings.TrimSpace(v)
	}
}

func normalize(config *Config) {
	t := &config.Trader
	t.SessionGrouping = strings.ToLower(strings.TrimSpace(t.SessionGrouping))
	t.RestartPolicy = strings.ToLower(strings.TrimSpace(t.RestartPolicy))
	t.Prometheus.OutputPath = strings.TrimSpace(t.Prometheus.OutputPath)
	t.Prometheus.S3.Bucket = strings.TrimSpace(t.Prometheus.S3.Bucket)
	t.Prometheus.S3.Prefix = strings.Trim(strings.TrimSpace(t.Prometheus.S3.Prefix), "/")
	t.Prometheus.S3.MetadataPath = strings.TrimSpace(t.Prometheus.S3.MetadataPath)

	if config.CloudWatch.Environment == "" {
		config.CloudWatch.Environment = AppEnvironment()
	} else {
		config.CloudWatch.Environment = canonicalEnvironment(config.CloudWatch.Environment)
	}

	rec := &t.Prometheus.Recorder
	rec.Overflow = strings.ToLower(strings.TrimSpace(rec.Overflow))
	rec.SinkFailurePolicy = strings.ToLower(strings.TrimSpace(rec.SinkFailurePolicy))

	for i := range t.Instrument {
		t.Instrument[i].Exchange = strings.ToLower(strings.TrimSpace(t.Instrument[i].Exchange))
		t.Instrument[i].Symbol = strings.ToUpper(strings.TrimSpace(t.Instrument[i].Symbol))
	}
}

func validateConfig(cfg *Config) error {
	t := cfg.Trader

	if t.Prometheus.OutputPath == "" {
		return fmt.Errorf("trader.prometheus.output_path is required")
	}
	if t.Prometheus.Recorder.RecvInterval <= 0 {
		return fmt.Errorf("trader.prometheus.recorder.recv_interval must be greater than 0")
	}
	if t.Prometheus.Recorder.BufferLimit < 0 {
		return fmt.Errorf("trader.prometheus.recorder.buffer_limit must not be negative")
	}
	switch t.Prometheus.Recorder.Overflow {
	case OverflowDropOldest, OverflowDropNewest:
	default:
		return fmt.Errorf("trader.prometheus.recorder.overflow '%s' is invalid", t.Prometheus.Recorder.Overflow)
	}
	switch t.Prometheus.Recorder.SinkFailurePolicy {
	case SinkFailureDrop:
	case SinkFailureRetry:
		if t.Prometheus.Recorder.RetryAttempts <= 0 {
			return fmt.Errorf("trader.prometheus.recorder.retry_attempts must be greater than 0")
		}
		if t.Prometheus.Recorder.RetryBackoff < 0 {
			return fmt.Errorf("trader.prometheus.recorder.retry_backoff must not be negative")
		}
	default:
		return fmt.Errorf("trader.prometheus.recorder.sink_failure_policy '%s' is invalid", t.Prometheus.Recorder.SinkFailurePolicy)
	}

	if t.MaximumReconnectTries < 0 {
		return fmt.Errorf("trader.maximum_reconnect_tries must not be negative")
	}
	if t.MaxDecodeErrors < 0 {
		return fmt.Errorf("trader.max_decode_errors must not be negative")
	}

	durations := []struct {
		name  string
		value Seconds
	}{
		{"create_connection_timeout", t.CreateConnectionTimeout},
		{"ssl_handshake_timeout", t.SSLHandshakeTimeout},
		{"ssl_shutdown_timeout", t.SSLShutdownTimeout},
		{"check_ping_interval", t.CheckPingInterval},
		{"check_recv_interval", t.CheckRecvInterval},
		{"reconnect_cooldown", t.ReconnectCooldown},
		{"shutdown_timeout", t.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("trader.%s must be greater than 0", d.name)
		}
	}

	switch t.SessionGrouping {
	case GroupingExchange, GroupingInstrument:
	default:
		return fmt.Errorf("trader.session_grouping '%s' is invalid", t.SessionGrouping)
	}
	switch t.RestartPolicy {
	case RestartPolicyExit, RestartPolicyRestart:
	default:
		return fmt.Errorf("trader.restart_policy '%s' is invalid", t.RestartPolicy)
	}

	if len(t.Instrument) == 0 {
		return fmt.Errorf("trader.instrument must contain at least one entry")
	}
	known := make(map[string]struct{}, len(t.Instrument))
	for i, ins := range t.Instrument {
		if ins.Exchange == "" {
			return fmt.Errorf("trader.instrument[%d].exchange is required", i)
		}
		if ins.Symbol == "" {
			return fmt.Errorf("trader.instrument[%d].symbol is required", i)
		}
		known[ins.Exchange+"."+ins.Symbol] = struct{}{}
	}

	if err := validateShards(t.Shards, known); err != nil {
		return err
	}

	if s3 := t.Prometheus.S3; s3.Enabled {
		if s3.Bucket == "" {
			return fmt.Errorf("trader.prometheus.s3.bucket is required when S3 is enabled")
		}
		if s3.Region == "" {
			return fmt.Errorf("trader.prometheus.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(s3.Bucket) {
			return fmt.Errorf("trader.prometheus.s3.bucket '%s' is invalid", s3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
