package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "trader": {
    "prometheus": {
      "output_path": "data",
      "recorder": {"recv_interval": 1000}
    },
    "maximum_reconnect_tries": 3,
    "create_connection_timeout": 3,
    "ssl_handshake_timeout": 3,
    "ssl_shutdown_timeout": 3,
    "check_ping_interval": 3,
    "check_recv_interval": 30,
    "reconnect_cooldown": 1.5,
    "instrument": [
      {"exchange": "Binance", "symbol": "btcusdt"},
      {"exchange": "binance-futures", "symbol": "ETHUSDT"}
    ]
  }
}`

// writeTempConfig stores content in a temporary file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trader.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, validJSON))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	tr := cfg.Trader
	if tr.Prometheus.OutputPath != "data" {
		t.Errorf("unexpected output path: %s", tr.Prometheus.OutputPath)
	}
	if got := tr.Prometheus.Recorder.RecvInterval.Duration(); got != time.Second {
		t.Errorf("unexpected recv interval: %s", got)
	}
	if got := tr.ReconnectCooldown.Duration(); got != 1500*time.Millisecond {
		t.Errorf("unexpected cooldown: %s", got)
	}
	if tr.MaximumReconnectTries != 3 {
		t.Errorf("unexpected max reconnect tries: %d", tr.MaximumReconnectTries)
	}
	if tr.Instrument[0].Exchange != "binance" || tr.Instrument[0].Symbol != "BTCUSDT" {
		t.Errorf("instrument not normalised: %+v", tr.Instrument[0])
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := LoadConfig("zeus.example.json")
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if len(cfg.Trader.Shards) != 1 || len(cfg.Trader.Instrument) != 6 {
		t.Errorf("unexpected example layout: %d shards, %d instruments", len(cfg.Trader.Shards), len(cfg.Trader.Instrument))
	}
	if cfg.Trader.Prometheus.S3.MetadataPath != "data/_table" {
		t.Errorf("metadata path not decoded: %q", cfg.Trader.Prometheus.S3.MetadataPath)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(validJSON))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.Trader.SessionGrouping != GroupingExchange {
		t.Errorf("expected default grouping %q, got %q", GroupingExchange, cfg.Trader.SessionGrouping)
	}
	if cfg.Trader.RestartPolicy != RestartPolicyExit {
		t.Errorf("expected default restart policy %q, got %q", RestartPolicyExit, cfg.Trader.RestartPolicy)
	}
	if cfg.Trader.Prometheus.Recorder.Overflow != OverflowDropOldest {
		t.Errorf("unexpected overflow default: %s", cfg.Trader.Prometheus.Recorder.Overflow)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging format default: %s", cfg.Logging.Format)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseConfigZeroRetriesAllowed(t *testing.T) {
	raw := strings.Replace(validJSON, `"maximum_reconnect_tries": 3`, `"maximum_reconnect_tries": 0`, 1)
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatalf("expected zero retries to be valid: %v", err)
	}
	if cfg.Trader.MaximumReconnectTries != 0 {
		t.Fatalf("expected 0 retries, got %d", cfg.Trader.MaximumReconnectTries)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		wantErr string
	}{
		{"negative retries", `"maximum_reconnect_tries": 3`, `"maximum_reconnect_tries": -1`, "maximum_reconnect_tries"},
		{"zero connect timeout", `"create_connection_timeout": 3`, `"create_connection_timeout": 0`, "create_connection_timeout"},
		{"negative handshake timeout", `"ssl_handshake_timeout": 3`, `"ssl_handshake_timeout": -2`, "ssl_handshake_timeout"},
		{"zero shutdown timeout", `"ssl_shutdown_timeout": 3`, `"ssl_shutdown_timeout": 0`, "ssl_shutdown_timeout"},
		{"zero ping interval", `"check_ping_interval": 3`, `"check_ping_interval": 0`, "check_ping_interval"},
		{"zero recv interval", `"check_recv_interval": 30`, `"check_recv_interval": 0`, "check_recv_interval"},
		{"zero cooldown", `"reconnect_cooldown": 1.5`, `"reconnect_cooldown": 0`, "reconnect_cooldown"},
		{"zero flush interval", `"recv_interval": 1000`, `"recv_interval": 0`, "recv_interval"},
		{"missing output path", `"output_path": "data"`, `"output_path": ""`, "output_path"},
		{"empty symbol", `"symbol": "btcusdt"`, `"symbol": ""`, "symbol"},
		{"no instruments", `"instrument": [`, `"instrument": [], "unused": [`, "at least one"},
		{"bad grouping", `"maximum_reconnect_tries": 3`, `"maximum_reconnect_tries": 3, "session_grouping": "venue"`, "session_grouping"},
		{"bad restart policy", `"maximum_reconnect_tries": 3`, `"maximum_reconnect_tries": 3, "restart_policy": "panic"`, "restart_policy"},
		{"bad overflow", `"recv_interval": 1000`, `"recv_interval": 1000, "overflow": "block"`, "overflow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := strings.Replace(validJSON, tt.old, tt.new, 1)
			if raw == validJSON {
				t.Fatalf("replacement %q not applied", tt.old)
			}
			_, err := ParseConfig([]byte(raw))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestS3EnvOverrides(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("S3_BUCKET", "zeus-snapshots")

	raw := strings.Replace(validJSON, `"recorder": {"recv_interval": 1000}`,
		`"recorder": {"recv_interval": 1000}, "s3": {"enabled": true}`, 1)
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.Trader.Prometheus.S3.Region != "eu-west-1" {
		t.Errorf("region not taken from env: %q", cfg.Trader.Prometheus.S3.Region)
	}
	if cfg.Trader.Prometheus.S3.Bucket != "zeus-snapshots" {
		t.Errorf("bucket not taken from env: %q", cfg.Trader.Prometheus.S3.Bucket)
	}
}

func TestCloudWatchEnvironment(t *testing.T) {
	cases := []struct {
		appEnv string
		config string
		want   string
	}{
		{"", "", EnvironmentDevelopment},
		{"prod", "", EnvironmentProduction},
		{" Stage ", "", EnvironmentStaging},
		{"qa", "", "qa"},
		{"prod", "dev", EnvironmentDevelopment},
	}
	for _, c := range cases {
		t.Setenv("APP_ENV", c.appEnv)
		raw := validJSON
		if c.config != "" {
			raw = strings.Replace(validJSON, `"trader": {`, `"cloudwatch": {"environment": "`+c.config+`"}, "trader": {`, 1)
		}
		cfg, err := ParseConfig([]byte(raw))
		if err != nil {
			t.Fatalf("ParseConfig failed: %v", err)
		}
		if cfg.CloudWatch.Environment != c.want {
			t.Errorf("APP_ENV=%q config=%q: environment = %q, want %q", c.appEnv, c.config, cfg.CloudWatch.Environment, c.want)
		}
	}
}

func TestS3RequiresBucket(t *testing.T) {
	t.Setenv("S3_BUCKET", "")
	t.Setenv("AWS_REGION", "")

	raw := strings.Replace(validJSON, `"recorder": {"recv_interval": 1000}`,
		`"recorder": {"recv_interval": 1000}, "s3": {"enabled": true, "region": "us-east-1"}`, 1)
	if _, err := ParseConfig([]byte(raw)); err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Fatalf("expected bucket error, got %v", err)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"zeus", "zeus-market-data", "a.b.c"}
	invalid := []string{"ab", "Zeus", "zeus..data", ".zeus", "zeus."}
	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}
