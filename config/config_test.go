package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a config file inside a test directory
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func clearOverrides(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DEPTHSYNC_SYMBOL", "KAFKA_BROKERS", "AWS_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "APP_ENV"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfig(t *testing.T) {
	clearOverrides(t)
	path := writeTempConfig(t, `depthsync:
  name: "TestApp"
  symbol: "ethusdt"
channels:
  diff_buffer: 16
engine:
  max_snapshot_retries: 5
source:
  binance:
    stream:
      update_speed: 1s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Depthsync.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Depthsync.Name)
	}
	if cfg.Depthsync.Symbol != "ETHUSDT" {
		t.Errorf("symbol not upper cased: %s", cfg.Depthsync.Symbol)
	}
	if cfg.Channels.DiffBuffer != 16 {
		t.Errorf("unexpected diff buffer: %d", cfg.Channels.DiffBuffer)
	}
	if cfg.Engine.MaxSnapshotRetries != 5 {
		t.Errorf("unexpected max retries: %d", cfg.Engine.MaxSnapshotRetries)
	}
	if cfg.Source.Binance.Stream.UpdateSpeed != time.Second {
		t.Errorf("unexpected update speed: %s", cfg.Source.Binance.Stream.UpdateSpeed)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearOverrides(t)
	path := writeTempConfig(t, "depthsync:\n  name: \"TestApp\"\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Depthsync.Symbol != "BTCUSDT" {
		t.Errorf("default symbol = %s", cfg.Depthsync.Symbol)
	}
	if cfg.Engine.MaxSnapshotRetries != 3 {
		t.Errorf("default max retries = %d", cfg.Engine.MaxSnapshotRetries)
	}
	if cfg.Channels.OverflowPolicy != "drop" {
		t.Errorf("default overflow policy = %s", cfg.Channels.OverflowPolicy)
	}
	if cfg.Source.Binance.Snapshot.Limit != 1000 {
		t.Errorf("default snapshot limit = %d", cfg.Source.Binance.Snapshot.Limit)
	}
	if cfg.Publisher.Period != 5*time.Second {
		t.Errorf("default publish period = %s", cfg.Publisher.Period)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearOverrides(t)
	t.Setenv("DEPTHSYNC_SYMBOL", "solusdt")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("AWS_REGION", " eu-west-1 ")
	path := writeTempConfig(t, `publisher:
  kafka:
    enabled: true
  cloudwatch:
    enabled: true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Depthsync.Symbol != "SOLUSDT" {
		t.Errorf("symbol override = %s", cfg.Depthsync.Symbol)
	}
	if len(cfg.Publisher.Kafka.Brokers) != 2 || cfg.Publisher.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers override = %v", cfg.Publisher.Kafka.Brokers)
	}
	if cfg.Publisher.CloudWatch.Region != "eu-west-1" {
		t.Errorf("region override = %q", cfg.Publisher.CloudWatch.Region)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"zero buffer", "channels:\n  diff_buffer: 0\n", "diff_buffer"},
		{"bad policy", "channels:\n  overflow_policy: spill\n", "overflow_policy"},
		{"negative retries", "engine:\n  max_snapshot_retries: -1\n", "max_snapshot_retries"},
		{"bad speed", "source:\n  binance:\n    stream:\n      update_speed: 250ms\n", "update_speed"},
		{"snapshot limit", "source:\n  binance:\n    snapshot:\n      limit: 6000\n", "limit"},
		{"kafka without brokers", "publisher:\n  kafka:\n    enabled: true\n", "brokers"},
		{"empty symbol", "depthsync:\n  symbol: \"  \"\n", "symbol"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			clearOverrides(t)
			_, err := LoadConfig(writeTempConfig(t, c.content))
			if err == nil {
				t.Fatalf("expected error containing %q", c.wantErr)
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("error %q does not mention %q", err, c.wantErr)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write prod config: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath("", def); got != prod {
		t.Errorf("ResolvePath default under prod = %s, want %s", got, prod)
	}
	if got := ResolvePath("/etc/depthsync.yml", def); got != "/etc/depthsync.yml" {
		t.Errorf("explicit path rewritten to %s", got)
	}

	t.Setenv("APP_ENV", "stag")
	if got := ResolvePath(def, def); got != def {
		t.Errorf("missing staging file should fall back, got %s", got)
	}

	t.Setenv("APP_ENV", "")
	if AppEnvironment() != EnvironmentDevelopment {
		t.Errorf("empty APP_ENV = %s", AppEnvironment())
	}
	if IsProductionLike(EnvironmentDevelopment) || !IsProductionLike(EnvironmentStaging) {
		t.Error("IsProductionLike mismatch")
	}
}
