package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spotx/exchange-engine/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load with missing file: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("http.port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Trading.CommissionRate != "0.015" {
		t.Errorf("commission_rate = %q, want 0.015", cfg.Trading.CommissionRate)
	}
	if len(cfg.Trading.Symbols) != 2 {
		t.Errorf("symbols = %v, want two defaults", cfg.Trading.Symbols)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
service_name: spotx-test
log_level: debug
http:
  port: 9090
trading:
  commission_rate: "0.02"
auth:
  token_ttl: 1h
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "spotx-test" {
		t.Errorf("service_name = %q", cfg.ServiceName)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("http.port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Trading.CommissionRate != "0.02" {
		t.Errorf("commission_rate = %q, want 0.02", cfg.Trading.CommissionRate)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Errorf("token_ttl = %v, want 1h", cfg.Auth.TokenTTL)
	}
	// Untouched keys keep their defaults.
	if cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v, want 10s", cfg.HTTP.ReadTimeout)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("SPOTX_HTTP_PORT", "7070")
	t.Setenv("SPOTX_TRADING_COMMISSION_RATE", "0")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("http.port = %d, want 7070", cfg.HTTP.Port)
	}
	if cfg.Trading.CommissionRate != "0" {
		t.Errorf("commission_rate = %q, want 0", cfg.Trading.CommissionRate)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http: [not: valid"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("load of malformed file succeeded, want error")
	}
}
