package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
endpoint: https://errors.example.com/api/v1/report
project: shop
environment: staging
capture:
  session: false
quota:
  daily_limit: 200
  burst_window: 30s
circuit_breaker:
  failure_threshold: 0.25
  timeout: 2m
retry:
  max_attempts: 5
  initial_delay: 500ms
store:
  type: redis
  redis:
    address: "redis:6379"
`

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Project != "shop" {
		t.Errorf("expected project shop, got %s", cfg.Project)
	}
	if cfg.Capture.Session {
		t.Error("expected session capture disabled")
	}
	if !cfg.Capture.Request {
		t.Error("expected request capture to keep its default")
	}
	if cfg.Quota.DailyLimit != 200 {
		t.Errorf("expected daily limit 200, got %d", cfg.Quota.DailyLimit)
	}
	if cfg.Quota.MonthlyLimit != 10000 {
		t.Errorf("expected default monthly limit, got %d", cfg.Quota.MonthlyLimit)
	}
	if cfg.Quota.BurstWindow != 30*time.Second {
		t.Errorf("expected burst window 30s, got %v", cfg.Quota.BurstWindow)
	}
	if cfg.CircuitBreaker.FailureThreshold != 0.25 {
		t.Errorf("expected failure threshold 0.25, got %v", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.Timeout != 2*time.Minute {
		t.Errorf("expected timeout 2m, got %v", cfg.CircuitBreaker.Timeout)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.InitialDelay != 500*time.Millisecond {
		t.Errorf("unexpected retry config %+v", cfg.Retry)
	}
	if cfg.Store.Redis.Address != "redis:6379" {
		t.Errorf("expected redis address, got %s", cfg.Store.Redis.Address)
	}
	if cfg.KeyPrefix() != "errreport:shop:" {
		t.Errorf("expected key prefix errreport:shop:, got %s", cfg.KeyPrefix())
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_ENDPOINT", "https://collector.example.com/r")
	t.Setenv("TEST_DAILY", "42")

	yaml := `
endpoint: ${TEST_ENDPOINT}
quota:
  daily_limit: ${TEST_DAILY}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Endpoint != "https://collector.example.com/r" {
		t.Errorf("expected expanded endpoint, got %s", cfg.Endpoint)
	}
	if cfg.Quota.DailyLimit != 42 {
		t.Errorf("expected daily limit 42, got %d", cfg.Quota.DailyLimit)
	}
}

func TestLoaderUnsetEnvKept(t *testing.T) {
	l := NewLoader()
	got := l.expandEnvVars("a: ${DEFINITELY_NOT_SET_XYZ_42}")
	if got != "a: ${DEFINITELY_NOT_SET_XYZ_42}" {
		t.Errorf("expected unset variable to be kept, got %q", got)
	}
}

func TestLoaderLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reporter.yaml")
	os.WriteFile(path, []byte("endpoint: https://e.example.com\n"), 0o600)

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Endpoint != "https://e.example.com" {
		t.Errorf("unexpected endpoint %s", cfg.Endpoint)
	}

	if _, err := NewLoader().Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"disabled without endpoint", func(c *Config) { c.Endpoint = ""; c.Enabled = false }, ""},
		{"bad scheme", func(c *Config) { c.Endpoint = "ftp://x.example.com" }, "scheme"},
		{"daily over monthly", func(c *Config) { c.Quota.DailyLimit = 20000 }, "exceeds"},
		{"threshold above one", func(c *Config) { c.CircuitBreaker.FailureThreshold = 1.5 }, "failure_threshold"},
		{"bad algorithm", func(c *Config) { c.Compression.Algorithm = "lz4" }, "compression.algorithm"},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier"},
		{"bad store", func(c *Config) { c.Store.Type = "etcd" }, "invalid store type"},
		{"redis without address", func(c *Config) { c.Store.Type = "redis"; c.Store.Redis.Address = "" }, "address"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging level"},
		{"batch zero size", func(c *Config) { c.Batch.Enabled = true; c.Batch.MaxSize = 0 }, "batch.max_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Endpoint = "https://errors.example.com/report"
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
