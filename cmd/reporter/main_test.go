package main

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
	"github.com/Manguet/ErrorReportWordpressSDK/reporter"
	"github.com/Manguet/ErrorReportWordpressSDK/transport"
)

func TestLoadConfigOverrides(t *testing.T) {
	o, err := parseFlags([]string{
		"--endpoint", "https://errors.example.com/api",
		"--project", "blog",
		"--environment", "staging",
		"--log-level", "debug",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := loadConfig(o)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Endpoint != "https://errors.example.com/api" || cfg.Project != "blog" {
		t.Errorf("expected overrides to apply, got endpoint=%q project=%q", cfg.Endpoint, cfg.Project)
	}
	if cfg.Environment != "staging" || cfg.Logging.Level != "debug" {
		t.Errorf("expected env staging and debug logs, got %q %q", cfg.Environment, cfg.Logging.Level)
	}
}

func TestLoadConfigRequiresEndpoint(t *testing.T) {
	o, _ := parseFlags(nil)
	if _, err := loadConfig(o); err == nil {
		t.Error("expected missing endpoint to fail validation")
	}
}

func TestRelay(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Endpoint = "https://errors.example.com/api"
	cfg.Project = "blog"

	var sent atomic.Int32
	s := store.NewMemoryStore()
	defer s.Close()
	r, err := reporter.New(cfg).
		WithStore(s).
		WithSender(transport.SenderFunc(func(context.Context, []byte) error {
			sent.Add(1)
			return nil
		})).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	input := strings.Join([]string{
		`{"message":"first failure","exception_class":"TypeError"}`,
		``,
		`not json`,
		`{"message":"second failure","level":"warning"}`,
		`{"message":""}`,
	}, "\n")
	if err := relay(context.Background(), r, strings.NewReader(input)); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if got := sent.Load(); got != 2 {
		t.Errorf("expected 2 events sent, got %d", got)
	}
}
