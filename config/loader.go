package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// WithSecretProvider registers an additional secret provider.
func (l *Loader) WithSecretProvider(p SecretProvider) *Loader {
	l.secrets.Register(p)
	return l
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, fmt.Errorf("secret resolution failed: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if cfg.Enabled && cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required when reporting is enabled")
	}
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return fmt.Errorf("endpoint %q is not a valid URL", cfg.Endpoint)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
		}
	}
	if cfg.MaxBreadcrumbs < 0 {
		return fmt.Errorf("max_breadcrumbs must be >= 0")
	}

	if cfg.Security.MaxPayloadSize <= 0 {
		return fmt.Errorf("security.max_payload_size must be > 0")
	}

	q := cfg.Quota
	if q.DailyLimit < 0 || q.MonthlyLimit < 0 || q.BurstLimit < 0 {
		return fmt.Errorf("quota limits must be >= 0")
	}
	if q.DailyLimit > 0 && q.MonthlyLimit > 0 && q.DailyLimit > q.MonthlyLimit {
		return fmt.Errorf("quota.daily_limit (%d) exceeds quota.monthly_limit (%d)", q.DailyLimit, q.MonthlyLimit)
	}
	if q.BurstLimit > 0 && q.BurstWindow <= 0 {
		return fmt.Errorf("quota.burst_window must be > 0 when burst_limit is set")
	}

	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be >= 0")
	}
	if cfg.RateLimit.DuplicateWindow < 0 {
		return fmt.Errorf("rate_limit.duplicate_window must be >= 0")
	}

	if cfg.Batch.Enabled {
		if cfg.Batch.MaxSize <= 0 {
			return fmt.Errorf("batch.max_size must be > 0")
		}
		if cfg.Batch.Timeout <= 0 {
			return fmt.Errorf("batch.timeout must be > 0")
		}
	}

	if cfg.Compression.Enabled {
		switch cfg.Compression.Algorithm {
		case "", "gzip", "zstd", "br":
		default:
			return fmt.Errorf("compression.algorithm must be gzip, zstd or br, got %q", cfg.Compression.Algorithm)
		}
		if cfg.Compression.MinRatio < 0 || cfg.Compression.MinRatio >= 1 {
			return fmt.Errorf("compression.min_ratio must be in [0, 1)")
		}
	}

	cb := cfg.CircuitBreaker
	if cb.Enabled {
		if cb.FailureThreshold <= 0 || cb.FailureThreshold > 1 {
			return fmt.Errorf("circuit_breaker.failure_threshold must be in (0, 1]")
		}
		if cb.Timeout <= 0 {
			return fmt.Errorf("circuit_breaker.timeout must be > 0")
		}
		if cb.MonitoringPeriod <= 0 {
			return fmt.Errorf("circuit_breaker.monitoring_period must be > 0")
		}
		if cb.HalfOpenRequests <= 0 {
			return fmt.Errorf("circuit_breaker.half_open_requests must be > 0")
		}
	}

	if cfg.Offline.Enabled {
		if cfg.Offline.MaxQueueSize <= 0 {
			return fmt.Errorf("offline.max_queue_size must be > 0")
		}
		if cfg.Offline.MaxAttempts <= 0 {
			return fmt.Errorf("offline.max_attempts must be > 0")
		}
	}

	r := cfg.Retry
	if r.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if r.InitialDelay < 0 || r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.initial_delay")
	}
	if r.Budget.Ratio < 0 || r.Budget.Ratio > 1 {
		return fmt.Errorf("retry.budget.ratio must be between 0.0 and 1.0")
	}

	switch cfg.Store.Type {
	case "", "memory":
	case "redis":
		if cfg.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %s", cfg.Store.Type)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	return nil
}
