package config

import (
	"time"
)

// Config represents the complete reporter configuration
type Config struct {
	Endpoint       string               `yaml:"endpoint"`
	Enabled        bool                 `yaml:"enabled"`
	Project        string               `yaml:"project"`
	Environment    string               `yaml:"environment"`
	Capture        CaptureConfig        `yaml:"capture"`
	MaxBreadcrumbs int                  `yaml:"max_breadcrumbs"`
	Security       SecurityConfig       `yaml:"security"`
	Quota          QuotaConfig          `yaml:"quota"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Batch          BatchConfig          `yaml:"batch"`
	Compression    CompressionConfig    `yaml:"compression"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Offline        OfflineConfig        `yaml:"offline"`
	Retry          RetryConfig          `yaml:"retry"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Transport      TransportConfig      `yaml:"transport"`
	Store          StoreConfig          `yaml:"store"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// CaptureConfig toggles which context blocks are forwarded.
type CaptureConfig struct {
	Request bool `yaml:"request"`
	Session bool `yaml:"session"`
	Server  bool `yaml:"server"`
}

// SecurityConfig controls payload validation and endpoint checks.
type SecurityConfig struct {
	MaxPayloadSize         int      `yaml:"max_payload_size"`        // bytes, serialized event
	RequireHTTPS           bool     `yaml:"require_https"`           // enforced in production environments only
	ProductionEnvironments []string `yaml:"production_environments"` // default production, prod, live
	AllowedDomains         []string `yaml:"allowed_domains"`         // empty allows any host
	SensitiveKeys          []string `yaml:"sensitive_keys"`          // extra key fragments to redact
}

// QuotaConfig defines volume ceilings.
type QuotaConfig struct {
	DailyLimit     int           `yaml:"daily_limit"`
	MonthlyLimit   int           `yaml:"monthly_limit"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
	BurstLimit     int           `yaml:"burst_limit"`
	BurstWindow    time.Duration `yaml:"burst_window"`
}

// RateLimitConfig defines the send cap and duplicate suppression.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	DuplicateWindow   time.Duration `yaml:"duplicate_window"`
	StackFrames       int           `yaml:"stack_frames"`    // frames in the fingerprint signature
	InternalFrames    []string      `yaml:"internal_frames"` // path fragments of platform frames to skip
}

// BatchConfig defines event batching.
type BatchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxSize        int           `yaml:"max_size"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
}

// CompressionConfig defines payload compression.
type CompressionConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold int     `yaml:"threshold"` // bytes; smaller payloads are sent as is
	Level     int     `yaml:"level"`
	Algorithm string  `yaml:"algorithm"` // "gzip" (default), "zstd", "br"
	MinRatio  float64 `yaml:"min_ratio"` // minimum estimated saving, 0.0-1.0
}

// CircuitBreakerConfig defines circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold float64       `yaml:"failure_threshold"` // failure ratio 0.0-1.0
	MinimumRequests  int           `yaml:"minimum_requests"`
	Timeout          time.Duration `yaml:"timeout"` // open -> half-open
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// OfflineConfig defines the durable fallback queue.
type OfflineConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxQueueSize    int           `yaml:"max_queue_size"`
	MaxAge          time.Duration `yaml:"max_age"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ReplayInterval  time.Duration `yaml:"replay_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ReplayRate      float64       `yaml:"replay_rate"` // entries per second during replay
}

// RetryConfig defines retry behavior for sends.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"` // retries after the first attempt
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	Jitter        bool          `yaml:"jitter"`
	PerTryTimeout time.Duration `yaml:"per_try_timeout"`
	Budget        BudgetConfig  `yaml:"budget"`
}

// BudgetConfig defines retry budget settings to prevent retry storms.
type BudgetConfig struct {
	Ratio      float64       `yaml:"ratio"`       // max ratio of retries to total requests (0.0-1.0); 0 disables
	MinRetries int           `yaml:"min_retries"` // always allow at least N retries/sec
	Window     time.Duration `yaml:"window"`      // sliding window (default 10s)
}

// MonitorConfig defines self-monitoring thresholds.
type MonitorConfig struct {
	HealthInterval      time.Duration `yaml:"health_interval"`
	MaxSuppressionRatio float64       `yaml:"max_suppression_ratio"`
	MaxAverageLatency   time.Duration `yaml:"max_average_latency"`
	MaxOfflineDepth     int           `yaml:"max_offline_depth"`
	MaxMemoryBytes      uint64        `yaml:"max_memory_bytes"`
	MaxSilence          time.Duration `yaml:"max_silence"`
}

// TransportConfig configures the default HTTP sender.
type TransportConfig struct {
	Timeout   time.Duration     `yaml:"timeout"`
	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers"`
	APIKey    string            `yaml:"api_key" redact:"true"`
}

// StoreConfig selects the persisted state backend.
type StoreConfig struct {
	Type   string      `yaml:"type"`   // "memory" (default) or "redis"
	Prefix string      `yaml:"prefix"` // key prefix; default "errreport:<project>:"
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig defines the Redis connection.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	TLS         bool          `yaml:"tls"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // "stdout", "stderr" or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// MetricsConfig exposes Prometheus metrics from the relay binary.
type MetricsConfig struct {
	Address string `yaml:"address"` // empty disables the listener
	Path    string `yaml:"path"`
}

// KeyPrefix returns the store key prefix for the configured project.
func (c *Config) KeyPrefix() string {
	if c.Store.Prefix != "" {
		return c.Store.Prefix
	}
	project := c.Project
	if project == "" {
		project = "default"
	}
	return "errreport:" + project + ":"
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Environment: "production",
		Capture: CaptureConfig{
			Request: true,
			Session: true,
			Server:  true,
		},
		MaxBreadcrumbs: 20,
		Security: SecurityConfig{
			MaxPayloadSize:         512 * 1024,
			RequireHTTPS:           true,
			ProductionEnvironments: []string{"production", "prod", "live"},
		},
		Quota: QuotaConfig{
			DailyLimit:     1000,
			MonthlyLimit:   10000,
			MaxPayloadSize: 512 * 1024,
			BurstLimit:     50,
			BurstWindow:    time.Minute,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			DuplicateWindow:   5 * time.Minute,
			StackFrames:       3,
		},
		Batch: BatchConfig{
			Enabled:        false,
			MaxSize:        10,
			Timeout:        5 * time.Second,
			MaxPayloadSize: 1024 * 1024,
		},
		Compression: CompressionConfig{
			Enabled:   true,
			Threshold: 1024,
			Level:     6,
			Algorithm: "gzip",
			MinRatio:  0.2,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 0.5,
			MinimumRequests:  5,
			Timeout:          60 * time.Second,
			MonitoringPeriod: 2 * time.Minute,
			HalfOpenRequests: 1,
		},
		Offline: OfflineConfig{
			Enabled:         true,
			MaxQueueSize:    100,
			MaxAge:          24 * time.Hour,
			MaxAttempts:     5,
			ReplayInterval:  5 * time.Minute,
			CleanupInterval: time.Hour,
			ReplayRate:      5,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			Jitter:        true,
			PerTryTimeout: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			HealthInterval:      5 * time.Minute,
			MaxSuppressionRatio: 0.5,
			MaxAverageLatency:   5 * time.Second,
			MaxOfflineDepth:     50,
			MaxMemoryBytes:      256 << 20,
			MaxSilence:          24 * time.Hour,
		},
		Transport: TransportConfig{
			Timeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Address:     "localhost:6379",
				DialTimeout: 2 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}
