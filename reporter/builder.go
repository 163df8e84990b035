package reporter

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/batch"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/breadcrumb"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/circuitbreaker"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/compression"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/monitor"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/offline"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/quota"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/ratelimit"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/retry"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/sanitize"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
	"github.com/Manguet/ErrorReportWordpressSDK/transport"
)

// Builder constructs a Reporter.
type Builder struct {
	cfg    *config.Config
	sender transport.Sender
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Builder for cfg. A nil cfg uses config.DefaultConfig().
func New(cfg *config.Config) *Builder {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Builder{cfg: cfg}
}

// WithSender sets the transport. Without it, Build creates an HTTP sender
// for the configured endpoint.
func (b *Builder) WithSender(s transport.Sender) *Builder {
	b.sender = s
	return b
}

// WithStore sets the persisted state backend. The caller keeps ownership
// and closes it. Without it, Build opens the store from the configuration
// and Shutdown closes it.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithLogger sets the logger. The default discards everything.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides the clock used for event timestamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the pipeline.
func (b *Builder) Build() (*Reporter, error) {
	cfg := b.cfg
	logger := logging.OrNop(b.logger)

	san := sanitize.New(cfg.Security)
	if cfg.Enabled {
		if err := san.ValidateEndpoint(cfg.Endpoint, cfg.Environment); err != nil {
			return nil, fmt.Errorf("invalid endpoint: %w", err)
		}
	}

	s, owned := b.store, false
	if s == nil {
		var err error
		s, err = store.New(cfg.Store, cfg.KeyPrefix())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		owned = true
	}

	sender := b.sender
	var closeSender func()
	if sender == nil {
		headers := make(map[string]string, len(cfg.Transport.Headers)+1)
		for k, v := range cfg.Transport.Headers {
			headers[k] = v
		}
		if cfg.Transport.APIKey != "" {
			headers["X-API-Key"] = cfg.Transport.APIKey
		}
		hs := transport.NewHTTPSender(transport.HTTPConfig{
			Endpoint:  cfg.Endpoint,
			Timeout:   cfg.Transport.Timeout,
			UserAgent: cfg.Transport.UserAgent,
			Headers:   headers,
		}, logger.Named("transport"))
		sender, closeSender = hs, hs.Close
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	r := &Reporter{
		cfg:         cfg,
		logger:      logger,
		now:         now,
		store:       s,
		ownsStore:   owned,
		sender:      sender,
		closeSender: closeSender,
		sanitizer:   san,
		breadcrumbs: breadcrumb.New(cfg.MaxBreadcrumbs),
		quota:       quota.New(s, cfg.Quota, logger.Named("quota")),
		limiter:     ratelimit.New(s, cfg.RateLimit, logger.Named("ratelimit")),
		compressor:  compression.New(cfg.Compression),
		executor:    retry.NewExecutor(cfg.Retry, logger.Named("retry")),
		policy:      retry.NewPolicy(cfg.Retry),
		breaker:     circuitbreaker.NewBreaker(s, cfg.CircuitBreaker, logger.Named("breaker")),
		offline:     offline.New(s, cfg.Offline, logger.Named("offline")),
		monitor:     monitor.New(s, cfg.Monitor, logger.Named("monitor")),
	}
	// replayed entries were already retried when first queued
	r.replayPolicy = r.policy
	r.replayPolicy.MaxAttempts = 0

	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			r.logger.Warn("delivery paused, circuit breaker opened",
				zap.String("from", from.String()))
		}
	})

	if cfg.Batch.Enabled {
		r.batcher = batch.New(cfg.Batch, r.sendBatch, offlineSink{r}, logger.Named("batch"))
	}
	return r, nil
}
