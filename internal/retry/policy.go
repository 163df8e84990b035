// Package retry runs a send operation with exponential backoff.
package retry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	rerrors "github.com/Manguet/ErrorReportWordpressSDK/internal/errors"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
)

// jitterFactor spreads each delay over +-10%.
const jitterFactor = 0.1

// Policy is the retry configuration for one Execute call.
type Policy struct {
	MaxAttempts   int // retries after the first attempt
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        bool
	PerTryTimeout time.Duration
}

// NewPolicy creates a policy from config, applying defaults.
func NewPolicy(cfg config.RetryConfig) Policy {
	p := Policy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		Multiplier:    cfg.Multiplier,
		Jitter:        cfg.Jitter,
		PerTryTimeout: cfg.PerTryTimeout,
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// serverBackOff waits at least the delay the endpoint requested for the
// next attempt, capped at max.
type serverBackOff struct {
	backoff.BackOff
	requested time.Duration
	max       time.Duration
}

func (b *serverBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if floor := min(b.requested, b.max); floor > next {
		next = floor
	}
	b.requested = 0
	return next
}

func (p Policy) backOff(ctx context.Context) (backoff.BackOff, *serverBackOff) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	sb := &serverBackOff{
		BackOff: backoff.WithMaxRetries(b, uint64(max(p.MaxAttempts, 0))),
		max:     p.MaxDelay,
	}
	return backoff.WithContext(sb, ctx), sb
}

// Operation is one send attempt.
type Operation func(ctx context.Context) error

// Result is the outcome of Execute. Err holds the final failure.
type Result struct {
	Success   bool
	Err       error
	Attempts  int
	TotalTime time.Duration
	// Backoff is the sum of the delays waited between attempts.
	Backoff time.Duration
}

// Metrics tracks retry statistics.
type Metrics struct {
	Executions      atomic.Int64
	Retries         atomic.Int64
	Successes       atomic.Int64
	Failures        atomic.Int64
	BudgetExhausted atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Executions      int64 `json:"executions"`
	Retries         int64 `json:"retries"`
	Successes       int64 `json:"successes"`
	Failures        int64 `json:"failures"`
	BudgetExhausted int64 `json:"budget_exhausted"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Executions:      m.Executions.Load(),
		Retries:         m.Retries.Load(),
		Successes:       m.Successes.Load(),
		Failures:        m.Failures.Load(),
		BudgetExhausted: m.BudgetExhausted.Load(),
	}
}

// Executor runs operations under a Policy. Delays block only the calling
// goroutine.
type Executor struct {
	budget  *Budget
	metrics *Metrics
	logger  *zap.Logger
	// newTimer is swapped in tests to skip real waiting.
	newTimer func() backoff.Timer
}

// NewExecutor creates an Executor with the retry budget from cfg.
func NewExecutor(cfg config.RetryConfig, logger *zap.Logger) *Executor {
	return &Executor{
		budget:  NewBudget(cfg.Budget),
		metrics: &Metrics{},
		logger:  logging.OrNop(logger),
	}
}

// Metrics returns the executor's counters.
func (x *Executor) Metrics() *Metrics {
	return x.metrics
}

// Execute calls op until it succeeds, fails with a non-retryable error,
// exhausts p.MaxAttempts retries, the retry budget runs out, or ctx ends.
// A Retry-After answer stretches the next delay up to p.MaxDelay.
// It never panics on op failure; the last error is returned in Result.
func (x *Executor) Execute(ctx context.Context, p Policy, op Operation) Result {
	start := time.Now()
	x.metrics.Executions.Add(1)
	x.budget.RecordRequest()

	var res Result
	b, sb := p.backOff(ctx)
	attempt := func() error {
		if res.Attempts > 0 {
			x.metrics.Retries.Add(1)
			x.budget.RecordRetry()
		}
		res.Attempts++

		err := x.try(ctx, p, op)
		if err == nil {
			return nil
		}
		if !rerrors.Retryable(err) {
			return backoff.Permanent(err)
		}
		if !x.budget.AllowRetry() {
			x.metrics.BudgetExhausted.Add(1)
			return backoff.Permanent(err)
		}
		sb.requested = rerrors.RetryAfter(err)
		return err
	}
	notify := func(err error, next time.Duration) {
		res.Backoff += next
		x.logger.Debug("retrying send",
			zap.Int("attempt", res.Attempts),
			zap.Duration("delay", next),
			zap.Error(err),
		)
	}

	var timer backoff.Timer
	if x.newTimer != nil {
		timer = x.newTimer()
	}
	err := backoff.RetryNotifyWithTimer(attempt, b, notify, timer)

	res.TotalTime = time.Since(start)
	if err != nil {
		x.metrics.Failures.Add(1)
		res.Err = err
		return res
	}
	x.metrics.Successes.Add(1)
	res.Success = true
	return res
}

func (x *Executor) try(ctx context.Context, p Policy, op Operation) error {
	if p.PerTryTimeout > 0 {
		tryCtx, cancel := context.WithTimeout(ctx, p.PerTryTimeout)
		defer cancel()
		return op(tryCtx)
	}
	return op(ctx)
}
