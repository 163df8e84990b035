// Package circuitbreaker stops sending to an endpoint that keeps failing.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	rerrors "github.com/Manguet/ErrorReportWordpressSDK/internal/errors"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
)

// Key is the store key holding the breaker record.
const Key = "breaker"

const recordTTL = 7 * 24 * time.Hour

// ErrOpen is returned without invoking the operation while the breaker
// rejects calls.
var ErrOpen = rerrors.ErrCircuitOpen

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome is one recorded execution.
type Outcome struct {
	At int64 `json:"at"` // unix milliseconds
	OK bool  `json:"ok"`
}

// Record is the persisted breaker state. Failures and Successes count
// outcomes since the last transition.
type Record struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure int64     `json:"last_failure,omitempty"`
	ChangedAt   int64     `json:"changed_at,omitempty"`
	Window      []Outcome `json:"window,omitempty"`
	Probes      int       `json:"probes,omitempty"`
	ProbeAt     int64     `json:"probe_at,omitempty"`
}

// Breaker implements the circuit breaker pattern over a shared store, so
// every process using the same store sees one state.
type Breaker struct {
	store            store.Store
	enabled          bool
	failureThreshold float64
	minimumRequests  int
	timeout          time.Duration
	monitoringPeriod time.Duration
	halfOpenRequests int
	onStateChange    func(from, to State)
	logger           *zap.Logger
	now              func() time.Time

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a new circuit breaker
func NewBreaker(s store.Store, cfg config.CircuitBreakerConfig, logger *zap.Logger) *Breaker {
	b := &Breaker{
		store:            s,
		enabled:          cfg.Enabled,
		failureThreshold: cfg.FailureThreshold,
		minimumRequests:  cfg.MinimumRequests,
		timeout:          cfg.Timeout,
		monitoringPeriod: cfg.MonitoringPeriod,
		halfOpenRequests: cfg.HalfOpenRequests,
		logger:           logging.OrNop(logger),
		now:              time.Now,
	}
	if b.failureThreshold <= 0 || b.failureThreshold > 1 {
		b.failureThreshold = 0.5
	}
	if b.minimumRequests <= 0 {
		b.minimumRequests = 5
	}
	if b.timeout <= 0 {
		b.timeout = 60 * time.Second
	}
	if b.monitoringPeriod <= 0 {
		b.monitoringPeriod = 2 * time.Minute
	}
	if b.halfOpenRequests <= 0 {
		b.halfOpenRequests = 1
	}
	return b
}

// OnStateChange registers fn to run after every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.onStateChange = fn
}

func (b *Breaker) transition(r *Record, to State, now time.Time) {
	r.State = to
	r.ChangedAt = now.UnixMilli()
	r.Failures = 0
	r.Successes = 0
	r.Probes = 0
	r.ProbeAt = 0
	if to == StateClosed {
		r.Window = nil
	}
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	b.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// allow decides admission and reserves a probe slot in half-open.
func (b *Breaker) allow(ctx context.Context) error {
	now := b.now()
	var from, to State
	var rejected error
	err := store.UpdateJSON(ctx, b.store, Key, recordTTL, func(r *Record) (bool, error) {
		from, to, rejected = r.State, r.State, nil
		switch r.State {
		case StateClosed:
			return false, nil
		case StateOpen:
			if now.Sub(time.UnixMilli(r.ChangedAt)) < b.timeout {
				rejected = ErrOpen
				return false, nil
			}
			b.transition(r, StateHalfOpen, now)
			to = StateHalfOpen
		}
		// half-open: a slot held longer than the timeout is considered lost
		if r.Probes > 0 && now.Sub(time.UnixMilli(r.ProbeAt)) >= b.timeout {
			r.Probes = 0
		}
		if r.Probes >= b.halfOpenRequests {
			rejected = ErrOpen.WithDetails("half-open probe limit reached")
			return to != from, nil
		}
		r.Probes++
		r.ProbeAt = now.UnixMilli()
		return true, nil
	})
	if err != nil {
		b.logger.Warn("circuit breaker state unavailable, allowing send", zap.Error(err))
		return nil
	}
	b.notify(from, to)
	return rejected
}

// record appends an outcome and applies the resulting transition.
func (b *Breaker) record(ctx context.Context, ok bool) {
	now := b.now()
	var from, to State
	err := store.UpdateJSON(ctx, b.store, Key, recordTTL, func(r *Record) (bool, error) {
		from = r.State
		r.Window = append(r.Window, Outcome{At: now.UnixMilli(), OK: ok})
		cutoff := now.Add(-b.monitoringPeriod).UnixMilli()
		i := 0
		for i < len(r.Window) && r.Window[i].At <= cutoff {
			i++
		}
		if i > 0 {
			r.Window = append([]Outcome(nil), r.Window[i:]...)
		}

		if ok {
			r.Successes++
		} else {
			r.Failures++
			r.LastFailure = now.UnixMilli()
		}

		switch r.State {
		case StateHalfOpen:
			if ok {
				b.transition(r, StateClosed, now)
			} else {
				b.transition(r, StateOpen, now)
			}
		case StateClosed:
			if !ok && b.tripped(r.Window) {
				b.transition(r, StateOpen, now)
			}
		}
		to = r.State
		return true, nil
	})
	if err != nil {
		b.logger.Warn("failed to record circuit breaker outcome", zap.Error(err))
		return
	}
	b.notify(from, to)
}

func (b *Breaker) tripped(window []Outcome) bool {
	if len(window) < b.minimumRequests {
		return false
	}
	failures := 0
	for _, o := range window {
		if !o.OK {
			failures++
		}
	}
	return float64(failures)/float64(len(window)) >= b.failureThreshold
}

// healthy reports whether err says nothing bad about the endpoint:
// a nil error, or a payload the endpoint answered and refused.
func healthy(err error) bool {
	return err == nil || rerrors.Terminal(err)
}

// Execute runs op unless the breaker is open. op's error is returned
// unchanged; a rejection returns an error matching ErrOpen.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.enabled {
		return op(ctx)
	}
	b.totalRequests.Add(1)
	if err := b.allow(ctx); err != nil {
		b.totalRejected.Add(1)
		return err
	}

	err := op(ctx)
	if stderrors.Is(err, context.Canceled) {
		// the caller gave up; this says nothing about the endpoint
		b.release(ctx)
		return err
	}
	ok := healthy(err)
	if ok {
		b.totalSuccesses.Add(1)
	} else {
		b.totalFailures.Add(1)
	}
	b.record(context.WithoutCancel(ctx), ok)
	return err
}

// release frees a half-open probe slot without recording an outcome.
func (b *Breaker) release(ctx context.Context) {
	store.UpdateJSON(context.WithoutCancel(ctx), b.store, Key, recordTTL, func(r *Record) (bool, error) {
		if r.State != StateHalfOpen || r.Probes == 0 {
			return false, nil
		}
		r.Probes--
		return true, nil
	})
}

// State returns the effective state. An open breaker whose timeout has
// elapsed reports half-open even before the next call moves it there.
func (b *Breaker) State(ctx context.Context) State {
	r, _, err := store.GetJSON[Record](ctx, b.store, Key)
	if err != nil {
		return StateClosed
	}
	if r.State == StateOpen && b.now().Sub(time.UnixMilli(r.ChangedAt)) >= b.timeout {
		return StateHalfOpen
	}
	return r.State
}

// Reset forces the breaker closed.
func (b *Breaker) Reset(ctx context.Context) error {
	var from State
	err := store.UpdateJSON(ctx, b.store, Key, recordTTL, func(r *Record) (bool, error) {
		from = r.State
		b.transition(r, StateClosed, b.now())
		return true, nil
	})
	if err == nil {
		b.notify(from, StateClosed)
	}
	return err
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot(ctx context.Context) BreakerSnapshot {
	r, _, err := store.GetJSON[Record](ctx, b.store, Key)
	snap := BreakerSnapshot{
		Enabled:          b.enabled,
		FailureThreshold: b.failureThreshold,
		MinimumRequests:  b.minimumRequests,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
	if err != nil {
		snap.State = "unknown"
		return snap
	}
	snap.State = b.State(ctx).String()
	snap.FailureCount = r.Failures
	snap.SuccessCount = r.Successes
	cutoff := b.now().Add(-b.monitoringPeriod).UnixMilli()
	for _, o := range r.Window {
		if o.At <= cutoff {
			continue
		}
		snap.WindowSize++
		if !o.OK {
			snap.WindowFailures++
		}
	}
	if r.LastFailure > 0 {
		snap.LastFailure = time.UnixMilli(r.LastFailure).UTC()
	}
	if r.ChangedAt > 0 {
		snap.ChangedAt = time.UnixMilli(r.ChangedAt).UTC()
	}
	return snap
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	Enabled          bool      `json:"enabled"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	WindowSize       int       `json:"window_size"`
	WindowFailures   int       `json:"window_failures"`
	FailureThreshold float64   `json:"failure_threshold"`
	MinimumRequests  int       `json:"minimum_requests"`
	LastFailure      time.Time `json:"last_failure,omitzero"`
	ChangedAt        time.Time `json:"changed_at,omitzero"`
	TotalRequests    int64     `json:"total_requests"`
	TotalFailures    int64     `json:"total_failures"`
	TotalSuccesses   int64     `json:"total_successes"`
	TotalRejected    int64     `json:"total_rejected"`
}
