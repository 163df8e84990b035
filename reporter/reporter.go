// Package reporter delivers captured error events to a collection
// endpoint through a resilient pipeline: sanitization, quota and rate
// limits, compression, batching, retries behind a circuit breaker and a
// durable offline queue.
package reporter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/event"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/batch"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/breadcrumb"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/circuitbreaker"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/compression"
	rerrors "github.com/Manguet/ErrorReportWordpressSDK/internal/errors"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/monitor"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/offline"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/quota"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/ratelimit"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/retry"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/sanitize"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/scheduler"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
	"github.com/Manguet/ErrorReportWordpressSDK/transport"
)

// Scheduled task names.
const (
	TaskReplay  = "offline-replay"
	TaskCleanup = "offline-cleanup"
	TaskHealth  = "health-check"
)

// Reporter is the pipeline orchestrator. It is safe for concurrent use.
type Reporter struct {
	cfg       *config.Config
	logger    *zap.Logger
	now       func() time.Time
	store     store.Store
	ownsStore bool
	sender    transport.Sender
	// closeSender is set when Build created the sender.
	closeSender func()
	closed      atomic.Bool

	sanitizer    *sanitize.Sanitizer
	breadcrumbs  *breadcrumb.Ledger
	quota        *quota.Tracker
	limiter      *ratelimit.Limiter
	compressor   *compression.Compressor
	executor     *retry.Executor
	policy       retry.Policy
	replayPolicy retry.Policy
	breaker      *circuitbreaker.Breaker
	batcher      *batch.Batcher
	offline      *offline.Queue
	monitor      *monitor.Monitor
}

// Report runs ev through the pipeline and reports whether it was
// accepted for delivery. With batching enabled, true means buffered.
// Report never panics.
func (r *Reporter) Report(ctx context.Context, ev event.Event) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("report pipeline panicked", zap.Any("panic", p), zap.Stack("stack"))
			r.monitor.RecordFailed(string(rerrors.KindInternal))
			ok = false
		}
	}()

	if !r.cfg.Enabled || r.closed.Load() {
		return false
	}
	r.monitor.RecordReported()

	ev = r.sanitizer.Sanitize(r.prepare(ev))
	if res := r.sanitizer.Validate(&ev); !res.Valid {
		r.suppress(rerrors.KindValidation, zap.Strings("errors", res.Errors))
		return false
	} else if len(res.Warnings) > 0 {
		r.logger.Debug("event accepted with warnings", zap.Strings("warnings", res.Warnings))
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to encode event", zap.Error(err))
		r.monitor.RecordFailed(string(rerrors.KindInternal))
		return false
	}

	qd := r.quota.Admit(ctx, len(payload))
	if !qd.Allowed {
		r.suppress(rerrors.KindQuotaExceeded, zap.String("reason", string(qd.Reason)))
		// an oversized payload can never be sent later either
		if qd.Reason != quota.ReasonPayloadSize {
			r.enqueueOffline(ctx, ev)
		}
		return false
	}
	release := func(ctx context.Context) {
		r.quota.Release(ctx, qd.Reservation)
	}

	if d := r.limiter.Admit(ctx, &ev); !d.Allowed {
		release(context.WithoutCancel(ctx))
		kind := rerrors.KindRateLimited
		if d.Reason == ratelimit.ReasonDuplicate {
			kind = rerrors.KindDuplicate
		}
		r.suppress(kind, zap.String("fingerprint", d.Fingerprint))
		return false
	}

	// quota stays reserved while the event waits in the buffer
	if r.batcher != nil && r.batcher.Add(ev, release) {
		return true
	}

	res := r.deliver(ctx, payload, r.policy)
	if res.Err != nil {
		release(context.WithoutCancel(ctx))
		r.fail(ctx, res.Err, ev)
		return false
	}
	r.monitor.RecordSent(1, res.TotalTime)
	return true
}

// ReportMessage reports a plain message at level with extra context.
func (r *Reporter) ReportMessage(ctx context.Context, message string, level event.Level, extra map[string]any) bool {
	return r.Report(ctx, event.Event{
		Message: message,
		Level:   level,
		Context: event.CloneMap(extra),
	})
}

// AddBreadcrumb records a trail entry attached to subsequent events.
func (r *Reporter) AddBreadcrumb(message, category string, level event.Level, data map[string]any) {
	r.breadcrumbs.Record(message, category, level, data)
}

// ClearBreadcrumbs drops the breadcrumb trail.
func (r *Reporter) ClearBreadcrumbs() {
	r.breadcrumbs.Clear()
}

// prepare fills defaults, attaches breadcrumbs and applies capture toggles.
func (r *Reporter) prepare(ev event.Event) event.Event {
	ev = ev.Clone()
	if ev.Project == "" {
		ev.Project = r.cfg.Project
	}
	if ev.Environment == "" {
		ev.Environment = r.cfg.Environment
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	if ev.Level == "" {
		ev.Level = event.LevelError
	}
	if ev.Breadcrumbs == nil {
		ev.Breadcrumbs = r.breadcrumbs.Snapshot()
	}
	if !r.cfg.Capture.Request {
		ev.Request = nil
	}
	if !r.cfg.Capture.Session {
		ev.Session = nil
	}
	if !r.cfg.Capture.Server {
		ev.Server = nil
	}
	return ev
}

func (r *Reporter) suppress(kind rerrors.Kind, fields ...zap.Field) {
	r.monitor.RecordSuppressed(string(kind))
	r.logger.Debug("event suppressed", append(fields, zap.String("kind", string(kind)))...)
}

// fail records a delivery failure and queues ev offline.
func (r *Reporter) fail(ctx context.Context, err error, ev event.Event) {
	kind := rerrors.KindOf(err)
	r.monitor.RecordFailed(string(kind))
	r.logger.Warn("event delivery failed",
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	r.enqueueOffline(context.WithoutCancel(ctx), ev)
}

func (r *Reporter) enqueueOffline(ctx context.Context, ev event.Event) {
	if err := r.offline.Enqueue(ctx, ev); err != nil {
		if !stderrors.Is(err, offline.ErrDisabled) {
			r.logger.Warn("failed to queue event offline", zap.Error(err))
		}
		return
	}
	r.monitor.RecordOfflined()
}

// offlineSink hands failed batch events to the offline queue.
type offlineSink struct{ r *Reporter }

func (s offlineSink) Enqueue(ctx context.Context, ev event.Event) error {
	if err := s.r.offline.Enqueue(ctx, ev); err != nil {
		return err
	}
	s.r.monitor.RecordOfflined()
	return nil
}

// encode compresses payload when worthwhile and wraps it in the
// compressed envelope.
func (r *Reporter) encode(payload []byte) []byte {
	res := r.compressor.Compress(payload)
	if !res.Compressed {
		return payload
	}
	wrapped, err := json.Marshal(event.CompressedEnvelope{
		Compressed:   true,
		Encoding:     res.Encoding,
		OriginalSize: res.OriginalSize,
		Payload:      res.Data,
	})
	if err != nil {
		r.logger.Warn("failed to wrap compressed payload, sending as is", zap.Error(err))
		return payload
	}
	return wrapped
}

// deliver sends payload with retries, guarded by the circuit breaker.
func (r *Reporter) deliver(ctx context.Context, payload []byte, p retry.Policy) retry.Result {
	body := r.encode(payload)
	var res retry.Result
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		res = r.executor.Execute(ctx, p, func(ctx context.Context) error {
			return r.sender.Send(ctx, body)
		})
		return res.Err
	})
	if res.Attempts > 1 {
		r.monitor.RecordRetries(res.Attempts - 1)
	}
	if err != nil && res.Err == nil {
		// rejected by the breaker before any attempt
		res.Err = err
	}
	return res
}

func (r *Reporter) sendBatch(ctx context.Context, env event.BatchEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return rerrors.Wrap(err, rerrors.KindInternal, "encode batch")
	}
	res := r.deliver(ctx, payload, r.policy)
	if res.Err != nil {
		r.monitor.RecordFailed(string(rerrors.KindOf(res.Err)))
		return res.Err
	}
	r.monitor.RecordSent(env.Count, res.TotalTime)
	return nil
}

// replayOne is the offline replay sender. Replayed events count against
// the same quota and per-minute window as live ones. Duplicate
// suppression does not apply since the event was admitted before.
func (r *Reporter) replayOne(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return rerrors.Wrap(err, rerrors.KindValidation, "encode queued event")
	}
	qd := r.quota.Admit(ctx, len(payload))
	if !qd.Allowed {
		if qd.Reason == quota.ReasonPayloadSize {
			return rerrors.ErrValidation.WithDetails(string(qd.Reason))
		}
		return rerrors.ErrQuota.WithDetails(string(qd.Reason))
	}
	if d := r.limiter.AdmitSend(ctx); !d.Allowed {
		r.quota.Release(context.WithoutCancel(ctx), qd.Reservation)
		return rerrors.ErrRateLimited
	}
	res := r.deliver(ctx, payload, r.replayPolicy)
	if res.Err != nil {
		r.quota.Release(context.WithoutCancel(ctx), qd.Reservation)
		return res.Err
	}
	r.monitor.RecordSent(1, res.TotalTime)
	return nil
}

// ReplayOffline resends queued events. A replay already running here or
// in another process sharing the store makes this a no-op.
func (r *Reporter) ReplayOffline(ctx context.Context) (offline.ReplayResult, error) {
	res, err := r.offline.Replay(ctx, r.replayOne)
	r.monitor.SetOfflineDepth(r.offline.Depth(ctx))
	if stderrors.Is(err, offline.ErrReplayInProgress) {
		return res, nil
	}
	return res, err
}

// CleanupOffline drops queued events older than the configured max age.
func (r *Reporter) CleanupOffline(ctx context.Context) (int, error) {
	n, err := r.offline.Cleanup(ctx)
	r.monitor.SetOfflineDepth(r.offline.Depth(ctx))
	return n, err
}

// Health evaluates pipeline health from in-process counters.
func (r *Reporter) Health() monitor.Health {
	return r.monitor.Health()
}

// CheckHealth refreshes the offline depth, evaluates health and persists
// the report.
func (r *Reporter) CheckHealth(ctx context.Context) (monitor.Health, error) {
	r.monitor.SetOfflineDepth(r.offline.Depth(ctx))
	h := r.monitor.Health()
	if h.Status != monitor.StatusHealthy {
		r.logger.Warn("reporter health degraded",
			zap.String("status", string(h.Status)),
			zap.Int("score", h.Score),
			zap.Strings("recommendations", h.Recommendations),
		)
	}
	if err := r.monitor.Persist(ctx); err != nil {
		return h, err
	}
	return h, nil
}

// Collector exposes the pipeline metrics to Prometheus.
func (r *Reporter) Collector() prometheus.Collector {
	return r.monitor
}

// Register schedules offline replay, offline cleanup and health checks.
func (r *Reporter) Register(s scheduler.Scheduler) {
	if r.cfg.Offline.Enabled {
		s.Every(TaskReplay, r.cfg.Offline.ReplayInterval, func(ctx context.Context) error {
			_, err := r.ReplayOffline(ctx)
			return err
		})
		s.Every(TaskCleanup, r.cfg.Offline.CleanupInterval, func(ctx context.Context) error {
			_, err := r.CleanupOffline(ctx)
			return err
		})
	}
	s.Every(TaskHealth, r.cfg.Monitor.HealthInterval, func(ctx context.Context) error {
		_, err := r.CheckHealth(ctx)
		return err
	})
}

// Status is a point-in-time view of every pipeline component.
type Status struct {
	Health      monitor.Health                 `json:"health"`
	Breaker     circuitbreaker.BreakerSnapshot `json:"circuit_breaker"`
	Quota       *quota.Usage                   `json:"quota,omitempty"`
	Retry       retry.MetricsSnapshot          `json:"retry"`
	Compression compression.Snapshot           `json:"compression"`
	Batch       *batch.Stats                   `json:"batch,omitempty"`
	Offline     int                            `json:"offline_depth"`
}

// Status collects component snapshots.
func (r *Reporter) Status(ctx context.Context) Status {
	depth := r.offline.Depth(ctx)
	r.monitor.SetOfflineDepth(depth)
	st := Status{
		Health:      r.monitor.Health(),
		Breaker:     r.breaker.Snapshot(ctx),
		Retry:       r.executor.Metrics().Snapshot(),
		Compression: r.compressor.Stats(),
		Offline:     depth,
	}
	if u, err := r.quota.Usage(ctx); err == nil {
		st.Quota = &u
	}
	if r.batcher != nil {
		bs := r.batcher.Stats()
		st.Batch = &bs
	}
	return st
}

// Shutdown stops accepting events, flushes the batch buffer (failed
// batches land in the offline queue), persists the health report and
// closes an owned store.
func (r *Reporter) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if r.batcher != nil {
		if err := r.batcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush batch: %w", err))
		}
	}
	if err := r.monitor.Persist(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	if r.closeSender != nil {
		r.closeSender()
	}
	if r.ownsStore {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return stderrors.Join(errs...)
}
