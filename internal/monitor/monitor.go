// Package monitor tracks the pipeline's own health.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
)

// Key is the store key holding the last persisted snapshot.
const Key = "monitor:metrics"

const (
	namespace     = "errreport"
	latencySample = 100
	snapshotTTL   = 7 * 24 * time.Hour
)

// Status is the coarse health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Metrics is a point-in-time copy of the counters.
type Metrics struct {
	Reported       int64            `json:"reported"`
	Sent           int64            `json:"sent"`
	Failed         int64            `json:"failed"`
	Offlined       int64            `json:"offlined"`
	Retries        int64            `json:"retries"`
	Suppressed     map[string]int64 `json:"suppressed,omitempty"`
	Failures       map[string]int64 `json:"failures,omitempty"`
	OfflineDepth   int              `json:"offline_depth"`
	AverageLatency time.Duration    `json:"average_latency"`
	MemoryBytes    uint64           `json:"memory_bytes"`
	LastEvent      time.Time        `json:"last_event,omitzero"`
}

// SuppressedTotal sums every suppression category.
func (m Metrics) SuppressedTotal() int64 {
	var n int64
	for _, v := range m.Suppressed {
		n += v
	}
	return n
}

// Health is the result of a health evaluation.
type Health struct {
	Status          Status    `json:"status"`
	Score           int       `json:"score"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Metrics         Metrics   `json:"metrics"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Monitor accumulates pipeline counters. It is safe for concurrent use.
type Monitor struct {
	cfg    config.MonitorConfig
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
	memory func() uint64

	mu         sync.Mutex
	reported   int64
	sent       int64
	failed     int64
	offlined   int64
	retries    int64
	suppressed map[string]int64
	failures   map[string]int64
	depth      int
	latencies  [latencySample]time.Duration
	latencyN   int // samples recorded, capped at latencySample
	latencyPos int
	lastEvent  time.Time

	reportedDesc   *prometheus.Desc
	sentDesc       *prometheus.Desc
	failedDesc     *prometheus.Desc
	offlinedDesc   *prometheus.Desc
	retriesDesc    *prometheus.Desc
	suppressedDesc *prometheus.Desc
	depthDesc      *prometheus.Desc
	latencyDesc    *prometheus.Desc
	scoreDesc      *prometheus.Desc
}

// New creates a monitor. s may be nil, in which case Persist is a no-op.
func New(s store.Store, cfg config.MonitorConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		store:      s,
		logger:     logging.OrNop(logger),
		now:        time.Now,
		memory:     heapBytes,
		suppressed: make(map[string]int64),
		failures:   make(map[string]int64),

		reportedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_reported_total"),
			"Total number of events handed to the pipeline",
			nil, nil),
		sentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_sent_total"),
			"Total number of events delivered to the endpoint",
			nil, nil),
		failedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_failed_total"),
			"Total number of events whose delivery failed",
			nil, nil),
		offlinedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_offlined_total"),
			"Total number of events moved to the offline queue",
			nil, nil),
		retriesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "retries_total"),
			"Total number of send retries",
			nil, nil),
		suppressedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_suppressed_total"),
			"Total number of suppressed events by reason",
			[]string{"reason"}, nil),
		depthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "offline_queue_depth"),
			"Entries waiting in the offline queue",
			nil, nil),
		latencyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "send_latency_seconds_avg"),
			"Average send latency over the last 100 deliveries",
			nil, nil),
		scoreDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "health_score"),
			"Pipeline health score from 0 to 100",
			nil, nil),
	}
}

func heapBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// RecordReported counts an event entering the pipeline.
func (m *Monitor) RecordReported() {
	m.mu.Lock()
	m.reported++
	m.lastEvent = m.now()
	m.mu.Unlock()
}

// RecordSent counts a delivered event and its send latency.
func (m *Monitor) RecordSent(n int, latency time.Duration) {
	m.mu.Lock()
	m.sent += int64(n)
	m.latencies[m.latencyPos] = latency
	m.latencyPos = (m.latencyPos + 1) % latencySample
	if m.latencyN < latencySample {
		m.latencyN++
	}
	m.mu.Unlock()
}

// RecordFailed counts a failed delivery by error kind.
func (m *Monitor) RecordFailed(kind string) {
	m.mu.Lock()
	m.failed++
	m.failures[kind]++
	m.mu.Unlock()
}

// RecordSuppressed counts an event dropped or deferred by a policy gate.
func (m *Monitor) RecordSuppressed(reason string) {
	m.mu.Lock()
	m.suppressed[reason]++
	m.mu.Unlock()
}

// RecordOfflined counts an event handed to the offline queue.
func (m *Monitor) RecordOfflined() {
	m.mu.Lock()
	m.offlined++
	m.mu.Unlock()
}

// RecordRetries adds n retry attempts.
func (m *Monitor) RecordRetries(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.retries += int64(n)
	m.mu.Unlock()
}

// SetOfflineDepth updates the offline queue gauge.
func (m *Monitor) SetOfflineDepth(n int) {
	m.mu.Lock()
	m.depth = n
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (m *Monitor) Snapshot() Metrics {
	mem := m.memory()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := Metrics{
		Reported:     m.reported,
		Sent:         m.sent,
		Failed:       m.failed,
		Offlined:     m.offlined,
		Retries:      m.retries,
		Suppressed:   make(map[string]int64, len(m.suppressed)),
		Failures:     make(map[string]int64, len(m.failures)),
		OfflineDepth: m.depth,
		MemoryBytes:  mem,
		LastEvent:    m.lastEvent,
	}
	for k, v := range m.suppressed {
		out.Suppressed[k] = v
	}
	for k, v := range m.failures {
		out.Failures[k] = v
	}
	if m.latencyN > 0 {
		var sum time.Duration
		for i := 0; i < m.latencyN; i++ {
			sum += m.latencies[i]
		}
		out.AverageLatency = sum / time.Duration(m.latencyN)
	}
	return out
}

// Health scores the current counters against the configured thresholds.
func (m *Monitor) Health() Health {
	snap := m.Snapshot()
	now := m.now()
	h := Health{Score: 100, Metrics: snap, CheckedAt: now.UTC()}

	penalize := func(points int, rec string) {
		h.Score -= points
		h.Recommendations = append(h.Recommendations, rec)
	}

	if snap.Reported > 0 && m.cfg.MaxSuppressionRatio > 0 {
		ratio := float64(snap.SuppressedTotal()) / float64(snap.Reported)
		if ratio > m.cfg.MaxSuppressionRatio {
			penalize(20, fmt.Sprintf("%.0f%% of events are suppressed; review quota and rate limit settings", ratio*100))
		}
	}
	if attempts := snap.Sent + snap.Failed; attempts > 0 {
		if ratio := float64(snap.Failed) / float64(attempts); ratio > 0.5 {
			penalize(25, fmt.Sprintf("%.0f%% of deliveries fail; check endpoint availability", ratio*100))
		}
	}
	if m.cfg.MaxAverageLatency > 0 && snap.AverageLatency > m.cfg.MaxAverageLatency {
		penalize(15, fmt.Sprintf("average send latency %s exceeds %s; consider enabling batching", snap.AverageLatency.Round(time.Millisecond), m.cfg.MaxAverageLatency))
	}
	if m.cfg.MaxOfflineDepth > 0 && snap.OfflineDepth > m.cfg.MaxOfflineDepth {
		penalize(20, fmt.Sprintf("offline queue holds %d entries; check connectivity to the endpoint", snap.OfflineDepth))
	}
	if m.cfg.MaxMemoryBytes > 0 && snap.MemoryBytes > m.cfg.MaxMemoryBytes {
		penalize(10, fmt.Sprintf("heap usage %d MB is above %d MB", snap.MemoryBytes>>20, m.cfg.MaxMemoryBytes>>20))
	}
	if m.cfg.MaxSilence > 0 && !snap.LastEvent.IsZero() && now.Sub(snap.LastEvent) > m.cfg.MaxSilence {
		penalize(10, fmt.Sprintf("no events reported for %s; verify the capture layer is wired", now.Sub(snap.LastEvent).Round(time.Minute)))
	}

	if h.Score < 0 {
		h.Score = 0
	}
	switch {
	case h.Score >= 80:
		h.Status = StatusHealthy
	case h.Score >= 50:
		h.Status = StatusDegraded
	default:
		h.Status = StatusUnhealthy
	}
	return h
}

// Persist writes the current health report to the store.
func (m *Monitor) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	data, err := json.Marshal(m.Health())
	if err != nil {
		return fmt.Errorf("encode health report: %w", err)
	}
	if err := m.store.Set(ctx, Key, data, snapshotTTL); err != nil {
		return fmt.Errorf("persist health report: %w", err)
	}
	return nil
}

// Describe implements prometheus.Collector.
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.reportedDesc
	ch <- m.sentDesc
	ch <- m.failedDesc
	ch <- m.offlinedDesc
	ch <- m.retriesDesc
	ch <- m.suppressedDesc
	ch <- m.depthDesc
	ch <- m.latencyDesc
	ch <- m.scoreDesc
}

// Collect implements prometheus.Collector.
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	h := m.Health()
	snap := h.Metrics

	ch <- prometheus.MustNewConstMetric(m.reportedDesc, prometheus.CounterValue, float64(snap.Reported))
	ch <- prometheus.MustNewConstMetric(m.sentDesc, prometheus.CounterValue, float64(snap.Sent))
	ch <- prometheus.MustNewConstMetric(m.failedDesc, prometheus.CounterValue, float64(snap.Failed))
	ch <- prometheus.MustNewConstMetric(m.offlinedDesc, prometheus.CounterValue, float64(snap.Offlined))
	ch <- prometheus.MustNewConstMetric(m.retriesDesc, prometheus.CounterValue, float64(snap.Retries))

	reasons := make([]string, 0, len(snap.Suppressed))
	for r := range snap.Suppressed {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		ch <- prometheus.MustNewConstMetric(m.suppressedDesc, prometheus.CounterValue, float64(snap.Suppressed[r]), r)
	}

	ch <- prometheus.MustNewConstMetric(m.depthDesc, prometheus.GaugeValue, float64(snap.OfflineDepth))
	ch <- prometheus.MustNewConstMetric(m.latencyDesc, prometheus.GaugeValue, snap.AverageLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(m.scoreDesc, prometheus.GaugeValue, float64(h.Score))
}

var _ prometheus.Collector = (*Monitor)(nil)
