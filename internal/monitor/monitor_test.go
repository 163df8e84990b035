package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
)

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		MaxSuppressionRatio: 0.5,
		MaxAverageLatency:   time.Second,
		MaxOfflineDepth:     10,
		MaxMemoryBytes:      100 << 20,
		MaxSilence:          time.Hour,
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newMonitor(s store.Store) (*Monitor, *clock) {
	clk := &clock{t: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	m := New(s, testConfig(), nil)
	m.now = clk.now
	m.memory = func() uint64 { return 10 << 20 }
	return m, clk
}

func TestHealthyByDefault(t *testing.T) {
	m, _ := newMonitor(nil)
	h := m.Health()
	if h.Status != StatusHealthy || h.Score != 100 {
		t.Errorf("expected healthy/100, got %s/%d", h.Status, h.Score)
	}
	if len(h.Recommendations) != 0 {
		t.Errorf("expected no recommendations, got %v", h.Recommendations)
	}
}

func TestAverageLatencyUsesLastSamples(t *testing.T) {
	m, _ := newMonitor(nil)
	for i := 0; i < latencySample; i++ {
		m.RecordSent(1, 10*time.Second)
	}
	for i := 0; i < latencySample; i++ {
		m.RecordSent(1, 100*time.Millisecond)
	}
	snap := m.Snapshot()
	if snap.AverageLatency != 100*time.Millisecond {
		t.Errorf("expected old samples to roll off, got %v", snap.AverageLatency)
	}
	if snap.Sent != 2*latencySample {
		t.Errorf("expected %d sent, got %d", 2*latencySample, snap.Sent)
	}
}

func TestHealthThresholds(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(m *Monitor, c *clock)
		status Status
		hint   string
	}{
		{
			name: "suppression",
			setup: func(m *Monitor, _ *clock) {
				for i := 0; i < 4; i++ {
					m.RecordReported()
				}
				m.RecordSuppressed("duplicate")
				m.RecordSuppressed("rate_limited")
				m.RecordSuppressed("quota_exceeded")
			},
			status: StatusHealthy,
			hint:   "suppressed",
		},
		{
			name: "latency",
			setup: func(m *Monitor, _ *clock) {
				m.RecordSent(1, 3*time.Second)
			},
			status: StatusHealthy,
			hint:   "latency",
		},
		{
			name: "offline backlog",
			setup: func(m *Monitor, _ *clock) {
				m.SetOfflineDepth(11)
			},
			status: StatusHealthy,
			hint:   "offline queue",
		},
		{
			name: "memory",
			setup: func(m *Monitor, _ *clock) {
				m.memory = func() uint64 { return 200 << 20 }
			},
			status: StatusHealthy,
			hint:   "heap",
		},
		{
			name: "silence",
			setup: func(m *Monitor, c *clock) {
				m.RecordReported()
				c.t = c.t.Add(2 * time.Hour)
			},
			status: StatusHealthy,
			hint:   "no events",
		},
		{
			name: "everything wrong",
			setup: func(m *Monitor, c *clock) {
				m.RecordReported()
				m.RecordSuppressed("duplicate")
				m.RecordFailed("transport_retryable")
				m.RecordSent(0, 5*time.Second)
				m.SetOfflineDepth(50)
				m.memory = func() uint64 { return 500 << 20 }
				c.t = c.t.Add(2 * time.Hour)
			},
			status: StatusUnhealthy,
			hint:   "fail",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c := newMonitor(nil)
			tt.setup(m, c)
			h := m.Health()
			if h.Status != tt.status {
				t.Errorf("expected %s, got %s (score %d)", tt.status, h.Status, h.Score)
			}
			if h.Score >= 100 {
				t.Errorf("expected a penalty, got score %d", h.Score)
			}
			if !strings.Contains(strings.Join(h.Recommendations, "\n"), tt.hint) {
				t.Errorf("expected a recommendation mentioning %q, got %v", tt.hint, h.Recommendations)
			}
		})
	}
}

func TestDegradedStatus(t *testing.T) {
	m, _ := newMonitor(nil)
	m.RecordReported()
	m.RecordSuppressed("duplicate")
	m.RecordSent(1, 0)
	m.RecordFailed("transport_retryable")
	m.RecordFailed("circuit_open")
	// suppression -20, failure rate -25
	h := m.Health()
	if h.Status != StatusDegraded || h.Score != 55 {
		t.Errorf("expected degraded/55, got %s/%d", h.Status, h.Score)
	}
}

func TestPersist(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	m, _ := newMonitor(s)
	m.RecordReported()
	m.RecordSent(1, 200*time.Millisecond)

	ctx := context.Background()
	if err := m.Persist(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := s.Get(ctx, Key)
	if err != nil || data == nil {
		t.Fatalf("expected persisted report, got %v", err)
	}
	var h Health
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if h.Metrics.Sent != 1 || h.Status != StatusHealthy {
		t.Errorf("unexpected persisted report %+v", h)
	}
}

func TestCollector(t *testing.T) {
	m, _ := newMonitor(nil)
	m.RecordReported()
	m.RecordSuppressed("duplicate")
	m.RecordSuppressed("rate_limited")
	m.RecordRetries(3)

	// 8 scalar metrics plus one series per suppression reason
	if n := testutil.CollectAndCount(m); n != 10 {
		t.Errorf("expected 10 metrics, got %d", n)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "errreport_retries_total" {
			found = true
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 3 {
				t.Errorf("expected 3 retries, got %v", v)
			}
		}
	}
	if !found {
		t.Error("expected errreport_retries_total to be exported")
	}
}
