package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTracker(t *testing.T, cfg config.QuotaConfig) (*Tracker, *clock) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	clk := &clock{t: time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)}
	tr := New(s, cfg, nil)
	tr.now = clk.now
	return tr, clk
}

func TestCanSendPayloadSize(t *testing.T) {
	tr, _ := newTracker(t, config.QuotaConfig{MaxPayloadSize: 100, DailyLimit: 10})
	ctx := context.Background()

	if d := tr.CanSend(ctx, 101); d.Allowed || d.Reason != ReasonPayloadSize {
		t.Errorf("expected payload_size denial, got %+v", d)
	}
	if d := tr.CanSend(ctx, 100); !d.Allowed {
		t.Errorf("expected allowed at the limit, got %+v", d)
	}
}

func TestCanSendCheckOrder(t *testing.T) {
	tr, _ := newTracker(t, config.QuotaConfig{
		MaxPayloadSize: 1000,
		BurstLimit:     2,
		BurstWindow:    time.Minute,
		DailyLimit:     2,
		MonthlyLimit:   2,
	})
	ctx := context.Background()
	tr.RecordUsage(ctx, 10)
	tr.RecordUsage(ctx, 10)

	// burst, daily and monthly are all exhausted; burst is checked first
	if d := tr.CanSend(ctx, 10); d.Reason != ReasonBurstLimit {
		t.Errorf("expected burst_limit first, got %+v", d)
	}
	if d := tr.CanSend(ctx, 5000); d.Reason != ReasonPayloadSize {
		t.Errorf("expected payload_size before burst, got %+v", d)
	}
}

func TestBurstWindowPrunes(t *testing.T) {
	tr, clk := newTracker(t, config.QuotaConfig{BurstLimit: 2, BurstWindow: 10 * time.Second})
	ctx := context.Background()
	tr.RecordUsage(ctx, 1)
	tr.RecordUsage(ctx, 1)
	if d := tr.CanSend(ctx, 1); d.Allowed {
		t.Fatal("expected burst denial")
	}
	clk.t = clk.t.Add(10 * time.Second)
	if d := tr.CanSend(ctx, 1); !d.Allowed {
		t.Errorf("expected burst window to expire, got %+v", d)
	}
}

func TestDailyRolloverOnce(t *testing.T) {
	tr, clk := newTracker(t, config.QuotaConfig{DailyLimit: 2, MonthlyLimit: 100})
	ctx := context.Background()
	tr.RecordUsage(ctx, 1)
	tr.RecordUsage(ctx, 1)
	if d := tr.CanSend(ctx, 1); d.Reason != ReasonDailyLimit {
		t.Fatalf("expected daily_limit, got %+v", d)
	}

	// cross midnight, which is also a month boundary
	clk.t = clk.t.Add(2 * time.Minute)
	if d := tr.CanSend(ctx, 1); !d.Allowed {
		t.Fatalf("expected reset after midnight, got %+v", d)
	}
	tr.RecordUsage(ctx, 1)
	u, _ := tr.Usage(ctx)
	if u.Daily != 1 || u.Monthly != 1 {
		t.Errorf("expected daily=1 monthly=1 after rollover, got %+v", u)
	}
	if u.Day != "2026-02-01" || u.Month != "2026-02" {
		t.Errorf("unexpected markers %s %s", u.Day, u.Month)
	}

	// later in the same day nothing resets again
	clk.t = clk.t.Add(3 * time.Hour)
	tr.RecordUsage(ctx, 1)
	u, _ = tr.Usage(ctx)
	if u.Daily != 2 {
		t.Errorf("expected daily=2 within the same day, got %d", u.Daily)
	}
}

func TestNoRetroactiveReset(t *testing.T) {
	tr, clk := newTracker(t, config.QuotaConfig{DailyLimit: 5})
	ctx := context.Background()
	tr.RecordUsage(ctx, 1)
	tr.RecordUsage(ctx, 1)

	clk.t = clk.t.Add(-48 * time.Hour)
	tr.RecordUsage(ctx, 1)
	u, _ := tr.Usage(ctx)
	if u.Daily != 3 {
		t.Errorf("expected no reset when the clock moves back, got daily=%d", u.Daily)
	}
}

func TestMonthlyLimit(t *testing.T) {
	tr, clk := newTracker(t, config.QuotaConfig{DailyLimit: 10, MonthlyLimit: 3})
	clk.t = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tr.RecordUsage(ctx, 1)
		clk.t = clk.t.Add(24 * time.Hour)
	}
	if d := tr.CanSend(ctx, 1); d.Reason != ReasonMonthlyLimit {
		t.Errorf("expected monthly_limit, got %+v", d)
	}
	clk.t = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if d := tr.CanSend(ctx, 1); !d.Allowed {
		t.Errorf("expected monthly reset, got %+v", d)
	}
}

func TestRecordUsageBytes(t *testing.T) {
	tr, _ := newTracker(t, config.QuotaConfig{})
	ctx := context.Background()
	tr.RecordUsage(ctx, 100)
	tr.RecordUsage(ctx, 250)
	u, err := tr.Usage(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.TotalBytes != 350 {
		t.Errorf("expected 350 bytes, got %d", u.TotalBytes)
	}
	tr.Reset(ctx)
	u, _ = tr.Usage(ctx)
	if u.Daily != 0 || u.TotalBytes != 0 {
		t.Errorf("expected reset usage, got %+v", u)
	}
}

func TestAdmitReservesUsage(t *testing.T) {
	tr, clk := newTracker(t, config.QuotaConfig{DailyLimit: 2, BurstLimit: 10, BurstWindow: time.Minute})
	ctx := context.Background()

	d := tr.Admit(ctx, 40)
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	want := Reservation{Size: 40, At: clk.t.UnixMilli(), Day: "2026-01-31", Month: "2026-01"}
	if d.Reservation != want {
		t.Errorf("expected reservation %+v, got %+v", want, d.Reservation)
	}
	tr.Admit(ctx, 60)
	if d := tr.Admit(ctx, 10); d.Allowed || d.Reason != ReasonDailyLimit {
		t.Errorf("expected daily_limit after two admissions, got %+v", d)
	}

	u, _ := tr.Usage(ctx)
	if u.Daily != 2 || u.Monthly != 2 || u.Burst != 2 || u.TotalBytes != 100 {
		t.Errorf("expected two reserved sends, got %+v", u)
	}
}

func TestAdmitConcurrentDailyLimit(t *testing.T) {
	tr, _ := newTracker(t, config.QuotaConfig{DailyLimit: 3})
	ctx := context.Background()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Admit(ctx, 10).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 3 {
		t.Errorf("expected exactly 3 admissions, got %d", allowed)
	}
	if u, _ := tr.Usage(ctx); u.Daily != 3 {
		t.Errorf("expected daily usage 3, got %d", u.Daily)
	}
}

func TestReleaseReturnsUsage(t *testing.T) {
	tr, _ := newTracker(t, config.QuotaConfig{DailyLimit: 1, BurstLimit: 5, BurstWindow: time.Minute})
	ctx := context.Background()

	d := tr.Admit(ctx, 30)
	if err := tr.Release(ctx, d.Reservation); err != nil {
		t.Fatalf("release: %v", err)
	}
	u, _ := tr.Usage(ctx)
	if u.Daily != 0 || u.Monthly != 0 || u.Burst != 0 || u.TotalBytes != 0 {
		t.Errorf("expected usage handed back, got %+v", u)
	}
	if d := tr.Admit(ctx, 30); !d.Allowed {
		t.Errorf("expected the released slot to be usable, got %+v", d)
	}
}

func TestReleaseAfterRollover(t *testing.T) {
	tr, clk := newTracker(t, config.QuotaConfig{DailyLimit: 5})
	ctx := context.Background()

	d := tr.Admit(ctx, 10)
	clk.t = clk.t.Add(2 * time.Minute) // next day and next month
	tr.Admit(ctx, 10)
	tr.Release(ctx, d.Reservation)

	u, _ := tr.Usage(ctx)
	if u.Daily != 1 || u.Monthly != 1 {
		t.Errorf("expected the new period untouched, got %+v", u)
	}
}

func TestReleaseWithoutReservation(t *testing.T) {
	tr, _ := newTracker(t, config.QuotaConfig{})
	ctx := context.Background()
	tr.RecordUsage(ctx, 10)
	if err := tr.Release(ctx, Reservation{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u, _ := tr.Usage(ctx); u.Daily != 1 {
		t.Errorf("expected an empty reservation to change nothing, got %+v", u)
	}
}

type brokenStore struct{ store.Store }

func (brokenStore) Update(context.Context, string, time.Duration, store.UpdateFunc) error {
	return errors.New("connection refused")
}

func TestCanSendFailsOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tr := New(brokenStore{}, config.QuotaConfig{DailyLimit: 1}, zap.New(core))

	if d := tr.CanSend(context.Background(), 10); !d.Allowed {
		t.Errorf("expected fail-open, got %+v", d)
	}
	if logs.Len() != 1 {
		t.Errorf("expected one warning, got %d", logs.Len())
	}
}

func TestAdmitFailsOpenWithoutReservation(t *testing.T) {
	tr := New(brokenStore{}, config.QuotaConfig{DailyLimit: 1}, nil)
	d := tr.Admit(context.Background(), 10)
	if !d.Allowed || d.Reservation.At != 0 {
		t.Errorf("expected fail-open without a reservation, got %+v", d)
	}
}
