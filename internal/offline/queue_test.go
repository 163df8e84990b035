package offline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/event"
	rerrors "github.com/Manguet/ErrorReportWordpressSDK/internal/errors"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
	"github.com/Manguet/ErrorReportWordpressSDK/transport"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testConfig() config.OfflineConfig {
	return config.OfflineConfig{
		Enabled:      true,
		MaxQueueSize: 3,
		MaxAge:       time.Hour,
		MaxAttempts:  2,
	}
}

func newQueue(t *testing.T, s store.Store, cfg config.OfflineConfig) (*Queue, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	q := New(s, cfg, nil)
	q.now = clk.now
	return q, clk
}

func memStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func ev(msg string) event.Event {
	return event.Event{Message: msg, Project: "shop", Level: event.LevelError}
}

func messages(t *testing.T, q *Queue) []string {
	t.Helper()
	entries, err := q.Entries(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event.Message
	}
	return out
}

func TestEnqueueAssignsEntryFields(t *testing.T) {
	q, clk := newQueue(t, memStore(t), testConfig())
	ctx := context.Background()

	if err := q.Enqueue(ctx, ev("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, _ := q.Entries(ctx)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" || e.Attempts != 0 || !e.Timestamp.Equal(clk.t) {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestEnqueueEvictsOldest(t *testing.T) {
	q, _ := newQueue(t, memStore(t), testConfig())
	ctx := context.Background()
	for _, m := range []string{"a", "b", "c", "d"} {
		q.Enqueue(ctx, ev(m))
	}
	got := messages(t, q)
	if fmt.Sprint(got) != "[b c d]" {
		t.Errorf("expected [b c d], got %v", got)
	}
	if d := q.Depth(ctx); d != 3 {
		t.Errorf("expected depth 3, got %d", d)
	}
}

func TestEnqueueDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	q, _ := newQueue(t, memStore(t), cfg)
	if err := q.Enqueue(context.Background(), ev("a")); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestReplayRemovesDelivered(t *testing.T) {
	q, _ := newQueue(t, memStore(t), testConfig())
	ctx := context.Background()
	q.Enqueue(ctx, ev("a"))
	q.Enqueue(ctx, ev("b"))

	var sent []string
	res, err := q.Replay(ctx, func(_ context.Context, e event.Event) error {
		sent = append(sent, e.Message)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Succeeded != 2 || q.Depth(ctx) != 0 {
		t.Errorf("expected queue drained, got %+v depth=%d", res, q.Depth(ctx))
	}
	if fmt.Sprint(sent) != "[a b]" {
		t.Errorf("expected FIFO order, got %v", sent)
	}
}

func TestReplayCountsAttemptsAndDrops(t *testing.T) {
	q, _ := newQueue(t, memStore(t), testConfig())
	ctx := context.Background()
	q.Enqueue(ctx, ev("a"))

	failing := func(context.Context, event.Event) error { return errors.New("connection reset") }

	res, _ := q.Replay(ctx, failing)
	if res.Failed != 1 || res.Dropped != 0 {
		t.Fatalf("unexpected first pass %+v", res)
	}
	entries, _ := q.Entries(ctx)
	if entries[0].Attempts != 1 || entries[0].LastError != "connection reset" {
		t.Errorf("expected one recorded attempt, got %+v", entries[0])
	}

	res, _ = q.Replay(ctx, failing)
	if res.Dropped != 1 || q.Depth(ctx) != 0 {
		t.Errorf("expected entry dropped at max attempts, got %+v depth=%d", res, q.Depth(ctx))
	}
}

func TestReplayDropsRejectedPayload(t *testing.T) {
	q, _ := newQueue(t, memStore(t), testConfig())
	ctx := context.Background()
	q.Enqueue(ctx, ev("a"))

	res, _ := q.Replay(ctx, func(context.Context, event.Event) error {
		return &transport.StatusError{Code: 400}
	})
	if res.Dropped != 1 || q.Depth(ctx) != 0 {
		t.Errorf("expected 4xx to drop the entry, got %+v", res)
	}
}

func TestReplayStopsOnCircuitOpen(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"circuit open", rerrors.ErrCircuitOpen, "circuit_open"},
		{"quota", fmt.Errorf("replay: %w", rerrors.ErrQuota), "quota_exceeded"},
		{"rate limit", rerrors.ErrRateLimited, "rate_limited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newQueue(t, memStore(t), testConfig())
			ctx := context.Background()
			q.Enqueue(ctx, ev("a"))
			q.Enqueue(ctx, ev("b"))

			calls := 0
			res, err := q.Replay(ctx, func(context.Context, event.Event) error {
				calls++
				return tt.err
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if calls != 1 || res.Stopped != tt.want {
				t.Errorf("expected pass to stop after one call, got calls=%d %+v", calls, res)
			}
			entries, _ := q.Entries(ctx)
			for _, e := range entries {
				if e.Attempts != 0 {
					t.Errorf("expected no attempt consumed, got %+v", e)
				}
			}
		})
	}
}

func TestReplaySingleFlight(t *testing.T) {
	q, _ := newQueue(t, memStore(t), testConfig())
	ctx := context.Background()
	q.Enqueue(ctx, ev("a"))

	var nested error
	q.Replay(ctx, func(ctx context.Context, _ event.Event) error {
		_, nested = q.Replay(ctx, func(context.Context, event.Event) error { return nil })
		return nil
	})
	if !errors.Is(nested, ErrReplayInProgress) {
		t.Errorf("expected ErrReplayInProgress, got %v", nested)
	}
}

func TestReplayLeaseAcrossProcesses(t *testing.T) {
	s := memStore(t)
	a, _ := newQueue(t, s, testConfig())
	b, _ := newQueue(t, s, testConfig())
	ctx := context.Background()
	a.Enqueue(ctx, ev("a"))

	var other error
	a.Replay(ctx, func(ctx context.Context, _ event.Event) error {
		_, other = b.Replay(ctx, func(context.Context, event.Event) error { return nil })
		return nil
	})
	if !errors.Is(other, ErrReplayInProgress) {
		t.Errorf("expected the lease to block a second process, got %v", other)
	}

	// lease released after the pass
	b.Enqueue(ctx, ev("b"))
	if _, err := b.Replay(ctx, func(context.Context, event.Event) error { return nil }); err != nil {
		t.Errorf("expected lease to be free, got %v", err)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	q, clk := newQueue(t, memStore(t), testConfig())
	ctx := context.Background()
	q.Enqueue(ctx, ev("old"))
	clk.t = clk.t.Add(90 * time.Minute)
	q.Enqueue(ctx, ev("new"))

	removed, err := q.Cleanup(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if got := messages(t, q); fmt.Sprint(got) != "[new]" {
		t.Errorf("expected [new], got %v", got)
	}
}

func TestClear(t *testing.T) {
	q, _ := newQueue(t, memStore(t), testConfig())
	ctx := context.Background()
	q.Enqueue(ctx, ev("a"))
	if err := q.Clear(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Depth(ctx) != 0 {
		t.Error("expected empty queue")
	}
}
