package breadcrumb

import (
	"fmt"
	"testing"
	"time"

	"github.com/Manguet/ErrorReportWordpressSDK/event"
)

func TestLedgerEvictsOldest(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Record(fmt.Sprintf("step %d", i), "nav", event.LevelInfo, nil)
	}

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i, want := range []string{"step 2", "step 3", "step 4"} {
		if snap[i].Message != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, snap[i].Message)
		}
	}
}

func TestLedgerDefaults(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l := New(2)
	l.now = func() time.Time { return fixed }

	l.Add(event.Breadcrumb{Message: "query", Category: "db"})
	b := l.Snapshot()[0]
	if !b.Timestamp.Equal(fixed) {
		t.Errorf("expected timestamp %v, got %v", fixed, b.Timestamp)
	}
	if b.Level != event.LevelInfo {
		t.Errorf("expected default level info, got %q", b.Level)
	}
}

func TestLedgerSnapshotIsolated(t *testing.T) {
	l := New(2)
	data := map[string]any{"sql": "select 1"}
	l.Record("query", "db", event.LevelDebug, data)
	data["sql"] = "changed"

	snap := l.Snapshot()
	if snap[0].Data["sql"] != "select 1" {
		t.Errorf("expected ledger to copy data, got %v", snap[0].Data["sql"])
	}
	snap[0].Data["sql"] = "mutated"
	if l.Snapshot()[0].Data["sql"] != "select 1" {
		t.Error("expected snapshot mutation not to affect ledger")
	}
}

func TestLedgerDisabled(t *testing.T) {
	l := New(0)
	l.Record("x", "y", event.LevelInfo, nil)
	if l.Len() != 0 || l.Snapshot() != nil {
		t.Error("expected disabled ledger to stay empty")
	}
}

func TestLedgerClear(t *testing.T) {
	l := New(5)
	l.Record("a", "b", event.LevelInfo, nil)
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("expected empty ledger, got %d", l.Len())
	}
}
