// Package breadcrumb keeps the bounded trail of recent activity attached
// to outgoing events.
package breadcrumb

import (
	"sync"
	"time"

	"github.com/Manguet/ErrorReportWordpressSDK/event"
)

// Ledger is a bounded FIFO of breadcrumbs. It is safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	max   int
	items []event.Breadcrumb
	now   func() time.Time
}

// New creates a ledger holding at most max entries. max <= 0 disables it.
func New(max int) *Ledger {
	return &Ledger{max: max, now: time.Now}
}

// Add appends b, evicting the oldest entries beyond the maximum. A zero
// timestamp is set to the current time and an empty level to info.
func (l *Ledger) Add(b event.Breadcrumb) {
	if l.max <= 0 {
		return
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = l.now().UTC()
	}
	if b.Level == "" {
		b.Level = event.LevelInfo
	}
	b.Data = event.CloneMap(b.Data)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, b)
	if over := len(l.items) - l.max; over > 0 {
		// copy down so the backing array does not grow without bound
		n := copy(l.items, l.items[over:])
		clear(l.items[n:])
		l.items = l.items[:n]
	}
}

// Record is shorthand for Add with the individual fields.
func (l *Ledger) Record(message, category string, level event.Level, data map[string]any) {
	l.Add(event.Breadcrumb{Message: message, Category: category, Level: level, Data: data})
}

// Snapshot returns a copy of the current entries, oldest first.
func (l *Ledger) Snapshot() []event.Breadcrumb {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return nil
	}
	out := make([]event.Breadcrumb, len(l.items))
	for i, b := range l.items {
		b.Data = event.CloneMap(b.Data)
		out[i] = b
	}
	return out
}

// Len returns the number of stored entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Clear drops every entry.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}
