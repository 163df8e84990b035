package retry

import (
	"sync"
	"time"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
)

const budgetBuckets = 10

type bucketData struct {
	requests int64
	retries  int64
}

// Budget caps the ratio of retries to sends over a sliding window, so a
// struggling endpoint is not hit by a retry storm from every caller.
type Budget struct {
	ratio          float64
	minRetriesPerS int
	window         time.Duration
	bucketDur      time.Duration
	now            func() time.Time

	mu      sync.Mutex
	buckets [budgetBuckets]bucketData
	idx     int
	lastAdv time.Time
}

// NewBudget creates a retry budget. A zero ratio returns nil, and a nil
// *Budget allows every retry.
func NewBudget(cfg config.BudgetConfig) *Budget {
	if cfg.Ratio <= 0 {
		return nil
	}
	window := cfg.Window
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Budget{
		ratio:          cfg.Ratio,
		minRetriesPerS: cfg.MinRetries,
		window:         window,
		bucketDur:      window / budgetBuckets,
		now:            time.Now,
		lastAdv:        time.Now(),
	}
}

// RecordRequest counts one first attempt.
func (b *Budget) RecordRequest() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.buckets[b.idx].requests++
}

// RecordRetry counts one retry attempt.
func (b *Budget) RecordRetry() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.buckets[b.idx].retries++
}

// AllowRetry reports whether another retry fits in the budget.
func (b *Budget) AllowRetry() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	var reqs, retries int64
	for _, bucket := range b.buckets {
		reqs += bucket.requests
		retries += bucket.retries
	}

	if secs := b.window.Seconds(); secs > 0 && float64(retries)/secs < float64(b.minRetriesPerS) {
		return true
	}
	if reqs == 0 {
		return true
	}
	return float64(retries)/float64(reqs) < b.ratio
}

// advance rotates the ring, zeroing buckets that fell out of the window.
func (b *Budget) advance() {
	now := b.now()
	elapsed := now.Sub(b.lastAdv)
	if elapsed < b.bucketDur {
		return
	}
	steps := min(int(elapsed/b.bucketDur), budgetBuckets)
	for i := 0; i < steps; i++ {
		b.idx = (b.idx + 1) % budgetBuckets
		b.buckets[b.idx] = bucketData{}
	}
	b.lastAdv = now
}
