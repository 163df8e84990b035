// Package batch groups events into a single delivery.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/event"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
)

// Trigger names why a batch was flushed.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerBytes    Trigger = "bytes"
	TriggerTimeout  Trigger = "timeout"
	TriggerManual   Trigger = "manual"
	TriggerShutdown Trigger = "shutdown"
)

// SendFunc delivers one flushed batch.
type SendFunc func(ctx context.Context, env event.BatchEnvelope) error

// Release hands back resources held for an event, such as quota, when
// its batch could not be delivered.
type Release func(ctx context.Context)

type item struct {
	ev      event.Event
	release Release
}

// Enqueuer receives events from batches that could not be delivered.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev event.Event) error
}

// Stats is a point-in-time view of the batcher.
type Stats struct {
	Buffered      int   `json:"buffered"`
	BufferedBytes int   `json:"buffered_bytes"`
	Flushes       int64 `json:"flushes"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Offlined      int64 `json:"offlined"`
}

// Batcher buffers events and flushes them by count, size or age.
type Batcher struct {
	maxSize  int
	maxBytes int
	timeout  time.Duration
	send     SendFunc
	fallback Enqueuer
	logger   *zap.Logger

	mu     sync.Mutex
	buf    []item
	bytes  int
	timer  *time.Timer
	gen    uint64 // bumped whenever the buffer is taken
	closed bool
	wg     sync.WaitGroup

	flushes   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	offlined  atomic.Int64
}

// New creates a batcher. fallback may be nil, in which case failed
// batches are dropped.
func New(cfg config.BatchConfig, send SendFunc, fallback Enqueuer, logger *zap.Logger) *Batcher {
	b := &Batcher{
		maxSize:  cfg.MaxSize,
		maxBytes: cfg.MaxPayloadSize,
		timeout:  cfg.Timeout,
		send:     send,
		fallback: fallback,
		logger:   logging.OrNop(logger),
	}
	if b.maxSize <= 0 {
		b.maxSize = 10
	}
	if b.maxBytes <= 0 {
		b.maxBytes = 1024 * 1024
	}
	if b.timeout <= 0 {
		b.timeout = 5 * time.Second
	}
	return b
}

// Add buffers ev. It returns false once the batcher has been shut down.
// The batch is flushed in the background when a threshold is reached.
// release, if not nil, runs when the batch holding ev fails.
func (b *Batcher) Add(ev event.Event, release Release) bool {
	size := ev.Size()
	if size < 0 {
		size = 0
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.buf = append(b.buf, item{ev: ev, release: release})
	b.bytes += size

	var trigger Trigger
	switch {
	case len(b.buf) >= b.maxSize:
		trigger = TriggerSize
	case b.bytes >= b.maxBytes:
		trigger = TriggerBytes
	}
	if trigger == "" {
		if b.timer == nil {
			gen := b.gen
			b.timer = time.AfterFunc(b.timeout, func() {
				b.flushExpired(gen)
			})
		}
		b.mu.Unlock()
		return true
	}
	items := b.takeLocked()
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.deliver(context.Background(), items, trigger)
	}()
	return true
}

// takeLocked empties the buffer and stops the age timer. b.mu must be held.
func (b *Batcher) takeLocked() []item {
	items := b.buf
	b.buf = nil
	b.bytes = 0
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return items
}

// Flush delivers whatever is buffered and waits for the delivery.
func (b *Batcher) Flush(ctx context.Context, trigger Trigger) {
	b.mu.Lock()
	items := b.takeLocked()
	b.flushLocked(ctx, items, trigger)
}

// flushExpired runs from the age timer. A timer that fired while its
// buffer was being taken finds a newer generation and does nothing.
func (b *Batcher) flushExpired(gen uint64) {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return
	}
	items := b.takeLocked()
	b.flushLocked(context.Background(), items, TriggerTimeout)
}

// flushLocked delivers items synchronously. It is entered with b.mu held
// and releases it.
func (b *Batcher) flushLocked(ctx context.Context, items []item, trigger Trigger) {
	if len(items) == 0 {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	defer b.wg.Done()
	b.deliver(ctx, items, trigger)
}

func (b *Batcher) deliver(ctx context.Context, items []item, trigger Trigger) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	events := make([]event.Event, len(items))
	for i, it := range items {
		events[i] = it.ev
	}
	env := event.NewBatchEnvelope(id.String(), events)
	b.flushes.Add(1)

	if err := b.send(ctx, env); err != nil {
		b.failed.Add(int64(len(items)))
		b.logger.Warn("batch delivery failed",
			zap.String("batch_id", env.BatchID),
			zap.Int("count", env.Count),
			zap.String("trigger", string(trigger)),
			zap.Error(err),
		)
		b.offline(ctx, items)
		return
	}
	b.delivered.Add(int64(len(items)))
	b.logger.Debug("batch delivered",
		zap.String("batch_id", env.BatchID),
		zap.Int("count", env.Count),
		zap.String("trigger", string(trigger)),
	)
}

func (b *Batcher) offline(ctx context.Context, items []item) {
	// the flush context may already be done during shutdown
	ctx = context.WithoutCancel(ctx)
	for _, it := range items {
		if it.release != nil {
			it.release(ctx)
		}
	}
	if b.fallback == nil {
		return
	}
	for _, it := range items {
		if err := b.fallback.Enqueue(ctx, it.ev); err != nil {
			b.logger.Warn("failed to queue batched event offline", zap.Error(err))
			continue
		}
		b.offlined.Add(1)
	}
}

// Shutdown stops accepting events, flushes the partial buffer and waits
// for in-flight deliveries. It returns ctx.Err() if ctx ends first.
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.Flush(ctx, TriggerShutdown)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	buffered, bytes := len(b.buf), b.bytes
	b.mu.Unlock()
	return Stats{
		Buffered:      buffered,
		BufferedBytes: bytes,
		Flushes:       b.flushes.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		Offlined:      b.offlined.Load(),
	}
}
