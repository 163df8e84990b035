// Package scheduler runs named background tasks on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
)

// Task is one periodic job. Errors are logged; the task keeps running.
type Task func(ctx context.Context) error

// Scheduler registers periodic tasks.
type Scheduler interface {
	Every(name string, interval time.Duration, task Task)
}

type job struct {
	name     string
	interval time.Duration
	task     Task
}

// Ticker is a Scheduler that drives each task from its own time.Ticker.
// Runs of the same task never overlap.
type Ticker struct {
	mu      sync.Mutex
	jobs    []job
	started bool
	timeout func(interval time.Duration) time.Duration
	logger  *zap.Logger
}

// New creates a Ticker.
func New(logger *zap.Logger) *Ticker {
	return &Ticker{
		logger:  logging.OrNop(logger),
		timeout: func(interval time.Duration) time.Duration { return interval },
	}
}

// Every registers task. Registrations after Run has started are ignored
// and logged. A non-positive interval disables the task.
func (t *Ticker) Every(name string, interval time.Duration, task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		t.logger.Warn("scheduler already running, task ignored", zap.String("task", name))
		return
	}
	if interval <= 0 {
		t.logger.Debug("task disabled", zap.String("task", name))
		return
	}
	t.jobs = append(t.jobs, job{name: name, interval: interval, task: task})
}

// Tasks returns the registered task names.
func (t *Ticker) Tasks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, len(t.jobs))
	for i, j := range t.jobs {
		names[i] = j.name
	}
	return names
}

// Run drives every task until ctx is done. It returns nil on cancellation.
func (t *Ticker) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	t.started = true
	jobs := append([]job(nil), t.jobs...)
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			t.loop(gctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (t *Ticker) loop(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runOnce(ctx, j)
		}
	}
}

func (t *Ticker) runOnce(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout(j.interval))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("scheduled task panicked",
				zap.String("task", j.name),
				zap.Any("panic", r),
			)
		}
	}()

	start := time.Now()
	if err := j.task(ctx); err != nil {
		t.logger.Warn("scheduled task failed",
			zap.String("task", j.name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	t.logger.Debug("scheduled task completed",
		zap.String("task", j.name),
		zap.Duration("duration", time.Since(start)),
	)
}
