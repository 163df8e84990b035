// Package offline keeps undelivered events in the store and replays them.
package offline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/event"
	rerrors "github.com/Manguet/ErrorReportWordpressSDK/internal/errors"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
)

// Store keys.
const (
	QueueKey = "offline:queue"
	LeaseKey = "offline:lease"
)

const leaseTTL = 5 * time.Minute

var (
	// ErrDisabled is returned by Enqueue when the queue is turned off.
	ErrDisabled = stderrors.New("offline queue disabled")
	// ErrReplayInProgress is returned when another replay holds the queue.
	ErrReplayInProgress = stderrors.New("offline replay already in progress")
)

// Entry is one queued event.
type Entry struct {
	ID        string      `json:"id"`
	Event     event.Event `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
}

// SendFunc delivers one replayed event.
type SendFunc func(ctx context.Context, ev event.Event) error

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Dropped   int    `json:"dropped"`
	Stopped   string `json:"stopped,omitempty"` // error kind that ended the pass early
}

// Queue is a bounded FIFO of undelivered events persisted in a store.
type Queue struct {
	store       store.Store
	enabled     bool
	maxSize     int
	maxAge      time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	owner       string
	replaying   atomic.Bool
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an offline queue.
func New(s store.Store, cfg config.OfflineConfig, logger *zap.Logger) *Queue {
	q := &Queue{
		store:       s,
		enabled:     cfg.Enabled,
		maxSize:     cfg.MaxQueueSize,
		maxAge:      cfg.MaxAge,
		maxAttempts: cfg.MaxAttempts,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		owner:       uuid.NewString(),
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
	if q.maxSize <= 0 {
		q.maxSize = 100
	}
	if q.maxAge <= 0 {
		q.maxAge = 24 * time.Hour
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if cfg.ReplayRate > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.ReplayRate), 1)
	}
	return q
}

func (q *Queue) ttl() time.Duration {
	return 2 * q.maxAge
}

// Enqueue appends ev, evicting the oldest entries beyond the size limit.
func (q *Queue) Enqueue(ctx context.Context, ev event.Event) error {
	if !q.enabled {
		return ErrDisabled
	}
	entry := Entry{
		ID:        uuid.NewString(),
		Event:     ev,
		Timestamp: q.now().UTC(),
	}
	var evicted int
	err := store.UpdateJSON(ctx, q.store, QueueKey, q.ttl(), func(entries *[]Entry) (bool, error) {
		list := append(*entries, entry)
		evicted = 0
		if over := len(list) - q.maxSize; over > 0 {
			evicted = over
			list = list[over:]
		}
		*entries = list
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("enqueue offline event: %w", err)
	}
	if evicted > 0 {
		q.logger.Warn("offline queue full, evicted oldest entries", zap.Int("evicted", evicted))
	}
	return nil
}

// Entries returns the queued entries, oldest first.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	entries, _, err := store.GetJSON[[]Entry](ctx, q.store, QueueKey)
	return entries, err
}

// Depth returns the number of queued entries, or 0 if the store fails.
func (q *Queue) Depth(ctx context.Context) int {
	entries, err := q.Entries(ctx)
	if err != nil {
		q.logger.Warn("failed to read offline queue", zap.Error(err))
		return 0
	}
	return len(entries)
}

// Clear removes every entry.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.Delete(ctx, QueueKey)
}

// Cleanup removes entries older than the max age regardless of attempts
// and returns how many were removed.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.maxAge)
	var removed int
	err := store.UpdateJSON(ctx, q.store, QueueKey, q.ttl(), func(entries *[]Entry) (bool, error) {
		removed = 0
		kept := (*entries)[:0:0]
		for _, e := range *entries {
			if e.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if removed == 0 {
			return false, nil
		}
		*entries = kept
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("clean offline queue: %w", err)
	}
	if removed > 0 {
		q.logger.Info("expired offline entries removed", zap.Int("removed", removed))
	}
	return removed, nil
}

// Replay sends every queued entry through send, paced by the replay rate.
// Delivered entries are removed; failed ones count an attempt and are
// dropped once they reach the attempt limit. A circuit-open, quota or
// rate-limit answer ends the pass without consuming attempts. Only one replay runs
// at a time across all processes sharing the store.
func (q *Queue) Replay(ctx context.Context, send SendFunc) (ReplayResult, error) {
	var res ReplayResult
	if !q.replaying.CompareAndSwap(false, true) {
		return res, ErrReplayInProgress
	}
	defer q.replaying.Store(false)

	held, err := q.acquireLease(ctx)
	if err != nil {
		return res, fmt.Errorf("acquire replay lease: %w", err)
	}
	if !held {
		return res, ErrReplayInProgress
	}
	defer q.releaseLease(context.WithoutCancel(ctx))

	entries, err := q.Entries(ctx)
	if err != nil {
		return res, fmt.Errorf("read offline queue: %w", err)
	}

	for _, entry := range entries {
		if err := q.limiter.Wait(ctx); err != nil {
			return res, err
		}
		res.Attempted++
		sendErr := send(ctx, entry.Event)
		if sendErr == nil {
			res.Succeeded++
			q.settle(ctx, entry.ID, nil)
			continue
		}
		if stderrors.Is(sendErr, context.Canceled) {
			return res, sendErr
		}
		switch kind := rerrors.KindOf(sendErr); kind {
		case rerrors.KindCircuitOpen, rerrors.KindQuotaExceeded, rerrors.KindRateLimited:
			res.Attempted--
			res.Stopped = string(kind)
			q.logger.Info("offline replay paused", zap.String("reason", string(kind)))
			return res, nil
		}
		res.Failed++
		if q.settle(ctx, entry.ID, sendErr) {
			res.Dropped++
		}
	}

	if res.Attempted > 0 {
		q.logger.Info("offline replay finished",
			zap.Int("attempted", res.Attempted),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped),
		)
	}
	return res, nil
}

// settle removes a delivered entry or counts a failed attempt. It reports
// whether a failed entry was dropped.
func (q *Queue) settle(ctx context.Context, id string, sendErr error) bool {
	ctx = context.WithoutCancel(ctx)
	var dropped bool
	err := store.UpdateJSON(ctx, q.store, QueueKey, q.ttl(), func(entries *[]Entry) (bool, error) {
		dropped = false
		list := *entries
		for i := range list {
			if list[i].ID != id {
				continue
			}
			if sendErr != nil {
				list[i].Attempts++
				list[i].LastError = sendErr.Error()
				// a rejected payload will never be accepted
				if list[i].Attempts < q.maxAttempts && !rerrors.Terminal(sendErr) {
					return true, nil
				}
				dropped = true
			}
			*entries = append(list[:i:i], list[i+1:]...)
			return true, nil
		}
		// evicted or cleaned up meanwhile
		return false, nil
	})
	if err != nil {
		q.logger.Warn("failed to update offline entry", zap.String("id", id), zap.Error(err))
		return false
	}
	if dropped {
		q.logger.Warn("offline entry dropped",
			zap.String("id", id),
			zap.Error(sendErr),
		)
	}
	return dropped
}

type lease struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

func (q *Queue) acquireLease(ctx context.Context) (bool, error) {
	now := q.now()
	var held bool
	err := store.UpdateJSON(ctx, q.store, LeaseKey, leaseTTL, func(l *lease) (bool, error) {
		held = false
		if l.Owner != "" && l.Owner != q.owner && now.Before(l.Expires) {
			return false, nil
		}
		held = true
		*l = lease{Owner: q.owner, Expires: now.Add(leaseTTL)}
		return true, nil
	})
	return held, err
}

func (q *Queue) releaseLease(ctx context.Context) {
	err := q.store.Update(ctx, LeaseKey, leaseTTL, func(current []byte) ([]byte, error) {
		var l lease
		if err := json.Unmarshal(current, &l); err != nil || l.Owner != q.owner {
			return nil, store.ErrNoChange
		}
		return nil, nil
	})
	if err != nil {
		q.logger.Warn("failed to release replay lease", zap.Error(err))
	}
}
