// Package ratelimit caps the send rate and suppresses repeated errors.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/event"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
)

// Key is the store key holding the limiter state.
const Key = "ratelimit"

const (
	rateWindow       = time.Minute
	messagePrefix    = 100
	defaultFrames    = 3
	defaultPerMin    = 60
	defaultDupWindow = 5 * time.Minute
	recentSize       = 1024
)

// DefaultInternalFrames are path fragments of host platform code that
// never identify an error.
var DefaultInternalFrames = []string{"/wp-includes/", "/wp-admin/includes/", "/vendor/"}

// Reason explains a denial.
type Reason string

const (
	ReasonRateLimited Reason = "rate_limited"
	ReasonDuplicate   Reason = "duplicate"
)

// State is the persisted limiter record. Timestamps are unix milliseconds.
type State struct {
	Sends []int64          `json:"sends"`
	Seen  map[string]int64 `json:"seen"`
}

// Decision is the outcome of CanSend and Admit.
type Decision struct {
	Allowed     bool
	Remaining   int
	ResetTime   time.Time
	Reason      Reason
	Fingerprint string
}

// Limiter applies a sliding per-minute cap and a duplicate window.
type Limiter struct {
	store          store.Store
	limit          int
	dupWindow      time.Duration
	frames         int
	internalFrames []string
	recent         *expirable.LRU[string, int64] // fingerprints sent by this process
	logger         *zap.Logger
	now            func() time.Time
}

// New creates a Limiter persisting its state in s.
func New(s store.Store, cfg config.RateLimitConfig, logger *zap.Logger) *Limiter {
	l := &Limiter{
		store:          s,
		limit:          cfg.RequestsPerMinute,
		dupWindow:      cfg.DuplicateWindow,
		frames:         cfg.StackFrames,
		internalFrames: cfg.InternalFrames,
		logger:         logging.OrNop(logger),
		now:            time.Now,
	}
	if l.limit <= 0 {
		l.limit = defaultPerMin
	}
	if l.dupWindow <= 0 {
		l.dupWindow = defaultDupWindow
	}
	if l.frames <= 0 {
		l.frames = defaultFrames
	}
	if l.internalFrames == nil {
		l.internalFrames = DefaultInternalFrames
	}
	l.recent = expirable.NewLRU[string, int64](recentSize, nil, l.dupWindow)
	return l
}

// recentDuplicate refuses fp without a store round trip when this process
// sent it within the window. Remaining is not known on this path.
func (l *Limiter) recentDuplicate(fp string, now time.Time) (Decision, bool) {
	sent, ok := l.recent.Get(fp)
	if !ok || now.UnixMilli()-sent >= l.dupWindow.Milliseconds() {
		return Decision{}, false
	}
	return Decision{
		Reason:      ReasonDuplicate,
		ResetTime:   time.UnixMilli(sent).Add(l.dupWindow),
		Fingerprint: fp,
	}, true
}

func (l *Limiter) isInternal(file string) bool {
	for _, p := range l.internalFrames {
		if strings.Contains(file, p) {
			return true
		}
	}
	return false
}

// StackSignature joins the first non-internal frames as file:*:function.
// Line numbers are replaced by a wildcard so edits above the failing line
// do not split one error into many fingerprints.
func (l *Limiter) StackSignature(e *event.Event) string {
	parts := make([]string, 0, l.frames)
	for _, f := range e.StackTrace {
		if len(parts) == l.frames {
			break
		}
		if l.isInternal(f.File) {
			continue
		}
		fn := f.Function
		if f.Class != "" {
			fn = f.Class + "::" + fn
		}
		parts = append(parts, f.File+":*:"+fn)
	}
	if len(parts) == 0 && e.File != "" {
		parts = append(parts, e.File+":*")
	}
	return strings.Join(parts, "|")
}

// Fingerprint hashes the stack signature, the first 100 characters of the
// message and the classification.
func (l *Limiter) Fingerprint(e *event.Event) string {
	d := xxhash.New()
	d.WriteString(l.StackSignature(e))
	d.WriteString("\x00")
	d.WriteString(truncateRunes(e.Message, messagePrefix))
	d.WriteString("\x00")
	d.WriteString(e.Classification)
	return strconv.FormatUint(d.Sum64(), 16)
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func (l *Limiter) prune(st *State, now time.Time) bool {
	changed := false
	cutoff := now.Add(-rateWindow).UnixMilli()
	i := 0
	for i < len(st.Sends) && st.Sends[i] <= cutoff {
		i++
	}
	if i > 0 {
		st.Sends = append([]int64(nil), st.Sends[i:]...)
		changed = true
	}
	dupCutoff := now.Add(-l.dupWindow).UnixMilli()
	for fp, ts := range st.Seen {
		if ts <= dupCutoff {
			delete(st.Seen, fp)
			changed = true
		}
	}
	return changed
}

func (l *Limiter) evaluate(st *State, fp string, now time.Time) Decision {
	d := Decision{Fingerprint: fp, ResetTime: now}
	if ts, ok := st.Seen[fp]; ok {
		d.Reason = ReasonDuplicate
		d.ResetTime = time.UnixMilli(ts).Add(l.dupWindow)
		d.Remaining = max(l.limit-len(st.Sends), 0)
		return d
	}
	if len(st.Sends) > 0 {
		d.ResetTime = time.UnixMilli(st.Sends[0]).Add(rateWindow)
	}
	if len(st.Sends) >= l.limit {
		d.Reason = ReasonRateLimited
		return d
	}
	d.Allowed = true
	d.Remaining = l.limit - len(st.Sends)
	return d
}

func (l *Limiter) mark(st *State, fp string, now time.Time) {
	if st.Seen == nil {
		st.Seen = make(map[string]int64)
	}
	st.Sends = append(st.Sends, now.UnixMilli())
	st.Seen[fp] = now.UnixMilli()
}

func (l *Limiter) ttl() time.Duration {
	return max(l.dupWindow, rateWindow) + time.Minute
}

// CanSend reports whether e may be sent without recording it. A store
// failure allows the send.
func (l *Limiter) CanSend(ctx context.Context, e *event.Event) Decision {
	fp := l.Fingerprint(e)
	now := l.now()
	if d, ok := l.recentDuplicate(fp, now); ok {
		return d
	}
	var d Decision
	err := store.UpdateJSON(ctx, l.store, Key, l.ttl(), func(st *State) (bool, error) {
		changed := l.prune(st, now)
		d = l.evaluate(st, fp, now)
		return changed, nil
	})
	if err != nil {
		l.logger.Warn("rate limiter state unavailable, allowing send", zap.Error(err))
		return Decision{Allowed: true, Remaining: l.limit, ResetTime: now, Fingerprint: fp}
	}
	return d
}

// MarkSent records e as sent now.
func (l *Limiter) MarkSent(ctx context.Context, e *event.Event) error {
	fp := l.Fingerprint(e)
	now := l.now()
	err := store.UpdateJSON(ctx, l.store, Key, l.ttl(), func(st *State) (bool, error) {
		l.prune(st, now)
		l.mark(st, fp, now)
		return true, nil
	})
	if err != nil {
		l.logger.Warn("failed to record sent event", zap.Error(err))
		return fmt.Errorf("mark sent: %w", err)
	}
	l.recent.Add(fp, now.UnixMilli())
	return nil
}

// Admit checks e and, when allowed, records it in the same atomic update,
// so two concurrent callers cannot both pass on the last slot or on the
// same fingerprint.
func (l *Limiter) Admit(ctx context.Context, e *event.Event) Decision {
	fp := l.Fingerprint(e)
	now := l.now()
	if d, ok := l.recentDuplicate(fp, now); ok {
		return d
	}
	var d Decision
	err := store.UpdateJSON(ctx, l.store, Key, l.ttl(), func(st *State) (bool, error) {
		changed := l.prune(st, now)
		d = l.evaluate(st, fp, now)
		if d.Allowed {
			l.mark(st, fp, now)
			d.Remaining--
			return true, nil
		}
		return changed, nil
	})
	if err != nil {
		l.logger.Warn("rate limiter state unavailable, allowing send", zap.Error(err))
		return Decision{Allowed: true, Remaining: l.limit, ResetTime: now, Fingerprint: fp}
	}
	if d.Allowed {
		l.recent.Add(fp, now.UnixMilli())
	}
	return d
}

// AdmitSend takes a slot in the per-minute window for a send that is not
// subject to duplicate suppression, such as an offline replay. The check
// and the record happen in one update. A store failure allows the send.
func (l *Limiter) AdmitSend(ctx context.Context) Decision {
	now := l.now()
	var d Decision
	err := store.UpdateJSON(ctx, l.store, Key, l.ttl(), func(st *State) (bool, error) {
		changed := l.prune(st, now)
		d = Decision{ResetTime: now}
		if len(st.Sends) > 0 {
			d.ResetTime = time.UnixMilli(st.Sends[0]).Add(rateWindow)
		}
		if len(st.Sends) >= l.limit {
			d.Reason = ReasonRateLimited
			return changed, nil
		}
		st.Sends = append(st.Sends, now.UnixMilli())
		d.Allowed = true
		d.Remaining = l.limit - len(st.Sends)
		return true, nil
	})
	if err != nil {
		l.logger.Warn("rate limiter state unavailable, allowing send", zap.Error(err))
		return Decision{Allowed: true, Remaining: l.limit, ResetTime: now}
	}
	return d
}

// Reset clears both windows.
func (l *Limiter) Reset(ctx context.Context) error {
	l.recent.Purge()
	return l.store.Delete(ctx, Key)
}
