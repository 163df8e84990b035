// Package quota enforces volume ceilings on delivered events.
package quota

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/logging"
	"github.com/Manguet/ErrorReportWordpressSDK/internal/store"
)

// Key is the store key holding the quota state.
const Key = "quota"

// stateTTL outlives the longest period so month counters survive.
const stateTTL = 32 * 24 * time.Hour

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Reason explains a denial.
type Reason string

const (
	ReasonPayloadSize  Reason = "payload_size"
	ReasonBurstLimit   Reason = "burst_limit"
	ReasonDailyLimit   Reason = "daily_limit"
	ReasonMonthlyLimit Reason = "monthly_limit"
)

// State is the persisted quota record. Day and Month are UTC period
// markers for the current counters.
type State struct {
	Daily      int     `json:"daily"`
	Monthly    int     `json:"monthly"`
	TotalBytes int64   `json:"total_bytes"`
	Burst      []int64 `json:"burst"` // unix milliseconds
	Day        string  `json:"day"`
	Month      string  `json:"month"`
}

// Decision is the outcome of CanSend or Admit.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Reservation is the usage taken by Admit. It is empty for CanSend
	// and when the store was unavailable.
	Reservation Reservation
}

// Reservation identifies one unit of usage taken by Admit so that
// Release can hand it back.
type Reservation struct {
	Size  int
	At    int64 // unix milliseconds, zero when nothing was reserved
	Day   string
	Month string
}

// Usage is a read-only view of current consumption.
type Usage struct {
	Daily        int    `json:"daily"`
	DailyLimit   int    `json:"daily_limit"`
	Monthly      int    `json:"monthly"`
	MonthlyLimit int    `json:"monthly_limit"`
	Burst        int    `json:"burst"`
	BurstLimit   int    `json:"burst_limit"`
	TotalBytes   int64  `json:"total_bytes"`
	Day          string `json:"day"`
	Month        string `json:"month"`
}

// Tracker checks and records quota consumption.
type Tracker struct {
	store  store.Store
	cfg    config.QuotaConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Tracker persisting its state in s.
func New(s store.Store, cfg config.QuotaConfig, logger *zap.Logger) *Tracker {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = time.Minute
	}
	return &Tracker{
		store:  s,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// refresh rolls period counters forward and prunes expired burst
// timestamps. It reports whether st changed.
func (t *Tracker) refresh(st *State, now time.Time) bool {
	changed := false
	day := now.UTC().Format(dayLayout)
	month := now.UTC().Format(monthLayout)

	// Markers only move forward; a clock stepping back never resets.
	if day > st.Day {
		if st.Day != "" {
			st.Daily = 0
		}
		st.Day = day
		changed = true
	}
	if month > st.Month {
		if st.Month != "" {
			st.Monthly = 0
		}
		st.Month = month
		changed = true
	}

	cutoff := now.Add(-t.cfg.BurstWindow).UnixMilli()
	i := 0
	for i < len(st.Burst) && st.Burst[i] <= cutoff {
		i++
	}
	if i > 0 {
		st.Burst = append([]int64(nil), st.Burst[i:]...)
		changed = true
	}
	return changed
}

func (t *Tracker) evaluate(st *State, size int) Decision {
	switch {
	case t.cfg.MaxPayloadSize > 0 && size > t.cfg.MaxPayloadSize:
		return Decision{Reason: ReasonPayloadSize}
	case t.cfg.BurstLimit > 0 && len(st.Burst) >= t.cfg.BurstLimit:
		return Decision{Reason: ReasonBurstLimit}
	case t.cfg.DailyLimit > 0 && st.Daily >= t.cfg.DailyLimit:
		return Decision{Reason: ReasonDailyLimit}
	case t.cfg.MonthlyLimit > 0 && st.Monthly >= t.cfg.MonthlyLimit:
		return Decision{Reason: ReasonMonthlyLimit}
	}
	return Decision{Allowed: true}
}

// CanSend reports whether a payload of size bytes may be sent now. The
// checks run in order payload size, burst, daily, monthly. A store
// failure allows the send.
func (t *Tracker) CanSend(ctx context.Context, size int) Decision {
	if t.cfg.MaxPayloadSize > 0 && size > t.cfg.MaxPayloadSize {
		return Decision{Reason: ReasonPayloadSize}
	}

	var d Decision
	now := t.now()
	err := store.UpdateJSON(ctx, t.store, Key, stateTTL, func(st *State) (bool, error) {
		changed := t.refresh(st, now)
		d = t.evaluate(st, size)
		return changed, nil
	})
	if err != nil {
		t.logger.Warn("quota state unavailable, allowing send", zap.Error(err))
		return Decision{Allowed: true}
	}
	return d
}

// Admit checks a payload of size bytes like CanSend and, when allowed,
// counts it against every limit in the same store update. Concurrent
// callers therefore never overshoot a ceiling. A store failure allows
// the send without a reservation.
func (t *Tracker) Admit(ctx context.Context, size int) Decision {
	if t.cfg.MaxPayloadSize > 0 && size > t.cfg.MaxPayloadSize {
		return Decision{Reason: ReasonPayloadSize}
	}

	var d Decision
	now := t.now()
	err := store.UpdateJSON(ctx, t.store, Key, stateTTL, func(st *State) (bool, error) {
		changed := t.refresh(st, now)
		d = t.evaluate(st, size)
		if !d.Allowed {
			return changed, nil
		}
		t.consume(st, size, now)
		d.Reservation = Reservation{Size: size, At: now.UnixMilli(), Day: st.Day, Month: st.Month}
		return true, nil
	})
	if err != nil {
		t.logger.Warn("quota state unavailable, allowing send", zap.Error(err))
		return Decision{Allowed: true}
	}
	return d
}

// Release returns usage taken by Admit for a payload that was not
// delivered. Counters of a period that has since rolled over are left
// alone.
func (t *Tracker) Release(ctx context.Context, r Reservation) error {
	if r.At == 0 {
		return nil
	}
	now := t.now()
	err := store.UpdateJSON(ctx, t.store, Key, stateTTL, func(st *State) (bool, error) {
		t.refresh(st, now)
		if st.Day == r.Day && st.Daily > 0 {
			st.Daily--
		}
		if st.Month == r.Month && st.Monthly > 0 {
			st.Monthly--
		}
		st.TotalBytes = max(st.TotalBytes-int64(r.Size), 0)
		if i := slices.Index(st.Burst, r.At); i >= 0 {
			st.Burst = slices.Delete(st.Burst, i, i+1)
		}
		return true, nil
	})
	if err != nil {
		t.logger.Warn("failed to release quota reservation", zap.Error(err))
	}
	return err
}

// consume counts one payload in st.
func (t *Tracker) consume(st *State, size int, now time.Time) {
	st.Daily++
	st.Monthly++
	st.TotalBytes += int64(size)
	st.Burst = append(st.Burst, now.UnixMilli())
}

// RecordUsage counts one delivered payload of size bytes without a
// prior check.
func (t *Tracker) RecordUsage(ctx context.Context, size int) error {
	now := t.now()
	err := store.UpdateJSON(ctx, t.store, Key, stateTTL, func(st *State) (bool, error) {
		t.refresh(st, now)
		t.consume(st, size, now)
		return true, nil
	})
	if err != nil {
		t.logger.Warn("failed to record quota usage", zap.Error(err))
	}
	return err
}

// Usage returns the current counters after rollover.
func (t *Tracker) Usage(ctx context.Context) (Usage, error) {
	st, _, err := store.GetJSON[State](ctx, t.store, Key)
	if err != nil {
		return Usage{}, err
	}
	t.refresh(&st, t.now())
	return Usage{
		Daily:        st.Daily,
		DailyLimit:   t.cfg.DailyLimit,
		Monthly:      st.Monthly,
		MonthlyLimit: t.cfg.MonthlyLimit,
		Burst:        len(st.Burst),
		BurstLimit:   t.cfg.BurstLimit,
		TotalBytes:   st.TotalBytes,
		Day:          st.Day,
		Month:        st.Month,
	}, nil
}

// Reset clears all counters.
func (t *Tracker) Reset(ctx context.Context) error {
	return t.store.Delete(ctx, Key)
}
