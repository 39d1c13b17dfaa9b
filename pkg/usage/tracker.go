// Package usage enforces the per-user daily request quota.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/keyamuha-ux/collede/pkg/keylock"
)

const dayLayout = "2006-01-02"

// ErrUnavailable wraps backing store faults. Callers must deny the request.
var ErrUnavailable = errors.New("usage tracking unavailable")

// Counter is a daily counter backend. IncrementIfBelow must be atomic on its
// own; the Tracker additionally serializes calls per user.
type Counter interface {
	Current(ctx context.Context, day, userID string) (int64, error)
	IncrementIfBelow(ctx context.Context, day, userID string, limit int64) (int64, bool, error)
	PruneBefore(ctx context.Context, day string) error
}

// Result is the outcome of one quota check.
type Result struct {
	Allowed bool
	Current int64
	Limit   int64
	ResetAt time.Time
}

func (r Result) Remaining() int64 {
	if r.Current >= r.Limit {
		return 0
	}
	return r.Limit - r.Current
}

// DayKey returns the UTC calendar date of t.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// NextReset returns the UTC midnight following t.
func NextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

type Tracker struct {
	counter       Counter
	limit         func() int64
	retentionDays int
	locks         *keylock.Map
	now           func() time.Time

	pruneMu     sync.Mutex
	lastPruneOn string
}

type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithRetentionDays keeps this many past days of counters. Zero disables
// pruning.
func WithRetentionDays(days int) Option {
	return func(t *Tracker) {
		if days >= 0 {
			t.retentionDays = days
		}
	}
}

// NewTracker builds a Tracker. limit is read on every check so config edits
// apply without a restart.
func NewTracker(counter Counter, limit func() int64, opts ...Option) *Tracker {
	t := &Tracker{
		counter: counter,
		limit:   limit,
		locks:   keylock.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckAndIncrement admits one request for userID when today's count is below
// the limit. A denied request leaves the counter untouched. Store faults are
// returned wrapped in ErrUnavailable with a non-allowed result.
func (t *Tracker) CheckAndIncrement(ctx context.Context, userID string) (Result, error) {
	now := t.now()
	limit := t.currentLimit()
	res := Result{Limit: limit, ResetAt: NextReset(now)}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return res, fmt.Errorf("%w: empty user id", ErrUnavailable)
	}
	day := DayKey(now)
	t.maybePrune(ctx, day, now)

	unlock := t.locks.Lock(userID)
	defer unlock()
	current, allowed, err := t.counter.IncrementIfBelow(ctx, day, userID, limit)
	if err != nil {
		log.Error("usage check failed, denying request", "user", userID, "err", err)
		return res, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res.Current = current
	res.Allowed = allowed
	if !allowed {
		log.Warn("daily limit reached", "user", userID, "limit", limit)
	}
	return res, nil
}

// Current reports today's count without changing it.
func (t *Tracker) Current(ctx context.Context, userID string) (Result, error) {
	now := t.now()
	res := Result{Limit: t.currentLimit(), ResetAt: NextReset(now)}
	current, err := t.counter.Current(ctx, DayKey(now), strings.TrimSpace(userID))
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res.Current = current
	res.Allowed = current < res.Limit
	return res, nil
}

func (t *Tracker) Limit() int64 {
	return t.currentLimit()
}

func (t *Tracker) currentLimit() int64 {
	if t.limit == nil {
		return 0
	}
	return t.limit()
}

// maybePrune drops counters older than the retention window once per day.
func (t *Tracker) maybePrune(ctx context.Context, day string, now time.Time) {
	if t.retentionDays <= 0 {
		return
	}
	t.pruneMu.Lock()
	if t.lastPruneOn == day {
		t.pruneMu.Unlock()
		return
	}
	t.lastPruneOn = day
	t.pruneMu.Unlock()
	cutoff := DayKey(now.AddDate(0, 0, -t.retentionDays))
	if err := t.counter.PruneBefore(ctx, cutoff); err != nil {
		log.Warn("usage prune failed", "before", cutoff, "err", err)
	}
}
