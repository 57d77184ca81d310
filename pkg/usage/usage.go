package usage

import (
	"math/big"
	"sync"
	"time"
)

// Window lengths. Monthly is a fixed 30-day approximation, not a calendar
// month.
const (
	DailySpan   = 24 * time.Hour
	MonthlySpan = 30 * 24 * time.Hour
)

// Window is one rolling accumulator. A window whose Start plus span lies at
// or before the current time is expired and reads as zero.
type Window struct {
	Amount *big.Int
	Count  int
	Start  time.Time
}

type key struct {
	subject  string
	operator string
	kind     string
}

type pairKey struct {
	subject  string
	operator string
}

type Option func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker maintains the daily and monthly usage windows per
// (subject, operator, kind) and the last-operation time per
// (subject, operator). Windows reset lazily: no sweeper ever runs, expiry is
// applied on the access path. Read paths apply the same expiry logic without
// writing back, so a projection and the commit that follows it can never
// disagree.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	daily   map[key]*Window
	monthly map[key]*Window
	lastOp  map[pairKey]time.Time
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:     func() time.Time { return time.Now().UTC() },
		daily:   make(map[key]*Window),
		monthly: make(map[key]*Window),
		lastOp:  make(map[pairKey]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DailyWouldExceed projects amount onto the live daily accumulator and
// reports whether the sum would pass limit. Zero and nil limits never bound.
func (t *Tracker) DailyWouldExceed(subject, operator, kind string, amount, limit *big.Int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wouldExceed(t.daily[key{subject, operator, kind}], DailySpan, t.now(), amount, limit)
}

// MonthlyWouldExceed is DailyWouldExceed over the 30-day window.
func (t *Tracker) MonthlyWouldExceed(subject, operator, kind string, amount, limit *big.Int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wouldExceed(t.monthly[key{subject, operator, kind}], MonthlySpan, t.now(), amount, limit)
}

// Commit records a finally-approved operation: both windows are reset if
// expired, accumulated, and the last-operation time for (subject, operator)
// is set to now. Callers invoke this exactly once per approved operation.
func (t *Tracker) Commit(subject, operator, kind string, amount *big.Int) {
	if amount == nil {
		amount = new(big.Int)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	k := key{subject, operator, kind}
	t.daily[k] = accumulate(t.daily[k], DailySpan, now, amount)
	t.monthly[k] = accumulate(t.monthly[k], MonthlySpan, now, amount)
	t.lastOp[pairKey{subject, operator}] = now
}

// LastOperation returns the time the operator last completed an operation on
// the subject, if any.
func (t *Tracker) LastOperation(subject, operator string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.lastOp[pairKey{subject, operator}]
	return at, ok
}

// SetLastOperation seeds the cooldown clock, used when reloading persisted
// state.
func (t *Tracker) SetLastOperation(subject, operator string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastOp[pairKey{subject, operator}] = at
}

// Snapshot returns value copies of the live daily and monthly windows,
// expiry applied but not written back.
func (t *Tracker) Snapshot(subject, operator, kind string) (daily Window, monthly Window) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	k := key{subject, operator, kind}
	return liveCopy(t.daily[k], DailySpan, now), liveCopy(t.monthly[k], MonthlySpan, now)
}

// Restore installs a persisted window, used when reloading state at startup.
// An already-expired window is dropped rather than installed.
func (t *Tracker) Restore(subject, operator, kind, scope string, w Window) {
	span := DailySpan
	m := t.daily
	if scope == "monthly" {
		span = MonthlySpan
		m = t.monthly
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if expired(w.Start, span, t.now()) {
		return
	}
	m[key{subject, operator, kind}] = &Window{
		Amount: new(big.Int).Set(orZero(w.Amount)),
		Count:  w.Count,
		Start:  w.Start,
	}
}

func expired(start time.Time, span time.Duration, now time.Time) bool {
	return !now.Before(start.Add(span))
}

func wouldExceed(w *Window, span time.Duration, now time.Time, amount, limit *big.Int) bool {
	if limit == nil || limit.Sign() == 0 {
		return false
	}
	projected := new(big.Int).Set(orZero(amount))
	if w != nil && !expired(w.Start, span, now) {
		projected.Add(projected, orZero(w.Amount))
	}
	return projected.Cmp(limit) > 0
}

func accumulate(w *Window, span time.Duration, now time.Time, amount *big.Int) *Window {
	if w == nil || expired(w.Start, span, now) {
		w = &Window{Amount: new(big.Int), Start: now}
	}
	w.Amount.Add(w.Amount, amount)
	w.Count++
	return w
}

func liveCopy(w *Window, span time.Duration, now time.Time) Window {
	if w == nil || expired(w.Start, span, now) {
		return Window{Amount: new(big.Int), Start: now}
	}
	return Window{Amount: new(big.Int).Set(orZero(w.Amount)), Count: w.Count, Start: w.Start}
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
