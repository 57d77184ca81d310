package engine

import (
	"math/big"
	"sync"
	"time"

	"warden/pkg/accesslist"
	"warden/pkg/approval"
	"warden/pkg/policy"
	"warden/pkg/usage"
)

// Decision reason codes. Denials are ordinary outcomes, never errors; the
// reason string is the machine-readable contract with callers.
const (
	ReasonOperatorBlocked       = "operator blocked"
	ReasonSenderBlocked         = "sender blocked"
	ReasonRecipientBlocked      = "recipient blocked"
	ReasonSubjectNotAllowlisted = "subject not allowlisted"
	ReasonAmountExceedsMax      = "amount exceeds maximum"
	ReasonCooldownActive        = "cooldown active"
	ReasonDailyLimitExceeded    = "daily limit exceeded"
	ReasonMonthlyLimitExceeded  = "monthly limit exceeded"
	ReasonRequiresApproval      = "requires approval"
)

// Decision is the outcome of one validation. Pending marks the
// requires-approval state: not allowed yet, but not a hard denial either.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine sequences the allow/deny checks. Calls against the same
// (subject, kind) pair are serialized behind a per-key mutex so two
// concurrent validations cannot both observe a pre-commit window and both
// squeeze under a limit; distinct pairs proceed in parallel.
type Engine struct {
	registry *policy.Registry
	tracker  *usage.Tracker
	lists    *accesslist.Lists
	workflow *approval.Workflow
	now      func() time.Time

	mu    sync.Mutex
	locks map[policy.Key]*sync.Mutex
}

func New(registry *policy.Registry, tracker *usage.Tracker, lists *accesslist.Lists, workflow *approval.Workflow, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		tracker:  tracker,
		lists:    lists,
		workflow: workflow,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[policy.Key]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *policy.Registry   { return e.registry }
func (e *Engine) Tracker() *usage.Tracker      { return e.tracker }
func (e *Engine) Lists() *accesslist.Lists     { return e.lists }
func (e *Engine) Workflow() *approval.Workflow { return e.workflow }

// Validate decides whether operator may perform kind on subject for amount.
// A (subject, kind) pair with no registered policy is allowed.
func (e *Engine) Validate(subject, operator, kind string, amount *big.Int) Decision {
	return e.validate(subject, operator, kind, amount, "", "")
}

// ValidateTransfer checks both transfer parties against the blocklist
// independently, then runs the ordinary sequence for the sender.
func (e *Engine) ValidateTransfer(subject, from, to string, amount *big.Int) Decision {
	if e.lists.IsBlocked(from) {
		return Decision{Allowed: false, Reason: ReasonSenderBlocked}
	}
	if e.lists.IsBlocked(to) {
		return Decision{Allowed: false, Reason: ReasonRecipientBlocked}
	}
	return e.validate(subject, from, policy.KindTransfer, amount, from, to)
}

func (e *Engine) validate(subject, operator, kind string, amount *big.Int, from, to string) Decision {
	if amount == nil {
		amount = new(big.Int)
	}
	if e.lists.IsBlocked(operator) {
		return Decision{Allowed: false, Reason: ReasonOperatorBlocked}
	}
	if e.lists.SubjectGateActive() && !e.lists.IsAllowed(subject) {
		return Decision{Allowed: false, Reason: ReasonSubjectNotAllowlisted}
	}
	if e.lists.IsAllowed(operator) {
		return Decision{Allowed: true}
	}

	lock := e.keyLock(policy.Key{Subject: subject, Kind: kind})
	lock.Lock()
	defer lock.Unlock()

	pol, ok := e.registry.Get(subject, kind)
	if !ok {
		return Decision{Allowed: true}
	}
	if policy.Bounded(pol.MaxAmount) && amount.Cmp(pol.MaxAmount) > 0 {
		return Decision{Allowed: false, Reason: ReasonAmountExceedsMax}
	}
	if pol.Cooldown > 0 {
		if last, seen := e.tracker.LastOperation(subject, operator); seen && e.now().Before(last.Add(pol.Cooldown)) {
			return Decision{Allowed: false, Reason: ReasonCooldownActive}
		}
	}
	if e.tracker.DailyWouldExceed(subject, operator, kind, amount, pol.DailyLimit) {
		return Decision{Allowed: false, Reason: ReasonDailyLimitExceeded}
	}
	if e.tracker.MonthlyWouldExceed(subject, operator, kind, amount, pol.MonthlyLimit) {
		return Decision{Allowed: false, Reason: ReasonMonthlyLimitExceeded}
	}
	if pol.RequiresApproval {
		req := e.workflow.Open(subject, operator, kind, amount, from, to)
		return Decision{Allowed: false, Reason: ReasonRequiresApproval, Pending: true, RequestID: req.ID}
	}
	e.tracker.Commit(subject, operator, kind, amount)
	return Decision{Allowed: true}
}

func (e *Engine) keyLock(k policy.Key) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[k]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[k] = lock
	}
	return lock
}
