package approval

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/pkg/policy"
	"warden/pkg/usage"
)

var (
	ErrNotFound          = errors.New("approval request not found")
	ErrAlreadyExecuted   = errors.New("approval request already executed")
	ErrNotApprover       = errors.New("caller is not an approver for this policy")
	ErrDuplicateApproval = errors.New("approver has already voted")
)

// Request is a pending or executed approval. Approvals always equals the
// number of distinct voters; once Executed is set the request never changes
// again.
type Request struct {
	ID        string
	Initiator string
	Subject   string
	Kind      string
	Amount    *big.Int
	From      string
	To        string
	Approvals int
	Executed  bool
	Voters    []string
	CreatedAt time.Time
}

func (r Request) clone() Request {
	out := r
	out.Amount = new(big.Int).Set(orZero(r.Amount))
	out.Voters = append([]string(nil), r.Voters...)
	return out
}

type record struct {
	Request
	voted map[string]struct{}
}

type Option func(*Workflow)

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// Workflow owns the approval requests. Casting the vote that reaches the
// policy threshold executes the request and commits usage in the same
// critical section; that commit is the only path by which an
// approval-gated operation is recorded as having happened.
//
// Requests have no expiry: one that never reaches threshold stays pending
// forever, matching the engine this replaces.
type Workflow struct {
	mu       sync.Mutex
	registry *policy.Registry
	tracker  *usage.Tracker
	requests map[string]*record
	now      func() time.Time
}

func NewWorkflow(registry *policy.Registry, tracker *usage.Tracker, opts ...Option) *Workflow {
	w := &Workflow{
		registry: registry,
		tracker:  tracker,
		requests: make(map[string]*record),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open creates a pending request and returns its snapshot. IDs are random
// UUIDs rather than the field-hash scheme the on-chain engine used; the
// hash scheme was only collision-resistant by accident of timestamp
// resolution.
func (w *Workflow) Open(subject, operator, kind string, amount *big.Int, from, to string) Request {
	rec := &record{
		Request: Request{
			ID:        uuid.New().String(),
			Initiator: operator,
			Subject:   subject,
			Kind:      kind,
			Amount:    new(big.Int).Set(orZero(amount)),
			From:      from,
			To:        to,
			CreatedAt: w.now(),
		},
		voted: make(map[string]struct{}),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests[rec.ID] = rec
	return rec.Request.clone()
}

// Cast records one approver vote. Vote ordering of the error checks is part
// of the contract: executed beats standing beats duplication.
func (w *Workflow) Cast(id, approver string) (Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if rec.Executed {
		return Request{}, ErrAlreadyExecuted
	}
	pol, ok := w.registry.Get(rec.Subject, rec.Kind)
	if !ok || !pol.IsApprover(approver) {
		return Request{}, ErrNotApprover
	}
	if _, dup := rec.voted[approver]; dup {
		return Request{}, ErrDuplicateApproval
	}
	rec.voted[approver] = struct{}{}
	rec.Voters = append(rec.Voters, approver)
	rec.Approvals++
	if rec.Approvals >= pol.ApprovalThreshold {
		rec.Executed = true
		w.tracker.Commit(rec.Subject, rec.Initiator, rec.Kind, rec.Amount)
	}
	return rec.Request.clone(), nil
}

// Get returns a snapshot of the request.
func (w *Workflow) Get(id string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.requests[id]
	if !ok {
		return Request{}, false
	}
	return rec.Request.clone(), true
}

// Pending lists every request that has not executed, oldest first.
func (w *Workflow) Pending() []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Request, 0)
	for _, rec := range w.requests {
		if !rec.Executed {
			out = append(out, rec.Request.clone())
		}
	}
	sortByCreation(out)
	return out
}

// Restore reinstalls a persisted request, used when reloading state at
// startup. Executed requests are restored too so late votes still fail
// with ErrAlreadyExecuted rather than ErrNotFound.
func (w *Workflow) Restore(req Request) {
	rec := &record{Request: req.clone(), voted: make(map[string]struct{}, len(req.Voters))}
	for _, v := range req.Voters {
		rec.voted[v] = struct{}{}
	}
	rec.Approvals = len(rec.voted)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests[req.ID] = rec
}

func sortByCreation(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
