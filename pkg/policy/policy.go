package policy

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Operation kinds understood by the engine. The set is open: callers may
// validate custom kinds, these are the ones the token layer emits.
const (
	KindMint     = "mint"
	KindBurn     = "burn"
	KindTransfer = "transfer"
	KindLock     = "lock"
	KindUnlock   = "unlock"
	KindBlock    = "block"
	KindUnblock  = "unblock"
)

var (
	ErrInvalidKey             = errors.New("subject and kind are required")
	ErrNotFound               = errors.New("policy not found")
	ErrInvalidApprover        = errors.New("approver identity must not be empty")
	ErrUnsatisfiableThreshold = errors.New("approval threshold must be between 1 and the number of approvers")
	ErrNegativeLimit          = errors.New("limits must not be negative")
	ErrNonPositiveCooldown    = errors.New("cooldown must not be negative")
)

// Key identifies the policy for one operation kind on one subject.
type Key struct {
	Subject string
	Kind    string
}

// Policy is the active rule set for a (subject, kind) pair. Nil or zero
// amount fields mean unbounded.
type Policy struct {
	MaxAmount         *big.Int
	DailyLimit        *big.Int
	MonthlyLimit      *big.Int
	Cooldown          time.Duration
	RequiresApproval  bool
	ApprovalThreshold int
	Approvers         []string

	approverSet map[string]struct{}
}

// IsApprover reports whether identity is in the configured approver set.
func (p Policy) IsApprover(identity string) bool {
	_, ok := p.approverSet[identity]
	return ok
}

func (p Policy) clone() Policy {
	out := p
	out.MaxAmount = cloneAmount(p.MaxAmount)
	out.DailyLimit = cloneAmount(p.DailyLimit)
	out.MonthlyLimit = cloneAmount(p.MonthlyLimit)
	out.Approvers = append([]string(nil), p.Approvers...)
	out.approverSet = make(map[string]struct{}, len(p.approverSet))
	for id := range p.approverSet {
		out.approverSet[id] = struct{}{}
	}
	return out
}

func cloneAmount(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// Registry holds the registered policies. Absence of a key means no policy
// is in force and the engine fails open.
type Registry struct {
	mu       sync.RWMutex
	policies map[Key]Policy
}

func NewRegistry() *Registry {
	return &Registry{policies: make(map[Key]Policy)}
}

// Register creates or overwrites the limit configuration for (subject, kind).
// Approval configuration on an existing policy is left untouched.
func (r *Registry) Register(subject, kind string, maxAmount, dailyLimit, monthlyLimit *big.Int, cooldown time.Duration) error {
	key, err := makeKey(subject, kind)
	if err != nil {
		return err
	}
	if isNegative(maxAmount) || isNegative(dailyLimit) || isNegative(monthlyLimit) {
		return ErrNegativeLimit
	}
	if cooldown < 0 {
		return ErrNonPositiveCooldown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.policies[key]
	p.MaxAmount = cloneAmount(maxAmount)
	p.DailyLimit = cloneAmount(dailyLimit)
	p.MonthlyLimit = cloneAmount(monthlyLimit)
	p.Cooldown = cooldown
	if p.approverSet == nil {
		p.approverSet = map[string]struct{}{}
	}
	r.policies[key] = p
	return nil
}

// ConfigureApprovals replaces the whole approver set for an existing policy.
// The clear-then-repopulate contract prevents members of a prior
// configuration from leaking into the new one. When requiresApproval is set
// the threshold must be satisfiable by the new approver set.
func (r *Registry) ConfigureApprovals(subject, kind string, requiresApproval bool, threshold int, approvers []string) error {
	key, err := makeKey(subject, kind)
	if err != nil {
		return err
	}
	ordered := make([]string, 0, len(approvers))
	set := make(map[string]struct{}, len(approvers))
	for _, raw := range approvers {
		id := strings.TrimSpace(raw)
		if id == "" {
			return ErrInvalidApprover
		}
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		ordered = append(ordered, id)
	}
	if requiresApproval && (threshold < 1 || threshold > len(ordered)) {
		return ErrUnsatisfiableThreshold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[key]
	if !ok {
		return ErrNotFound
	}
	p.RequiresApproval = requiresApproval
	p.ApprovalThreshold = threshold
	p.Approvers = ordered
	p.approverSet = set
	r.policies[key] = p
	return nil
}

// Get returns a value snapshot of the policy for (subject, kind). The second
// return is false when no policy has been registered.
func (r *Registry) Get(subject, kind string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[Key{Subject: subject, Kind: kind}]
	if !ok {
		return Policy{}, false
	}
	return p.clone(), true
}

// Keys lists every registered (subject, kind) pair.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Key, 0, len(r.policies))
	for k := range r.policies {
		out = append(out, k)
	}
	return out
}

func makeKey(subject, kind string) (Key, error) {
	subject = strings.TrimSpace(subject)
	kind = strings.TrimSpace(kind)
	if subject == "" || kind == "" {
		return Key{}, ErrInvalidKey
	}
	return Key{Subject: subject, Kind: kind}, nil
}

func isNegative(x *big.Int) bool {
	return x != nil && x.Sign() < 0
}

// Bounded reports whether an amount field expresses a real limit. Nil and
// zero both mean unbounded.
func Bounded(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}
