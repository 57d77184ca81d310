package accesslist

import (
	"sort"
	"sync"
)

// Any is the sentinel allowlist entry. Whitelisting it switches the
// subject-level allowlist on: from then on subjects absent from the
// allowlist are denied.
const Any = "any"

// Lists holds the two independent identity sets. The blocklist is checked
// first and cannot be overridden by an allowlist entry.
type Lists struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	allowed map[string]struct{}
}

func New() *Lists {
	return &Lists{
		blocked: make(map[string]struct{}),
		allowed: make(map[string]struct{}),
	}
}

func (l *Lists) Block(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[identity] = struct{}{}
}

func (l *Lists) Unblock(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, identity)
}

func (l *Lists) Allow(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowed[identity] = struct{}{}
}

func (l *Lists) Disallow(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.allowed, identity)
}

func (l *Lists) IsBlocked(identity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.blocked[identity]
	return ok
}

func (l *Lists) IsAllowed(identity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.allowed[identity]
	return ok
}

// SubjectGateActive reports whether the subject-level allowlist has been
// activated via the Any sentinel.
func (l *Lists) SubjectGateActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.allowed[Any]
	return ok
}

func (l *Lists) Blocked() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sorted(l.blocked)
}

func (l *Lists) Allowed() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sorted(l.allowed)
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
