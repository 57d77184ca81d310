package accesslist

import (
	"reflect"
	"testing"
)

func TestBlockUnblock(t *testing.T) {
	l := New()
	if l.IsBlocked("mallory") {
		t.Fatalf("fresh list should not block anyone")
	}
	l.Block("mallory")
	if !l.IsBlocked("mallory") {
		t.Fatalf("mallory should be blocked")
	}
	l.Unblock("mallory")
	if l.IsBlocked("mallory") {
		t.Fatalf("unblock should clear the entry")
	}
}

func TestAllowDisallow(t *testing.T) {
	l := New()
	l.Allow("alice")
	if !l.IsAllowed("alice") {
		t.Fatalf("alice should be allowed")
	}
	l.Disallow("alice")
	if l.IsAllowed("alice") {
		t.Fatalf("disallow should clear the entry")
	}
}

func TestListsAreIndependent(t *testing.T) {
	l := New()
	l.Block("carol")
	l.Allow("carol")
	if !l.IsBlocked("carol") || !l.IsAllowed("carol") {
		t.Fatalf("membership in one list must not affect the other")
	}
	l.Unblock("carol")
	if !l.IsAllowed("carol") {
		t.Fatalf("unblock must not touch the allowlist")
	}
}

func TestSubjectGateActivation(t *testing.T) {
	l := New()
	if l.SubjectGateActive() {
		t.Fatalf("gate should be off until the sentinel is allowed")
	}
	l.Allow("gold-token")
	if l.SubjectGateActive() {
		t.Fatalf("allowing a plain subject must not activate the gate")
	}
	l.Allow(Any)
	if !l.SubjectGateActive() {
		t.Fatalf("allowing the sentinel should activate the gate")
	}
	l.Disallow(Any)
	if l.SubjectGateActive() {
		t.Fatalf("removing the sentinel should deactivate the gate")
	}
}

func TestSnapshotOrdering(t *testing.T) {
	l := New()
	l.Block("zed")
	l.Block("abe")
	l.Allow("mid")
	l.Allow("abe")
	if got, want := l.Blocked(), []string{"abe", "zed"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("blocked snapshot = %v, want %v", got, want)
	}
	if got, want := l.Allowed(), []string{"abe", "mid"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("allowed snapshot = %v, want %v", got, want)
	}
}
