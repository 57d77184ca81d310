package authz

import (
	"context"
	"strings"
)

// Administrative roles. Policy and approval configuration is separated from
// list management so the two duties can be held by different operators.
const (
	RolePolicyAdmin = "policyadmin"
	RoleListAdmin   = "listadmin"
	RoleOperator    = "operator"
)

// Actor is the authenticated caller. Every mutating call receives it
// explicitly; there is no ambient permission state.
type Actor struct {
	Subject string
	Roles   []string
}

type contextKey string

const actorContextKey contextKey = "warden.actor"

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorContextKey).(Actor)
	return a, ok
}

// HasAnyRole reports whether the actor holds at least one of the required
// roles. Comparison is case-insensitive. No required roles means allow.
func HasAnyRole(a Actor, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(a.Roles))
	for _, r := range a.Roles {
		held[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, want := range required {
		if _, ok := held[strings.ToLower(strings.TrimSpace(want))]; ok {
			return true
		}
	}
	return false
}
