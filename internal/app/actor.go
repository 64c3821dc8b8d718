package app

import (
	"context"

	"caseflow/internal/domain"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	TenantID    string
	Ref         string
	Type        string
	Permissions []string
}

// Human reports whether the actor is a person.
func (a Actor) Human() bool { return a.Type == domain.ActorHuman }

type actorKey struct{}

// WithActor returns a context carrying the caller identity and tenant.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller stored by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	if !ok || a.TenantID == "" || a.Ref == "" {
		return Actor{}, false
	}
	return a, true
}
