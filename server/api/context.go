package api

import (
	"context"

	"github.com/GoCodeAlone/tally/workflow"
)

type contextKey int

const ctxKeyActor contextKey = 0

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, actor workflow.Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor)
}

// ActorFrom returns the authenticated actor, or the zero Actor.
func ActorFrom(ctx context.Context) workflow.Actor {
	a, _ := ctx.Value(ctxKeyActor).(workflow.Actor)
	return a
}
