package model

import (
	"context"
	"errors"
)

// RequestContext names the actor driving an engine operation. Once attached
// to a context it is never mutated; WithActor derives a new value instead.
type RequestContext struct {
	ActorID string
	TeamID  string
	// CorrelationID joins the log lines of one logical run, such as a seed
	// pass or a directory refresh.
	CorrelationID string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.ActorID == "" {
		return errors.New("ActorID is required")
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// WithActor returns ctx acting as actorID. The correlation ID of an enclosing
// RequestContext is kept, as is its team unless teamID is set. An empty
// actorID leaves ctx unchanged.
func WithActor(ctx context.Context, actorID, teamID string) context.Context {
	if actorID == "" {
		return ctx
	}
	next := RequestContext{ActorID: actorID, TeamID: teamID}
	if cur := RequestContextFrom(ctx); cur != nil {
		if cur.ActorID == actorID && (teamID == "" || cur.TeamID == teamID) {
			return ctx
		}
		next.CorrelationID = cur.CorrelationID
		if next.TeamID == "" {
			next.TeamID = cur.TeamID
		}
	}
	return WithRequestContext(ctx, &next)
}
