// Package sitecontext carries the active site and actor through a request.
package sitecontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type siteKey struct{}

type actorKey struct{}

// Actor identifies who triggered a mutation, for the audit trail.
type Actor struct {
	Type string
	ID   string
}

const (
	ActorSystem   = "system"
	ActorCustomer = "customer"
	ActorStaff    = "staff"
	ActorGateway  = "gateway"
)

// WithSiteID stores the site ID in the context.
func WithSiteID(ctx context.Context, siteID snowflake.ID) context.Context {
	return context.WithValue(ctx, siteKey{}, siteID)
}

// SiteIDFromContext returns the site ID from context, if set.
func SiteIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	switch typed := ctx.Value(siteKey{}).(type) {
	case snowflake.ID:
		return typed, typed != 0
	case int64:
		return snowflake.ID(typed), typed != 0
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil && parsed != 0 {
			return parsed, true
		}
	}
	return 0, false
}

// WithActor stores the acting party in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting party, defaulting to the system actor.
func ActorFromContext(ctx context.Context) Actor {
	if ctx != nil {
		if actor, ok := ctx.Value(actorKey{}).(Actor); ok && strings.TrimSpace(actor.Type) != "" {
			return actor
		}
	}
	return Actor{Type: ActorSystem}
}
