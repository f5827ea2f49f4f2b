package shared

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}
type planIDKey struct{}
type actorKey struct{}

// WithCorrelationID attaches a correlation_id to the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID extracts correlation_id from context. Returns "" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}

// NewCorrelationID generates a new correlation_id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithPlanID attaches a plan_id to the context.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planIDKey{}, planID)
}

// PlanID extracts plan_id from context. Returns "" if absent.
func PlanID(ctx context.Context) string {
	if v, ok := ctx.Value(planIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActor attaches the acting component name to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the acting component from context. Returns "system" if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// NewID returns a fresh opaque identifier with the given prefix.
func NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + uuid.NewString()
}
