package shared

import (
	"context"
	"testing"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := CorrelationID(ctx); got != "" {
		t.Fatalf("expected empty correlation id, got %q", got)
	}
	ctx = WithCorrelationID(ctx, "cid-123")
	if got := CorrelationID(ctx); got != "cid-123" {
		t.Fatalf("CorrelationID = %q, want cid-123", got)
	}
}

func TestNewCorrelationIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewCorrelationID()
		if seen[id] {
			t.Fatalf("duplicate correlation id %q", id)
		}
		seen[id] = true
	}
}

func TestPlanIDAndActor(t *testing.T) {
	ctx := context.Background()
	if Actor(ctx) != "system" {
		t.Fatalf("default actor = %q, want system", Actor(ctx))
	}
	ctx = WithActor(WithPlanID(ctx, "plan_1"), "orchestrator")
	if PlanID(ctx) != "plan_1" {
		t.Fatalf("PlanID = %q", PlanID(ctx))
	}
	if Actor(ctx) != "orchestrator" {
		t.Fatalf("Actor = %q", Actor(ctx))
	}
}

func TestNewIDPrefix(t *testing.T) {
	id := NewID("win")
	if len(id) < 5 || id[:4] != "win_" {
		t.Fatalf("NewID(win) = %q", id)
	}
}
