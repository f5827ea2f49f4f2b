package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
)

// ClampWindowTTL bounds a requested window TTL to [WindowMinTTL, WindowMaxTTL].
func (o *Orchestrator) ClampWindowTTL(ttl time.Duration) time.Duration {
	return min(max(ttl, o.cfg.WindowMinTTL), o.cfg.WindowMaxTTL)
}

func (o *Orchestrator) acquireWindow(ctx context.Context, p *persistence.Plan, target string, ttl time.Duration) (*persistence.Window, bool, error) {
	w, created, err := o.store.OpenOrJoinWindow(ctx, persistence.WindowOpenRequest{
		Target:        target,
		PlanID:        p.PlanID,
		CorrelationID: p.CorrelationID,
		TTL:           o.ClampWindowTTL(ttl),
		Now:           o.clock.Now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("open window on %s: %w", target, err)
	}
	if created {
		o.metrics.WindowsOpen.Add(ctx, 1)
		o.logger.Info("window opened", "window_id", w.WindowID, "target", target, "plan_id", p.PlanID,
			"correlation_id", p.CorrelationID, "closes_at", w.ClosesAt)
	}
	return w, created, nil
}

// holdWindowUntil keeps the plan's window on target open until at least
// until. A daughter may be awaited past WindowMaxTTL, so the window follows
// the wait rather than the clamp.
func (o *Orchestrator) holdWindowUntil(ctx context.Context, p *persistence.Plan, target string, until time.Time) error {
	held, err := o.store.ListWindowsHeldBy(ctx, p.PlanID)
	if err != nil {
		return err
	}
	for _, w := range held {
		if w.Target != target || !w.ClosesAt.Before(until) {
			continue
		}
		extended, err := o.store.ExtendWindow(ctx, w.WindowID, until, p.CorrelationID)
		if err != nil {
			return fmt.Errorf("extend window on %s: %w", target, err)
		}
		if extended {
			o.logger.Info("window extended", "window_id", w.WindowID, "target", target, "plan_id", p.PlanID,
				"closes_at", until)
		}
	}
	return nil
}

// OpenWindow opens, or joins, the window on target for a live plan.
// Repeating the call for the same plan and target returns the same window.
func (o *Orchestrator) OpenWindow(ctx context.Context, planID, target string, ttl time.Duration) (*persistence.Window, bool, error) {
	if !slices.Contains(policy.KnownTargets, target) {
		return nil, false, apierr.New(apierr.CodeBadRequest, "unknown target %q", target)
	}
	if planID == "" {
		return nil, false, apierr.New(apierr.CodeBadRequest, "plan_id is required")
	}
	p, err := o.Get(ctx, planID)
	if err != nil {
		return nil, false, err
	}
	if p.State.Terminal() {
		return nil, false, apierr.New(apierr.CodeConflict, "plan %s is %s", planID, p.State)
	}
	return o.acquireWindow(ctx, p, target, ttl)
}

// CloseWindow closes a window for every holder. Closing a window that
// already ended is a no-op reported by closed=false.
func (o *Orchestrator) CloseWindow(ctx context.Context, windowID string) (*persistence.Window, bool, error) {
	w, err := o.store.GetWindow(ctx, windowID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, false, apierr.New(apierr.CodeNotFound, "window %q not found", windowID)
	}
	if err != nil {
		return nil, false, err
	}
	if shared.CorrelationID(ctx) == "" {
		ctx = shared.WithCorrelationID(ctx, w.CorrelationID)
	}
	closed, err := o.store.CloseWindow(ctx, windowID, o.clock.Now(), "closed_by_request")
	if err != nil {
		return nil, false, err
	}
	if closed {
		o.metrics.WindowsOpen.Add(ctx, -1)
		o.logger.Info("window closed", "window_id", windowID, "target", w.Target)
	}
	w, err = o.store.GetWindow(ctx, windowID)
	return w, closed, err
}

func (o *Orchestrator) releaseWindows(ctx context.Context, p *persistence.Plan) {
	held, err := o.store.ListWindowsHeldBy(ctx, p.PlanID)
	if err != nil {
		o.logger.Warn("list plan windows failed", "plan_id", p.PlanID, "error", err)
		return
	}
	for _, w := range held {
		closed, err := o.store.ReleaseWindow(ctx, w.WindowID, p.PlanID, p.CorrelationID, o.clock.Now())
		if err != nil {
			o.logger.Warn("release window failed", "window_id", w.WindowID, "plan_id", p.PlanID, "error", err)
			continue
		}
		if closed {
			o.metrics.WindowsOpen.Add(ctx, -1)
			o.logger.Info("window closed", "window_id", w.WindowID, "target", w.Target, "plan_id", p.PlanID,
				"correlation_id", p.CorrelationID)
		}
	}
}

// ActiveWindows returns the windows the policy engine should consider. It
// includes OPEN rows whose closes_at has passed but that the expiry sweep
// has not reached, so a rejection can report the lapse.
func (o *Orchestrator) ActiveWindows(ctx context.Context) ([]policy.Window, error) {
	ws, err := o.store.ListOpenWindows(ctx)
	if err != nil {
		return nil, err
	}
	return PolicyWindows(ws), nil
}

// PolicyWindows converts stored windows to the policy engine's view.
func PolicyWindows(ws []persistence.Window) []policy.Window {
	out := make([]policy.Window, 0, len(ws))
	for _, w := range ws {
		out = append(out, policy.Window{
			WindowID: w.WindowID,
			Target:   w.Target,
			Open:     w.State == persistence.WindowOpen,
			ClosesAt: w.ClosesAt,
		})
	}
	return out
}
