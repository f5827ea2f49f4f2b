package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/vx11/internal/bus"
	"github.com/basket/vx11/internal/persistence"
)

// Waiter tracks daughter and plan completion via bus events with a polling
// fallback. The bus may be nil, in which case it only polls.
type Waiter struct {
	eventBus *bus.Bus
	store    *persistence.Store
}

func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForDaughter blocks until daughterID is terminal or ctx ends.
func (w *Waiter) WaitForDaughter(ctx context.Context, daughterID string) (*persistence.Daughter, error) {
	var out *persistence.Daughter
	err := w.wait(ctx, bus.TopicDaughterTerminal, func(ev bus.Event) bool {
		e, ok := ev.Payload.(bus.DaughterTerminalEvent)
		return ok && e.DaughterID == daughterID
	}, func(ctx context.Context) (bool, error) {
		d, err := w.store.GetDaughter(ctx, daughterID)
		if err != nil {
			return false, fmt.Errorf("get daughter %s: %w", daughterID, err)
		}
		if !d.State.Terminal() {
			return false, nil
		}
		out = d
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForPlan blocks until planID is terminal or ctx ends.
func (w *Waiter) WaitForPlan(ctx context.Context, planID string) (*persistence.Plan, error) {
	var out *persistence.Plan
	err := w.wait(ctx, bus.TopicPlanStateChanged, func(ev bus.Event) bool {
		e, ok := ev.Payload.(bus.PlanStateChangedEvent)
		return ok && e.PlanID == planID
	}, func(ctx context.Context) (bool, error) {
		p, err := w.store.GetPlan(ctx, planID)
		if err != nil {
			return false, fmt.Errorf("get plan %s: %w", planID, err)
		}
		if !p.State.Terminal() {
			return false, nil
		}
		out = p
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Waiter) wait(ctx context.Context, topic string, relevant func(bus.Event) bool, check func(context.Context) (bool, error)) error {
	// Subscribe before the first check so a transition between the two is
	// not missed.
	var sub *bus.Subscription
	if w.eventBus != nil {
		sub = w.eventBus.Subscribe(topic)
		defer w.eventBus.Unsubscribe(sub)
	}
	if done, err := check(ctx); err != nil || done {
		return err
	}

	interval := time.Second
	if sub == nil {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan bus.Event
	if sub != nil {
		events = sub.Ch()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if done, err := check(ctx); err != nil || done {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !relevant(ev) {
				continue
			}
			if done, err := check(ctx); err != nil || done {
				return err
			}
		}
	}
}
