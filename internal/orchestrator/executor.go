package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/vx11/internal/apierr"
	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/router"
	"github.com/basket/vx11/internal/spawner"
)

// errPlanEnded stops the executor when another writer (cancel, recovery)
// already moved the plan.
var errPlanEnded = errors.New("plan no longer owned by executor")

// execute runs planID's steps in order. Steps never overlap; the first
// fatal step fails the plan and every later step is skipped.
func (o *Orchestrator) execute(ctx context.Context, planID string) {
	p, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		o.logger.Error("load plan failed", "plan_id", planID, "error", err)
		return
	}
	ctx, span := vxotel.StartSpan(ctx, o.tracer, "orchestrator.plan",
		vxotel.AttrPlanID.String(p.PlanID),
		vxotel.AttrCorrelationID.String(p.CorrelationID),
		vxotel.AttrIntentType.String(p.IntentType))
	defer span.End()

	ok, err := o.transition(ctx, p, persistence.PlanQueued, persistence.PlanRunning, persistence.PlanPatch{})
	if err != nil {
		o.logger.Error("plan pickup failed", "plan_id", planID, "error", err)
		return
	}
	if !ok {
		return
	}

	steps := make([]persistence.PlanStep, len(p.Steps))
	copy(steps, p.Steps)
	var result json.RawMessage
	for i := range steps {
		if ctx.Err() != nil {
			return
		}
		out, err := o.runStep(ctx, p, &steps[i])
		if ctx.Err() != nil || errors.Is(err, errPlanEnded) {
			return
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.failPlan(ctx, p, steps, i, err)
			return
		}
		result = out
	}

	ok, err = o.transition(ctx, p, persistence.PlanRunning, persistence.PlanDone, persistence.PlanPatch{
		Steps:  steps,
		Result: result,
	})
	if err != nil {
		o.logger.Error("plan completion failed", "plan_id", planID, "error", err)
		return
	}
	if ok {
		o.metrics.PlanDuration.Record(ctx, o.clock.Now().Sub(p.CreatedAt).Seconds(),
			metric.WithAttributes(attribute.String("state", string(persistence.PlanDone))))
		o.logger.InfoContext(ctx, "plan done", "steps", len(steps))
	}
	o.releaseWindows(ctx, p)
}

func (o *Orchestrator) failPlan(ctx context.Context, p *persistence.Plan, steps []persistence.PlanStep, idx int, cause error) {
	ae := apierr.From(cause)
	now := o.clock.Now()
	steps[idx].State = persistence.StepError
	steps[idx].ErrorCode = string(ae.Code)
	steps[idx].Error = ae.Error()
	steps[idx].FinishedAt = &now
	steps = skipFrom(steps, idx+1, now)

	ok, err := o.transition(ctx, p, persistence.PlanRunning, persistence.PlanError, persistence.PlanPatch{
		Steps:         steps,
		LastError:     ae.Error(),
		LastErrorCode: string(ae.Code),
		Details:       map[string]any{"step": idx},
	})
	if err != nil {
		o.logger.Error("plan failure transition failed", "plan_id", p.PlanID, "error", err)
	}
	if ok {
		o.metrics.PlanDuration.Record(ctx, now.Sub(p.CreatedAt).Seconds(),
			metric.WithAttributes(attribute.String("state", string(persistence.PlanError))))
		o.logger.WarnContext(ctx, "plan failed",
			"step", idx, "error_code", ae.Code, "error", ae.Error())
	}
	o.releaseWindows(ctx, p)
}

// skipFrom marks every unfinished step from idx on as SKIPPED.
func skipFrom(steps []persistence.PlanStep, idx int, now time.Time) []persistence.PlanStep {
	out := make([]persistence.PlanStep, len(steps))
	copy(out, steps)
	for i := idx; i < len(out); i++ {
		if out[i].State == persistence.StepPending || out[i].State == persistence.StepRunning {
			out[i].State = persistence.StepSkipped
			out[i].FinishedAt = &now
		}
	}
	return out
}

func (o *Orchestrator) transition(ctx context.Context, p *persistence.Plan, from, to persistence.PlanState, patch persistence.PlanPatch) (bool, error) {
	unlock := o.locks.Lock(p.PlanID)
	defer unlock()
	ok, err := o.store.TransitionPlan(ctx, p.PlanID, from, to, o.clock.Now(), patch)
	if ok {
		p.State = to
	}
	return ok, err
}

func (o *Orchestrator) saveStep(ctx context.Context, planID string, step persistence.PlanStep) error {
	ok, err := o.store.UpdatePlanStep(ctx, planID, step, o.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return errPlanEnded
	}
	return nil
}

// stepTarget is the target a step needs a window on.
func stepTarget(step persistence.PlanStep) string {
	if step.Kind == persistence.StepKindDaughter {
		return ExecutorSpawner
	}
	return ExecutorRouter
}

func (o *Orchestrator) stepWindowTTL(step persistence.PlanStep) time.Duration {
	ttl := o.cfg.WindowTTL
	if step.Kind == persistence.StepKindDaughter && step.TTLSeconds > 0 {
		ttl = max(ttl, time.Duration(step.TTLSeconds)*time.Second+o.cfg.DaughterGrace)
	}
	return ttl
}

// runStep opens the step's window and runs attempts until one succeeds, the
// error is not transient or the attempts are used up.
func (o *Orchestrator) runStep(ctx context.Context, p *persistence.Plan, step *persistence.PlanStep) (json.RawMessage, error) {
	ctx, span := vxotel.StartSpan(ctx, o.tracer, "orchestrator.step",
		vxotel.AttrPlanID.String(p.PlanID),
		vxotel.AttrStepIndex.Int(step.Index),
		vxotel.AttrTarget.String(stepTarget(*step)))
	defer span.End()

	w, _, err := o.acquireWindow(ctx, p, stepTarget(*step), o.stepWindowTTL(*step))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(vxotel.AttrWindowID.String(w.WindowID))

	now := o.clock.Now()
	step.State = persistence.StepRunning
	step.StartedAt = &now
	for attempt := 1; ; attempt++ {
		step.Attempts = attempt
		if err := o.saveStep(ctx, p.PlanID, *step); err != nil {
			return nil, err
		}
		var out json.RawMessage
		switch step.Kind {
		case persistence.StepKindDaughter:
			out, err = o.runDaughter(ctx, p, step)
		default:
			out, err = o.runProvider(ctx, p, step)
		}
		if err == nil {
			done := o.clock.Now()
			step.State = persistence.StepDone
			step.Result = out
			step.ErrorCode, step.Error = "", ""
			step.FinishedAt = &done
			if err := o.saveStep(ctx, p.PlanID, *step); err != nil {
				return nil, err
			}
			return out, nil
		}
		if ctx.Err() != nil || errors.Is(err, errPlanEnded) {
			return nil, err
		}
		if !o.cfg.Retry.ShouldRetry(err, attempt) {
			return nil, err
		}

		ae := apierr.From(err)
		delay := o.cfg.Retry.Delay(attempt)
		if ae.HasRetryAfter && ae.RetryAfter > delay {
			delay = min(ae.RetryAfter, o.cfg.Retry.Cap)
		}
		step.ErrorCode = string(ae.Code)
		step.Error = ae.Error()
		o.metrics.StepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(ae.Code))))
		o.logger.InfoContext(ctx, "plan step retry",
			"step", step.Index, "attempt", attempt, "delay", delay.String(), "error_code", ae.Code)
		o.bus.Publish(TopicStepRetry, StepRetryEvent{
			PlanID:        p.PlanID,
			CorrelationID: p.CorrelationID,
			StepIndex:     step.Index,
			Attempt:       attempt,
			Delay:         delay,
			ErrorCode:     string(ae.Code),
		})
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (o *Orchestrator) runProvider(ctx context.Context, p *persistence.Plan, step *persistence.PlanStep) (json.RawMessage, error) {
	if o.router == nil {
		return nil, apierr.New(apierr.CodeInternal, "no router configured")
	}
	ok, err := o.transition(ctx, p, persistence.PlanRunning, persistence.PlanWaitingProvider, persistence.PlanPatch{
		Details: map[string]any{"step": step.Index, "capability": step.Capability},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errPlanEnded
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	res, callErr := o.router.Execute(callCtx, router.Request{
		IntentType:    p.IntentType,
		Capability:    step.Capability,
		Payload:       step.Payload,
		CorrelationID: p.CorrelationID,
	})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ok, err = o.transition(ctx, p, persistence.PlanWaitingProvider, persistence.PlanRunning, persistence.PlanPatch{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errPlanEnded
	}
	if callErr != nil {
		if timedOut && !apierr.IsCode(callErr, apierr.CodeUpstreamTimeout) {
			return nil, apierr.Wrap(apierr.CodeUpstreamTimeout, callErr, "provider step timed out")
		}
		return nil, callErr
	}
	step.ProviderID = res.ProviderID
	if res.Response == nil {
		return nil, nil
	}
	return res.Response.Result, nil
}

func (o *Orchestrator) runDaughter(ctx context.Context, p *persistence.Plan, step *persistence.PlanStep) (json.RawMessage, error) {
	if o.spawner == nil {
		return nil, apierr.New(apierr.CodeInternal, "no spawner configured")
	}
	d, err := o.spawner.Create(ctx, spawner.CreateRequest{
		TaskType:      step.TaskType,
		Payload:       step.Payload,
		TTLSeconds:    step.TTLSeconds,
		PlanID:        p.PlanID,
		StepIndex:     step.Index,
		CorrelationID: p.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	step.DaughterID = d.DaughterID
	if err := o.saveStep(ctx, p.PlanID, *step); err != nil {
		return nil, err
	}
	if d.State == persistence.DaughterFailed {
		return nil, apierr.New(apierr.CodeUpstreamUnreachable, "daughter %s failed to launch: %s", d.DaughterID, d.Error)
	}

	ok, err := o.transition(ctx, p, persistence.PlanRunning, persistence.PlanWaitingDaughter, persistence.PlanPatch{
		Details: map[string]any{"step": step.Index, "daughter_id": d.DaughterID},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errPlanEnded
	}

	if err := o.holdWindowUntil(ctx, p, ExecutorSpawner, o.clock.Now().Add(d.TTL+o.cfg.DaughterGrace)); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.TTL+o.cfg.DaughterGrace)
	final, waitErr := o.waiter.WaitForDaughter(waitCtx, d.DaughterID)
	cancel()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		o.logger.Warn("daughter wait expired", "plan_id", p.PlanID, "daughter_id", d.DaughterID, "error", waitErr)
		if _, err := o.spawner.Terminate(ctx, d.DaughterID, spawner.ReasonTTLExpired); err != nil {
			o.logger.Warn("terminate daughter failed", "daughter_id", d.DaughterID, "error", err)
		}
	}

	ok, err = o.transition(ctx, p, persistence.PlanWaitingDaughter, persistence.PlanRunning, persistence.PlanPatch{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errPlanEnded
	}
	if final == nil {
		return nil, apierr.New(apierr.CodeDaughterTimeout, "daughter %s did not finish within %s", d.DaughterID, d.TTL)
	}
	switch final.State {
	case persistence.DaughterCompleted:
		return final.Result, nil
	case persistence.DaughterTimedOut:
		return nil, apierr.New(apierr.CodeDaughterTimeout, "daughter %s timed out", d.DaughterID)
	default:
		return nil, apierr.New(apierr.CodeInternal, "daughter %s failed: %s", d.DaughterID, final.Error)
	}
}
