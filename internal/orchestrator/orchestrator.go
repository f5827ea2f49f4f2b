// Package orchestrator owns plans and execution windows. It turns an
// accepted intent into a sequential plan, opens a window on every target a
// step needs, drives the steps through the router or the spawner and closes
// the windows when the plan ends.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/bus"
	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/router"
	"github.com/basket/vx11/internal/shared"
	"github.com/basket/vx11/internal/spawner"
)

// Executors a plan can be routed to.
const (
	ExecutorRouter       = policy.TargetRouter
	ExecutorSpawner      = policy.TargetSpawner
	ExecutorOrchestrator = policy.TargetOrchestrator
)

// ReasonRecovered marks plans failed by startup recovery.
const ReasonRecovered = "recovered_after_restart"

// ProviderExecutor runs one provider call. *router.Router and
// *router.Client both satisfy it.
type ProviderExecutor interface {
	Execute(ctx context.Context, req router.Request) (*router.Result, error)
}

// DaughterSpawner is the part of the spawner a plan needs.
type DaughterSpawner interface {
	Create(ctx context.Context, req spawner.CreateRequest) (*persistence.Daughter, error)
	Terminate(ctx context.Context, id, reason string) (bool, error)
	TerminateForPlan(ctx context.Context, planID string) (int, error)
}

// Config bounds windows, retries and step timeouts.
type Config struct {
	WindowMinTTL time.Duration
	WindowMaxTTL time.Duration
	// WindowTTL is requested for provider steps. Daughter steps ask for at
	// least the daughter's TTL.
	WindowTTL   time.Duration
	StepTimeout time.Duration
	Retry       Backoff
	// DaughterGrace is how long past its TTL a daughter is awaited before the
	// orchestrator gives up on it.
	DaughterGrace time.Duration
	// ExpireInterval is the period of the window expiry sweep in Run.
	ExpireInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowMinTTL <= 0 {
		c.WindowMinTTL = 5 * time.Second
	}
	if c.WindowMaxTTL <= 0 {
		c.WindowMaxTTL = time.Hour
	}
	if c.WindowMaxTTL < c.WindowMinTTL {
		c.WindowMaxTTL = c.WindowMinTTL
	}
	if c.WindowTTL <= 0 {
		c.WindowTTL = 2 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	if c.DaughterGrace <= 0 {
		c.DaughterGrace = 30 * time.Second
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = time.Second
	}
	return c
}

// Options are the collaborators injected into an Orchestrator. Router and
// Spawner may be nil when no plan uses them.
type Options struct {
	Store   *persistence.Store
	Router  ProviderExecutor
	Spawner DaughterSpawner
	Bus     *bus.Bus
	Logger  *slog.Logger
	Clock   shared.Clock
	Tracer  trace.Tracer
	Metrics *vxotel.Metrics
}

type Orchestrator struct {
	cfg     Config
	store   *persistence.Store
	router  ProviderExecutor
	spawner DaughterSpawner
	bus     *bus.Bus
	logger  *slog.Logger
	clock   shared.Clock
	tracer  trace.Tracer
	metrics *vxotel.Metrics
	locks   *shared.KeyedMutex
	waiter  *Waiter

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

func New(cfg Config, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = shared.RealClock()
	}
	if opts.Tracer == nil {
		opts.Tracer = vxotel.Disabled().Tracer
	}
	if opts.Metrics == nil {
		opts.Metrics = vxotel.NopMetrics()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		store:   opts.Store,
		router:  opts.Router,
		spawner: opts.Spawner,
		bus:     opts.Bus,
		logger:  opts.Logger.With("component", "orchestrator"),
		clock:   opts.Clock,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		locks:   &shared.KeyedMutex{},
		waiter:  NewWaiter(opts.Bus, opts.Store),
		running: make(map[string]context.CancelFunc),
		baseCtx: baseCtx,
		stop:    stop,
	}
}

// StepSpec describes one step of an explicitly built plan.
type StepSpec struct {
	Kind       string          `json:"kind"`
	Capability string          `json:"capability,omitempty"`
	TaskType   string          `json:"task_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

// SubmitRequest is a forwarded intent. Steps is optional; without it the
// plan is derived from Executor.
type SubmitRequest struct {
	IntentID      string          `json:"intent_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	IntentType    string          `json:"intent_type"`
	Target        string          `json:"target"`
	Executor      string          `json:"executor,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Steps         []StepSpec      `json:"steps,omitempty"`
}

// Submit creates the plan for an intent and starts executing it. Submitting
// the same correlation id again returns the existing plan with created=false.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*persistence.Plan, bool, error) {
	if strings.TrimSpace(req.IntentType) == "" {
		return nil, false, apierr.New(apierr.CodeBadRequest, "intent_type is required")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = shared.CorrelationID(ctx)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = shared.NewCorrelationID()
	}
	if req.Target == "" {
		req.Target = ExecutorOrchestrator
	}
	if req.Executor == "" {
		req.Executor = req.Target
	}
	steps, err := buildSteps(req)
	if err != nil {
		return nil, false, err
	}
	ctx = shared.WithCorrelationID(ctx, req.CorrelationID)

	p, created, err := o.store.CreatePlan(ctx, persistence.Plan{
		PlanID:        shared.NewID("plan"),
		IntentID:      req.IntentID,
		CorrelationID: req.CorrelationID,
		IntentType:    req.IntentType,
		Target:        req.Target,
		Executor:      req.Executor,
		Payload:       req.Payload,
		Steps:         steps,
		CreatedAt:     o.clock.Now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("create plan: %w", err)
	}
	if created {
		o.logger.Info("plan created", "plan_id", p.PlanID, "correlation_id", p.CorrelationID,
			"intent_type", p.IntentType, "executor", p.Executor, "steps", len(p.Steps))
	}
	if p.State == persistence.PlanQueued {
		o.start(p.PlanID, p.CorrelationID)
	}
	return p, created, nil
}

func buildSteps(req SubmitRequest) ([]persistence.PlanStep, error) {
	specs := req.Steps
	if len(specs) == 0 {
		switch req.Executor {
		case ExecutorRouter:
			specs = []StepSpec{{Kind: persistence.StepKindProvider, Capability: req.IntentType, Payload: req.Payload}}
		case ExecutorSpawner:
			specs = []StepSpec{{Kind: persistence.StepKindDaughter, TaskType: req.IntentType, Payload: req.Payload,
				TTLSeconds: payloadTTL(req.Payload)}}
		case ExecutorOrchestrator:
			// A plan with no steps completes as soon as it is picked up.
		default:
			return nil, apierr.New(apierr.CodeBadRequest, "unknown executor %q", req.Executor)
		}
	}
	steps := make([]persistence.PlanStep, 0, len(specs))
	for i, sp := range specs {
		st := persistence.PlanStep{
			Index:      i,
			Kind:       sp.Kind,
			Capability: sp.Capability,
			TaskType:   sp.TaskType,
			Payload:    sp.Payload,
			TTLSeconds: sp.TTLSeconds,
			State:      persistence.StepPending,
		}
		switch sp.Kind {
		case persistence.StepKindProvider:
			if st.Capability == "" {
				st.Capability = req.IntentType
			}
		case persistence.StepKindDaughter:
			if st.TaskType == "" {
				st.TaskType = req.IntentType
			}
			if st.TTLSeconds < 0 {
				return nil, apierr.New(apierr.CodeBadRequest, "step %d: ttl_seconds must not be negative", i)
			}
		default:
			return nil, apierr.New(apierr.CodeBadRequest, "step %d: unknown kind %q", i, sp.Kind)
		}
		if len(st.Payload) == 0 {
			st.Payload = req.Payload
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// payloadTTL reads an optional top-level ttl_seconds from a spawn payload.
func payloadTTL(raw json.RawMessage) int {
	var v struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil || v.TTLSeconds < 0 {
		return 0
	}
	return v.TTLSeconds
}

// start launches the executor goroutine for planID unless one is running.
func (o *Orchestrator) start(planID, correlationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[planID]; ok {
		return
	}
	ctx := shared.WithPlanID(shared.WithCorrelationID(o.baseCtx, correlationID), planID)
	ctx = shared.WithActor(ctx, "orchestrator")
	ctx, cancel := context.WithCancel(ctx)
	o.running[planID] = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, planID)
			o.mu.Unlock()
			cancel()
		}()
		o.execute(ctx, planID)
	}()
}

// Running returns how many plans are executing.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Get returns one plan.
func (o *Orchestrator) Get(ctx context.Context, planID string) (*persistence.Plan, error) {
	p, err := o.store.GetPlan(ctx, planID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "plan %q not found", planID)
	}
	return p, err
}

// GetByCorrelation returns the plan created for correlationID.
func (o *Orchestrator) GetByCorrelation(ctx context.Context, correlationID string) (*persistence.Plan, error) {
	p, err := o.store.GetPlanByCorrelation(ctx, correlationID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "no plan for correlation id %q", correlationID)
	}
	return p, err
}

// Wait blocks until planID is terminal.
func (o *Orchestrator) Wait(ctx context.Context, planID string) (*persistence.Plan, error) {
	return o.waiter.WaitForPlan(ctx, planID)
}

// Cancel stops a plan: the in-flight step is abandoned, daughters of the
// plan are terminated, its windows are released and the plan moves to
// CANCELLED. Cancelling a plan that already ended is a conflict, except for
// a repeated cancel.
func (o *Orchestrator) Cancel(ctx context.Context, planID string) (*persistence.Plan, error) {
	p, err := o.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithCorrelationID(ctx, p.CorrelationID)
	if p.State.Terminal() {
		if p.State == persistence.PlanCancelled {
			return p, nil
		}
		return nil, apierr.New(apierr.CodeConflict, "plan %s already %s", planID, p.State)
	}

	o.mu.Lock()
	cancel := o.running[planID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if o.spawner != nil {
		if n, err := o.spawner.TerminateForPlan(ctx, planID); err != nil {
			o.logger.Warn("terminate plan daughters failed", "plan_id", planID, "error", err)
		} else if n > 0 {
			o.logger.Info("plan daughters terminated", "plan_id", planID, "count", n)
		}
	}
	o.releaseWindows(ctx, p)

	for range 5 {
		p, err = o.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		if p.State.Terminal() {
			break
		}
		unlock := o.locks.Lock(planID)
		applied, err := o.store.TransitionPlan(ctx, planID, p.State, persistence.PlanCancelled, o.clock.Now(), persistence.PlanPatch{
			Steps:   cancelSteps(p.Steps, o.clock.Now()),
			Details: map[string]any{"reason": "cancelled"},
		})
		unlock()
		if err != nil {
			return nil, err
		}
		if applied {
			o.logger.Info("plan cancelled", "plan_id", planID, "correlation_id", p.CorrelationID, "from", p.State)
			o.metrics.PlanDuration.Record(ctx, o.clock.Now().Sub(p.CreatedAt).Seconds())
			break
		}
	}
	return o.store.GetPlan(ctx, planID)
}

func cancelSteps(steps []persistence.PlanStep, now time.Time) []persistence.PlanStep {
	out := make([]persistence.PlanStep, len(steps))
	copy(out, steps)
	for i := range out {
		if out[i].State == persistence.StepPending || out[i].State == persistence.StepRunning {
			out[i].State = persistence.StepCancelled
			out[i].FinishedAt = &now
		}
	}
	return out
}

// Recover fails plans a previous process left mid-flight, resumes QUEUED
// plans and expires windows whose TTL passed while nothing was running.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	now := o.clock.Now()
	if n, err := o.store.ExpireWindows(ctx, now); err != nil {
		return 0, fmt.Errorf("expire windows: %w", err)
	} else if n > 0 {
		o.metrics.WindowsOpen.Add(ctx, -int64(n))
	}
	stuck, err := o.store.ListPlansByState(ctx,
		persistence.PlanRunning, persistence.PlanWaitingProvider, persistence.PlanWaitingDaughter)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, p := range stuck {
		pctx := shared.WithCorrelationID(ctx, p.CorrelationID)
		state := p.State
		if state != persistence.PlanRunning {
			ok, err := o.store.TransitionPlan(pctx, p.PlanID, state, persistence.PlanRunning, now, persistence.PlanPatch{
				Details: map[string]any{"reason": ReasonRecovered},
			})
			if err != nil {
				return failed, err
			}
			if !ok {
				continue
			}
		}
		ok, err := o.store.TransitionPlan(pctx, p.PlanID, persistence.PlanRunning, persistence.PlanError, now, persistence.PlanPatch{
			Steps:         skipFrom(p.Steps, 0, now),
			LastError:     ReasonRecovered,
			LastErrorCode: string(apierr.CodeInternal),
			Details:       map[string]any{"reason": ReasonRecovered},
		})
		if err != nil {
			return failed, err
		}
		if ok {
			failed++
			o.releaseWindows(pctx, &p)
			o.logger.Warn("plan failed by recovery", "plan_id", p.PlanID, "correlation_id", p.CorrelationID, "state", state)
		}
	}

	queued, err := o.store.ListPlansByState(ctx, persistence.PlanQueued)
	if err != nil {
		return failed, err
	}
	for _, p := range queued {
		o.start(p.PlanID, p.CorrelationID)
	}
	return failed, nil
}

// Run sweeps expired windows until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.store.ExpireWindows(ctx, o.clock.Now())
			if err != nil {
				o.logger.Warn("window expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				o.metrics.WindowsOpen.Add(ctx, -int64(n))
				o.logger.Info("windows expired", "count", n)
			}
		}
	}
}

// Close abandons running plans and waits for their goroutines. Abandoned
// plans are failed by Recover on the next start.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) Config() Config { return o.cfg }
