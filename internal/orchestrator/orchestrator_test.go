package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/bus"
	"github.com/basket/vx11/internal/orchestrator"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/router"
	"github.com/basket/vx11/internal/shared"
	"github.com/basket/vx11/internal/spawner"
)

var t0 = time.Date(2026, 4, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *persistence.Store
	clock  *shared.FakeClock
	bus    *bus.Bus
	router *router.Router
	sp     *spawner.Spawner
	orch   *orchestrator.Orchestrator
}

func newFixture(t *testing.T, cfg orchestrator.Config) *fixture {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "vx11.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := shared.NewFakeClock(t0)
	store.SetClock(clock)

	rt := router.New(router.Config{}, router.Options{Store: store, Bus: b, Clock: clock})
	sp := spawner.New(spawner.Config{CallbackSecret: "orch-test-secret", PublicURL: "http://spawner.local"}, spawner.Options{
		Store: store, Launcher: spawner.NewNoopLauncher(), Bus: b, Clock: clock,
	})
	if cfg.Retry.Base == 0 {
		cfg.Retry.Base = time.Millisecond
		cfg.Retry.Cap = 5 * time.Millisecond
	}
	o := orchestrator.New(cfg, orchestrator.Options{Store: store, Router: rt, Spawner: sp, Bus: b, Clock: clock})
	t.Cleanup(o.Close)
	return &fixture{store: store, clock: clock, bus: b, router: rt, sp: sp, orch: o}
}

func (f *fixture) register(t *testing.T, id string, fn func(ctx context.Context, req router.Request) (*router.Response, error)) {
	t.Helper()
	err := f.router.Register(context.Background(), &router.FuncProvider{ProviderID: id, Caps: []string{"chat"}, Fn: fn})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) wait(t *testing.T, planID string) *persistence.Plan {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := f.orch.Wait(ctx, planID)
	if err != nil {
		t.Fatalf("wait plan %s: %v", planID, err)
	}
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ok(_ context.Context, _ router.Request) (*router.Response, error) {
	return &router.Response{Result: json.RawMessage(`{"answer":42}`)}, nil
}

func TestOrchestrator_HappyPathOpensAndClosesWindow(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.register(t, "p_A", ok)
	ctx := context.Background()

	p, created, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{
		CorrelationID: "cid-s1",
		IntentType:    "chat",
		Target:        policy.TargetOrchestrator,
		Executor:      orchestrator.ExecutorRouter,
		Payload:       json.RawMessage(`{"prompt":"hi"}`),
	})
	if err != nil || !created {
		t.Fatalf("submit: created=%v err=%v", created, err)
	}
	done := f.wait(t, p.PlanID)
	if done.State != persistence.PlanDone {
		t.Fatalf("state = %s (%s), want DONE", done.State, done.LastError)
	}
	if string(done.Result) != `{"answer":42}` {
		t.Fatalf("result = %s", done.Result)
	}
	if len(done.Steps) != 1 || done.Steps[0].ProviderID != "p_A" || done.Steps[0].State != persistence.StepDone {
		t.Fatalf("steps = %+v", done.Steps)
	}

	events, err := f.store.ListAuditByCorrelation(ctx, "cid-s1", 0, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var windowStates []string
	outcomes := 0
	for _, ev := range events {
		switch ev.Kind {
		case persistence.AuditWindowTransition:
			windowStates = append(windowStates, ev.AfterState)
		case persistence.AuditProviderOutcome:
			outcomes++
			if ev.EntityID != "p_A" || ev.AfterState != string(router.OutcomeSuccess) {
				t.Fatalf("outcome event = %+v", ev)
			}
		}
	}
	if len(windowStates) != 2 || windowStates[0] != "OPEN" || windowStates[1] != "CLOSED" {
		t.Fatalf("window events = %v, want [OPEN CLOSED]", windowStates)
	}
	if outcomes != 1 {
		t.Fatalf("provider outcome events = %d, want 1", outcomes)
	}
	rec, err := f.store.GetProvider(ctx, "p_A")
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if math.Abs(rec.Score-0.20) > 1e-12 {
		t.Fatalf("score = %v, want 0.20", rec.Score)
	}
	if n, _ := f.store.CountOpenWindows(ctx, policy.TargetRouter); n != 0 {
		t.Fatalf("open router windows = %d, want 0", n)
	}
}

func TestOrchestrator_SubmitIsIdempotentPerCorrelation(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.register(t, "p_A", ok)
	ctx := context.Background()
	req := orchestrator.SubmitRequest{CorrelationID: "cid-dup", IntentType: "chat", Executor: orchestrator.ExecutorRouter}

	first, created, err := f.orch.Submit(ctx, req)
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	second, created, err := f.orch.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if created || second.PlanID != first.PlanID {
		t.Fatalf("second submit created=%v plan=%s, want existing %s", created, second.PlanID, first.PlanID)
	}
	f.wait(t, first.PlanID)
	if n, _ := f.store.CountPlansForCorrelation(ctx, "cid-dup"); n != 1 {
		t.Fatalf("plans = %d, want 1", n)
	}
}

func TestOrchestrator_RetriesTransientProviderFailures(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	var calls atomic.Int32
	f.register(t, "p_flaky", func(ctx context.Context, req router.Request) (*router.Response, error) {
		if calls.Add(1) < 3 {
			return nil, apierr.New(apierr.CodeUpstreamUnreachable, "connection refused")
		}
		return ok(ctx, req)
	})
	var retries atomic.Int32
	sub := f.bus.Subscribe(orchestrator.TopicStepRetry)
	defer f.bus.Unsubscribe(sub)
	go func() {
		for range sub.Ch() {
			retries.Add(1)
		}
	}()

	p, _, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		CorrelationID: "cid-retry", IntentType: "chat", Executor: orchestrator.ExecutorRouter,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := f.wait(t, p.PlanID)
	if done.State != persistence.PlanDone {
		t.Fatalf("state = %s (%s), want DONE", done.State, done.LastError)
	}
	if got := done.Steps[0].Attempts; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	eventually(t, "two retry events", func() bool { return retries.Load() == 2 })
}

func TestOrchestrator_TransientFailuresExhaustAttempts(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	var calls atomic.Int32
	f.register(t, "p_down", func(context.Context, router.Request) (*router.Response, error) {
		calls.Add(1)
		return nil, apierr.New(apierr.CodeUpstreamUnreachable, "down")
	})
	p, _, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		CorrelationID: "cid-exhaust", IntentType: "chat", Executor: orchestrator.ExecutorRouter,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := f.wait(t, p.PlanID)
	if done.State != persistence.PlanError {
		t.Fatalf("state = %s, want ERROR", done.State)
	}
	if calls.Load() != 3 || done.Steps[0].Attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3", calls.Load(), done.Steps[0].Attempts)
	}
}

func TestOrchestrator_FatalStepSkipsTheRest(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	var calls atomic.Int32
	f.register(t, "p_strict", func(context.Context, router.Request) (*router.Response, error) {
		calls.Add(1)
		return nil, apierr.New(apierr.CodeBadRequest, "missing prompt")
	})
	ctx := context.Background()
	p, _, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{
		CorrelationID: "cid-fatal",
		IntentType:    "chat",
		Steps: []orchestrator.StepSpec{
			{Kind: persistence.StepKindProvider},
			{Kind: persistence.StepKindDaughter, TaskType: "convert"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := f.wait(t, p.PlanID)
	if done.State != persistence.PlanError || done.LastErrorCode != string(apierr.CodeBadRequest) {
		t.Fatalf("plan = %s/%s, want ERROR/bad_request", done.State, done.LastErrorCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", calls.Load())
	}
	if done.Steps[0].State != persistence.StepError || done.Steps[1].State != persistence.StepSkipped {
		t.Fatalf("step states = %s, %s", done.Steps[0].State, done.Steps[1].State)
	}
	if ds, _ := f.store.ListDaughtersForPlan(ctx, p.PlanID); len(ds) != 0 {
		t.Fatalf("daughters = %d, want 0", len(ds))
	}
	if n, _ := f.store.CountOpenWindows(ctx, policy.TargetRouter); n != 0 {
		t.Fatalf("open windows = %d, want 0", n)
	}
}

// daughterOf waits for step idx of planID to be bound to a daughter other
// than prev.
func (f *fixture) daughterOf(t *testing.T, planID string, idx int, prev string) string {
	t.Helper()
	var id string
	eventually(t, "daughter for plan "+planID, func() bool {
		p, err := f.store.GetPlan(context.Background(), planID)
		if err != nil || p.State != persistence.PlanWaitingDaughter {
			return false
		}
		id = p.Steps[idx].DaughterID
		return id != "" && id != prev
	})
	return id
}

func TestOrchestrator_DaughterStepCompletesOnCallback(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()
	p, _, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{
		CorrelationID: "cid-task",
		IntentType:    "task",
		Executor:      orchestrator.ExecutorSpawner,
		Payload:       json.RawMessage(`{"ttl_seconds":120}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := f.daughterOf(t, p.PlanID, 0, "")
	d, err := f.store.GetDaughter(ctx, id)
	if err != nil {
		t.Fatalf("get daughter: %v", err)
	}
	if d.TTL != 120*time.Second || d.PlanID != p.PlanID {
		t.Fatalf("daughter = %+v", d)
	}
	if n, _ := f.store.CountOpenWindows(ctx, policy.TargetSpawner); n != 1 {
		t.Fatalf("open spawner windows = %d, want 1", n)
	}

	applied, _, err := f.sp.HandleCallback(ctx, spawner.Callback{DaughterID: id, Status: spawner.StatusDone, Result: json.RawMessage(`{"files":3}`)})
	if err != nil || !applied {
		t.Fatalf("callback: applied=%v err=%v", applied, err)
	}
	done := f.wait(t, p.PlanID)
	if done.State != persistence.PlanDone || string(done.Result) != `{"files":3}` {
		t.Fatalf("plan = %s result %s", done.State, done.Result)
	}
	if n, _ := f.store.CountOpenWindows(ctx, policy.TargetSpawner); n != 0 {
		t.Fatalf("open spawner windows = %d, want 0", n)
	}
}

func TestOrchestrator_LongDaughterKeepsWindowOpenForTheWait(t *testing.T) {
	f := newFixture(t, orchestrator.Config{WindowMaxTTL: time.Hour, DaughterGrace: 30 * time.Second})
	ctx := context.Background()
	p, _, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{
		CorrelationID: "cid-long",
		IntentType:    "task",
		Executor:      orchestrator.ExecutorSpawner,
		Payload:       json.RawMessage(`{"ttl_seconds":3600}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := f.daughterOf(t, p.PlanID, 0, "")
	want := t0.Add(time.Hour + 30*time.Second)

	var held []persistence.Window
	eventually(t, "spawner window covers the daughter wait", func() bool {
		held, err = f.store.ListWindowsHeldBy(ctx, p.PlanID)
		return err == nil && len(held) == 1 && !held[0].ClosesAt.Before(want)
	})
	if held[0].Target != policy.TargetSpawner {
		t.Fatalf("window target = %s", held[0].Target)
	}

	// Just before the daughter's deadline the window still admits the target.
	f.clock.Advance(time.Hour + 20*time.Second)
	active, err := f.store.ListActiveWindows(ctx, f.clock.Now())
	if err != nil || len(active) != 1 {
		t.Fatalf("active windows = %d (%v), want 1", len(active), err)
	}

	events, err := f.store.ListAuditByCorrelation(ctx, "cid-long", 0, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var extended bool
	for _, e := range events {
		extended = extended || (e.Kind == persistence.AuditWindowExtended && e.EntityID == held[0].WindowID)
	}
	if !extended {
		t.Fatalf("no %s audit event in %+v", persistence.AuditWindowExtended, events)
	}

	if _, _, err := f.sp.HandleCallback(ctx, spawner.Callback{DaughterID: id, Status: spawner.StatusDone}); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if done := f.wait(t, p.PlanID); done.State != persistence.PlanDone {
		t.Fatalf("plan = %s, want DONE", done.State)
	}
}

func TestOrchestrator_DaughterTimeoutRetriesThenFails(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Retry: orchestrator.Backoff{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 2}})
	ctx := context.Background()
	p, _, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{
		CorrelationID: "cid-s4",
		IntentType:    "task",
		Executor:      orchestrator.ExecutorSpawner,
		Payload:       json.RawMessage(`{"ttl_seconds":60}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	first := f.daughterOf(t, p.PlanID, 0, "")
	f.clock.Advance(60 * time.Second)
	if err := f.sp.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if d, _ := f.store.GetDaughter(ctx, first); d.State != persistence.DaughterTimedOut {
		t.Fatalf("first daughter = %s, want TIMED_OUT", d.State)
	}

	second := f.daughterOf(t, p.PlanID, 0, first)
	f.clock.Advance(60 * time.Second)
	if err := f.sp.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	done := f.wait(t, p.PlanID)
	if done.State != persistence.PlanError || done.LastErrorCode != string(apierr.CodeDaughterTimeout) {
		t.Fatalf("plan = %s/%s, want ERROR/daughter_timeout", done.State, done.LastErrorCode)
	}
	if done.Steps[0].Attempts != 2 || done.Steps[0].DaughterID != second {
		t.Fatalf("step = %+v", done.Steps[0])
	}
}

func TestOrchestrator_CancelCascades(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()
	p, _, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{
		CorrelationID: "cid-cancel",
		IntentType:    "task",
		Steps: []orchestrator.StepSpec{
			{Kind: persistence.StepKindDaughter, TaskType: "index"},
			{Kind: persistence.StepKindProvider, Capability: "chat"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := f.daughterOf(t, p.PlanID, 0, "")

	cancelled, err := f.orch.Cancel(ctx, p.PlanID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != persistence.PlanCancelled {
		t.Fatalf("state = %s, want CANCELLED", cancelled.State)
	}
	if cancelled.Steps[0].State != persistence.StepCancelled || cancelled.Steps[1].State != persistence.StepCancelled {
		t.Fatalf("steps = %s, %s", cancelled.Steps[0].State, cancelled.Steps[1].State)
	}
	d, err := f.store.GetDaughter(ctx, id)
	if err != nil {
		t.Fatalf("get daughter: %v", err)
	}
	if d.State != persistence.DaughterFailed || d.Error != spawner.ReasonCancelled {
		t.Fatalf("daughter = %s (%s), want FAILED (cancelled)", d.State, d.Error)
	}
	if n, _ := f.store.CountOpenWindows(ctx, policy.TargetSpawner); n != 0 {
		t.Fatalf("open spawner windows = %d, want 0", n)
	}
	eventually(t, "executor exit", func() bool { return f.orch.Running() == 0 })

	again, err := f.orch.Cancel(ctx, p.PlanID)
	if err != nil || again.State != persistence.PlanCancelled {
		t.Fatalf("second cancel: %v %v", again, err)
	}
	final, _ := f.store.GetPlan(ctx, p.PlanID)
	if final.State != persistence.PlanCancelled {
		t.Fatalf("terminal state changed to %s", final.State)
	}
}

func TestOrchestrator_CancelFinishedPlanConflicts(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()
	p, _, err := f.orch.Submit(ctx, orchestrator.SubmitRequest{CorrelationID: "cid-noop", IntentType: "status"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done := f.wait(t, p.PlanID); done.State != persistence.PlanDone {
		t.Fatalf("state = %s, want DONE", done.State)
	}
	_, err = f.orch.Cancel(ctx, p.PlanID)
	if !apierr.IsCode(err, apierr.CodeConflict) {
		t.Fatalf("cancel finished plan: %v, want conflict", err)
	}
}

func TestOrchestrator_SubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	tests := []struct {
		name string
		req  orchestrator.SubmitRequest
	}{
		{"no intent type", orchestrator.SubmitRequest{CorrelationID: "c1"}},
		{"unknown executor", orchestrator.SubmitRequest{CorrelationID: "c2", IntentType: "chat", Executor: "mainframe"}},
		{"unknown step kind", orchestrator.SubmitRequest{CorrelationID: "c3", IntentType: "chat", Steps: []orchestrator.StepSpec{{Kind: "teleport"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.orch.Submit(context.Background(), tc.req)
			if !apierr.IsCode(err, apierr.CodeBadRequest) {
				t.Fatalf("err = %v, want bad_request", err)
			}
		})
	}
}

// heldPlan returns a plan parked in WAITING_DAUGHTER.
func (f *fixture) heldPlan(t *testing.T, cid string) *persistence.Plan {
	t.Helper()
	p, _, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		CorrelationID: cid, IntentType: "task", Executor: orchestrator.ExecutorSpawner,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.daughterOf(t, p.PlanID, 0, "")
	return p
}

func TestOrchestrator_WindowRoundTrip(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()
	p := f.heldPlan(t, "cid-win")

	w, created, err := f.orch.OpenWindow(ctx, p.PlanID, policy.TargetScanner, 1*time.Second)
	if err != nil || !created {
		t.Fatalf("open: created=%v err=%v", created, err)
	}
	if want := t0.Add(5 * time.Second); !w.ClosesAt.Equal(want) {
		t.Fatalf("closes_at = %v, want clamped %v", w.ClosesAt, want)
	}
	again, created, err := f.orch.OpenWindow(ctx, p.PlanID, policy.TargetScanner, 10*time.Second)
	if err != nil || created || again.WindowID != w.WindowID {
		t.Fatalf("reopen = %v created=%v err=%v, want same window", again.WindowID, created, err)
	}

	windows, err := f.orch.ActiveWindows(ctx)
	if err != nil {
		t.Fatalf("active windows: %v", err)
	}
	if !policy.IsAllowed(policy.TargetScanner, policy.ModeSoloMadre, windows, f.clock.Now()) {
		t.Fatalf("scanner not allowed with an open window")
	}

	if _, closed, err := f.orch.CloseWindow(ctx, w.WindowID); err != nil || !closed {
		t.Fatalf("close: closed=%v err=%v", closed, err)
	}
	if _, closed, err := f.orch.CloseWindow(ctx, w.WindowID); err != nil || closed {
		t.Fatalf("second close: closed=%v err=%v", closed, err)
	}
	windows, _ = f.orch.ActiveWindows(ctx)
	if policy.IsAllowed(policy.TargetScanner, policy.ModeSoloMadre, windows, f.clock.Now()) {
		t.Fatalf("scanner still allowed after close")
	}
}

func TestOrchestrator_WindowExpiresWithoutClose(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()
	p := f.heldPlan(t, "cid-expire")
	if _, _, err := f.orch.OpenWindow(ctx, p.PlanID, policy.TargetScanner, 5*time.Second); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	windows, err := f.orch.ActiveWindows(ctx)
	if err != nil {
		t.Fatalf("active windows: %v", err)
	}
	if policy.IsAllowed(policy.TargetScanner, policy.ModeSoloMadre, windows, f.clock.Now()) {
		t.Fatalf("expired window still grants traffic")
	}
	d := policy.Evaluate(policy.TargetScanner, policy.ModeSoloMadre, windows, f.clock.Now())
	if d.RetryAfter != policy.LapsedWindowRetryAfter || !strings.Contains(d.Reason, "lapsed") {
		t.Fatalf("decision before the sweep = %+v", d)
	}
}

func TestOrchestrator_OpenWindowRequiresLivePlan(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()
	if _, _, err := f.orch.OpenWindow(ctx, "plan_missing", policy.TargetRouter, time.Minute); !apierr.IsCode(err, apierr.CodeNotFound) {
		t.Fatalf("missing plan: %v, want not_found", err)
	}
	p, _, _ := f.orch.Submit(ctx, orchestrator.SubmitRequest{CorrelationID: "cid-ended", IntentType: "status"})
	f.wait(t, p.PlanID)
	if _, _, err := f.orch.OpenWindow(ctx, p.PlanID, policy.TargetRouter, time.Minute); !apierr.IsCode(err, apierr.CodeConflict) {
		t.Fatalf("finished plan: %v, want conflict", err)
	}
	if _, _, err := f.orch.OpenWindow(ctx, p.PlanID, "mainframe", time.Minute); !apierr.IsCode(err, apierr.CodeBadRequest) {
		t.Fatalf("unknown target: %v, want bad_request", err)
	}
}

func TestOrchestrator_RecoverFailsInterruptedPlans(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	stuck, _, err := f.store.CreatePlan(ctx, persistence.Plan{
		PlanID:   "plan_stuck", CorrelationID: "cid-stuck", IntentType: "chat", Target: "orchestrator",
		Executor: "router", CreatedAt: t0,
		Steps:    []persistence.PlanStep{{Index: 0, Kind: persistence.StepKindProvider, Capability: "chat", State: persistence.StepRunning}},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	for _, to := range []persistence.PlanState{persistence.PlanRunning, persistence.PlanWaitingProvider} {
		from := stuck.State
		if _, err := f.store.TransitionPlan(ctx, stuck.PlanID, from, to, t0, persistence.PlanPatch{}); err != nil {
			t.Fatalf("transition: %v", err)
		}
		stuck.State = to
	}
	queued, _, err := f.store.CreatePlan(ctx, persistence.Plan{
		PlanID:   "plan_queued", CorrelationID: "cid-queued", IntentType: "status", Target: "orchestrator",
		Executor: "orchestrator", CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("create queued plan: %v", err)
	}

	n, err := f.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	got, _ := f.store.GetPlan(ctx, stuck.PlanID)
	if got.State != persistence.PlanError || got.LastError != orchestrator.ReasonRecovered ||
		got.LastErrorCode != string(apierr.CodeInternal) {
		t.Fatalf("stuck plan = %s %q %q", got.State, got.LastError, got.LastErrorCode)
	}
	if got.Steps[0].State != persistence.StepSkipped {
		t.Fatalf("stuck step = %s, want SKIPPED", got.Steps[0].State)
	}
	if done := f.wait(t, queued.PlanID); done.State != persistence.PlanDone {
		t.Fatalf("queued plan = %s, want DONE", done.State)
	}
}

func TestOrchestrator_HTTPAPI(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.register(t, "p_A", ok)
	srv := httptest.NewServer(f.orch.Handler())
	defer srv.Close()
	client := &orchestrator.Client{BaseURL: srv.URL}
	ctx := context.Background()

	p, created, err := client.Submit(ctx, orchestrator.SubmitRequest{
		CorrelationID: "cid-http", IntentType: "chat", Target: "orchestrator", Executor: "router",
	})
	if err != nil || !created {
		t.Fatalf("submit: created=%v err=%v", created, err)
	}
	if _, created, err := client.Submit(ctx, orchestrator.SubmitRequest{CorrelationID: "cid-http", IntentType: "chat", Executor: "router"}); err != nil || created {
		t.Fatalf("resubmit: created=%v err=%v", created, err)
	}
	f.wait(t, p.PlanID)
	got, err := client.GetByCorrelation(ctx, "cid-http")
	if err != nil || got.PlanID != p.PlanID || got.State != persistence.PlanDone {
		t.Fatalf("get by correlation = %+v, %v", got, err)
	}
	if _, err := client.Get(ctx, "plan_nope"); !apierr.IsCode(err, apierr.CodeNotFound) {
		t.Fatalf("missing plan: %v, want not_found", err)
	}
	if _, err := client.Cancel(ctx, p.PlanID); !apierr.IsCode(err, apierr.CodeConflict) {
		t.Fatalf("cancel done plan: %v, want conflict", err)
	}

	held := f.heldPlan(t, "cid-http-held")
	resp, err := http.Post(srv.URL+"/windows", "application/json",
		jsonBody(t, map[string]any{"target": "scanner", "ttl_seconds": 30, "plan_id": held.PlanID}))
	if err != nil {
		t.Fatalf("open window: %v", err)
	}
	var win struct {
		WindowID string    `json:"window_id"`
		ClosesAt time.Time `json:"closes_at"`
	}
	decode(t, resp, http.StatusCreated, &win)
	if win.WindowID == "" || !win.ClosesAt.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("window = %+v", win)
	}
	windows, err := client.ActiveWindows(ctx)
	if err != nil {
		t.Fatalf("active windows: %v", err)
	}
	found := false
	for _, w := range windows {
		found = found || (w.WindowID == win.WindowID && w.Open)
	}
	if !found {
		t.Fatalf("window %s not listed in %+v", win.WindowID, windows)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/windows/"+win.WindowID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("close window: %v", err)
	}
	var closed struct {
		State  string `json:"state"`
		Closed bool   `json:"closed"`
	}
	decode(t, resp, http.StatusOK, &closed)
	if !closed.Closed || closed.State != "CLOSED" {
		t.Fatalf("close = %+v", closed)
	}

	resp, err = http.Post(srv.URL+"/windows", "application/json",
		jsonBody(t, map[string]any{"target": "scanner", "ttl_seconds": 30}))
	if err != nil {
		t.Fatalf("open window without plan: %v", err)
	}
	var env apierr.Envelope
	decode(t, resp, http.StatusBadRequest, &env)
	if env.Code != apierr.CodeBadRequest {
		t.Fatalf("envelope = %+v", env)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var health map[string]any
	decode(t, resp, http.StatusOK, &health)
	if health["status"] != "ok" || health["module"] != "orchestrator" {
		t.Fatalf("health = %v", health)
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func decode(t *testing.T, resp *http.Response, wantStatus int, out any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d", resp.StatusCode, wantStatus)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
