package spawner_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/bus"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
	"github.com/basket/vx11/internal/spawner"
)

var t0 = time.Date(2026, 4, 3, 8, 0, 0, 0, time.UTC)

const secret = "test-callback-secret"

type fixture struct {
	store    *persistence.Store
	clock    *shared.FakeClock
	bus      *bus.Bus
	launcher *spawner.NoopLauncher
	sp       *spawner.Spawner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "vx11.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := shared.NewFakeClock(t0)
	store.SetClock(clock)
	l := spawner.NewNoopLauncher()
	sp := spawner.New(spawner.Config{CallbackSecret: secret, PublicURL: "http://spawner.local"}, spawner.Options{
		Store: store, Launcher: l, Bus: b, Clock: clock,
	})
	return &fixture{store: store, clock: clock, bus: b, launcher: l, sp: sp}
}

func TestSpawner_ClampTTL(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		in, want time.Duration
	}{
		{0, 60 * time.Second},
		{10 * time.Second, 60 * time.Second},
		{90 * time.Second, 90 * time.Second},
		{3 * time.Hour, time.Hour},
	}
	for _, tc := range tests {
		if got := f.sp.ClampTTL(tc.in); got != tc.want {
			t.Fatalf("ClampTTL(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSpawner_CreateRecordsStarting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.sp.Create(ctx, spawner.CreateRequest{TaskType: "convert", TTLSeconds: 5, CorrelationID: "cid-c"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.State != persistence.DaughterStarting || d.TTL != 60*time.Second || !strings.HasPrefix(d.Handle, "noop:") {
		t.Fatalf("daughter = %+v", d)
	}
	if _, err := f.sp.Create(ctx, spawner.CreateRequest{}); !apierr.IsCode(err, apierr.CodeBadRequest) {
		t.Fatalf("missing task_type err = %v", err)
	}
	n, err := f.store.CountAudit(ctx, "cid-c", persistence.AuditDaughterTransition)
	if err != nil || n != 1 {
		t.Fatalf("daughter_transition events = %d err=%v", n, err)
	}
}

func TestSpawner_CallbackCompletesOnceAndReaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(bus.TopicDaughterTerminal)
	defer f.bus.Unsubscribe(sub)

	d, err := f.sp.Create(ctx, spawner.CreateRequest{TaskType: "convert", PlanID: "plan-1", StepIndex: 2, CorrelationID: "cid-cb"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	applied, got, err := f.sp.HandleCallback(ctx, spawner.Callback{DaughterID: d.DaughterID, Status: "DONE", Result: json.RawMessage(`{"ok":1}`)})
	if err != nil || !applied {
		t.Fatalf("callback applied=%v err=%v", applied, err)
	}
	if got.State != persistence.DaughterCompleted || string(got.Result) != `{"ok":1}` {
		t.Fatalf("daughter = %+v", got)
	}

	select {
	case ev := <-sub.Ch():
		te := ev.Payload.(bus.DaughterTerminalEvent)
		if te.PlanID != "plan-1" || te.StepIndex != 2 || te.State != "COMPLETED" {
			t.Fatalf("terminal event = %+v", te)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event")
	}
	if f.launcher.Live() != 0 {
		t.Fatal("handle must be released on completion")
	}
	reaped, err := f.store.GetDaughter(ctx, d.DaughterID)
	if err != nil || reaped.ReapedAt == nil {
		t.Fatalf("reaped_at not set: %+v err=%v", reaped, err)
	}

	applied, got, err = f.sp.HandleCallback(ctx, spawner.Callback{DaughterID: d.DaughterID, Status: "ERROR", Error: "late"})
	if err != nil || applied {
		t.Fatalf("duplicate callback applied=%v err=%v", applied, err)
	}
	if got.State != persistence.DaughterCompleted {
		t.Fatalf("terminal daughter changed to %s", got.State)
	}
	n, err := f.store.CountAudit(ctx, "cid-cb", persistence.AuditDaughterDuplicateCB)
	if err != nil || n != 1 {
		t.Fatalf("duplicate callback events = %d err=%v", n, err)
	}

	if _, _, err := f.sp.HandleCallback(ctx, spawner.Callback{DaughterID: d.DaughterID, Status: "MAYBE"}); !apierr.IsCode(err, apierr.CodeBadRequest) {
		t.Fatalf("bad status err = %v", err)
	}
	if _, _, err := f.sp.HandleCallback(ctx, spawner.Callback{DaughterID: "nope", Status: "DONE"}); !apierr.IsCode(err, apierr.CodeNotFound) {
		t.Fatalf("unknown daughter err = %v", err)
	}
}

func TestSpawner_RacingCallbacksResolveOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.sp.Create(ctx, spawner.CreateRequest{TaskType: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := "DONE"
			if i%2 == 1 {
				status = "ERROR"
			}
			ok, _, err := f.sp.HandleCallback(ctx, spawner.Callback{DaughterID: d.DaughterID, Status: status})
			if err != nil {
				t.Errorf("callback: %v", err)
				return
			}
			if ok {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if applied.Load() != 1 {
		t.Fatalf("applied transitions = %d, want 1", applied.Load())
	}
}

func TestSpawner_TTLExpiryTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(bus.TopicDaughterTerminal)
	defer f.bus.Unsubscribe(sub)

	d, err := f.sp.Create(ctx, spawner.CreateRequest{TaskType: "t", TTLSeconds: 60, PlanID: "plan-s4"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Keep heartbeats fresh so only the TTL can expire the daughter.
	for i := 0; i < 3; i++ {
		f.clock.Advance(20 * time.Second)
		if _, err := f.sp.Heartbeat(ctx, d.DaughterID); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if err := f.sp.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	got, err := f.store.GetDaughter(ctx, d.DaughterID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != persistence.DaughterTimedOut || got.Error != spawner.ReasonTTLExpired {
		t.Fatalf("daughter = %s/%s", got.State, got.Error)
	}
	select {
	case ev := <-sub.Ch():
		if te := ev.Payload.(bus.DaughterTerminalEvent); te.State != "TIMED_OUT" || te.PlanID != "plan-s4" {
			t.Fatalf("event = %+v", te)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event")
	}
	if state, err := f.sp.Heartbeat(ctx, d.DaughterID); err != nil || state != persistence.DaughterTimedOut {
		t.Fatalf("heartbeat after terminal: %s %v", state, err)
	}
}

func TestSpawner_MissedHeartbeatTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.sp.Create(ctx, spawner.CreateRequest{TaskType: "t", TTLSeconds: 600})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Advance(10 * time.Second)
	if state, err := f.sp.Heartbeat(ctx, d.DaughterID); err != nil || state != persistence.DaughterRunning {
		t.Fatalf("heartbeat: %s %v", state, err)
	}
	f.clock.Advance(30 * time.Second)
	if err := f.sp.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got, _ := f.store.GetDaughter(ctx, d.DaughterID); got.State != persistence.DaughterRunning {
		t.Fatalf("exactly at the threshold the daughter is still alive, got %s", got.State)
	}
	f.clock.Advance(time.Second)
	if err := f.sp.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.store.GetDaughter(ctx, d.DaughterID)
	if got.State != persistence.DaughterTimedOut || got.Error != spawner.ReasonHeartbeatMissed {
		t.Fatalf("daughter = %s/%s", got.State, got.Error)
	}
}

func TestSpawner_TwoMissedProbesTimeOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.sp.Create(ctx, spawner.CreateRequest{TaskType: "t", TTLSeconds: 600})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.launcher.Kill(d.Handle)
	if err := f.sp.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got, _ := f.store.GetDaughter(ctx, d.DaughterID); got.State != persistence.DaughterStarting || got.MissedProbes != 1 {
		t.Fatalf("after one miss: %s missed=%d", got.State, got.MissedProbes)
	}
	if err := f.sp.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.store.GetDaughter(ctx, d.DaughterID)
	if got.State != persistence.DaughterTimedOut || got.Error != spawner.ReasonUnreachable {
		t.Fatalf("daughter = %s/%s", got.State, got.Error)
	}
}

func TestSpawner_TerminateForPlanAndRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.sp.Create(ctx, spawner.CreateRequest{TaskType: "t", PlanID: "plan-x"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	other, err := f.sp.Create(ctx, spawner.CreateRequest{TaskType: "t", PlanID: "plan-y"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := f.sp.TerminateForPlan(ctx, "plan-x")
	if err != nil || n != 2 {
		t.Fatalf("terminated %d err=%v", n, err)
	}

	// A new spawner process with a fresh launcher cannot know old handles.
	restarted := spawner.New(spawner.Config{CallbackSecret: secret}, spawner.Options{
		Store: f.store, Launcher: spawner.NewNoopLauncher(), Clock: f.clock,
	})
	n, err = restarted.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recovered %d err=%v", n, err)
	}
	got, _ := f.store.GetDaughter(ctx, other.DaughterID)
	if got.State != persistence.DaughterTimedOut {
		t.Fatalf("orphan state = %s", got.State)
	}
}

func TestSpawner_HTTPSignedFlow(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.sp.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/daughters", "application/json", strings.NewReader(`{"task_type":"render","ttl_seconds":120}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created struct {
		DaughterID string `json:"daughter_id"`
		State      string `json:"state"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.State != "STARTING" || created.TTLSeconds != 120 {
		t.Fatalf("created = %d %+v", resp.StatusCode, created)
	}

	key, err := hex.DecodeString(spawner.DaughterKeyHex(secret, created.DaughterID))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	w := &spawner.Worker{
		DaughterID:   created.DaughterID,
		CallbackURL:  srv.URL + "/callbacks",
		HeartbeatURL: srv.URL + "/daughters/" + created.DaughterID + "/heartbeat",
		Key:          key,
		Now:          f.clock.Now,
	}
	if err := w.Heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got, _ := f.store.GetDaughter(context.Background(), created.DaughterID); got.State != persistence.DaughterRunning {
		t.Fatalf("state after heartbeat = %s", got.State)
	}

	forged := &spawner.Worker{DaughterID: created.DaughterID, CallbackURL: w.CallbackURL, Key: []byte("not-the-key-not-the-key-not-the!"), Now: f.clock.Now}
	if err := forged.Report(context.Background(), "DONE", nil, ""); !apierr.IsCode(err, apierr.CodeAuthRequired) {
		t.Fatalf("forged callback err = %v", err)
	}

	if err := w.Report(context.Background(), "DONE", json.RawMessage(`{"frames":24}`), ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	// Duplicate callbacks are accepted.
	if err := w.Report(context.Background(), "ERROR", nil, "again"); err != nil {
		t.Fatalf("duplicate report: %v", err)
	}
	got, _ := f.store.GetDaughter(context.Background(), created.DaughterID)
	if got.State != persistence.DaughterCompleted || string(got.Result) != `{"frames":24}` {
		t.Fatalf("daughter = %s %s", got.State, got.Result)
	}

	resp, err = http.Get(srv.URL + "/daughters/" + created.DaughterID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
}

func TestProcessLauncher_ProbeAndTerminate(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	l := spawner.NewProcessLauncher(map[string][]string{"*": {"sleep", "30"}})
	ctx := context.Background()
	h, err := l.Launch(ctx, spawner.LaunchSpec{DaughterID: "d1", TaskType: "any"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if alive, err := l.Probe(ctx, h); err != nil || !alive {
		t.Fatalf("probe alive=%v err=%v", alive, err)
	}
	if err := l.Terminate(ctx, h); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := l.Probe(ctx, h); err != spawner.ErrUnknownHandle {
		t.Fatalf("probe after terminate err = %v", err)
	}
	if _, err := spawner.NewProcessLauncher(nil).Launch(ctx, spawner.LaunchSpec{TaskType: "x"}); err == nil {
		t.Fatal("expected error without a command")
	}
}

func storeWindows(store *persistence.Store) policy.WindowSource {
	return func(ctx context.Context) ([]policy.Window, error) {
		ws, err := store.ListOpenWindows(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]policy.Window, 0, len(ws))
		for _, w := range ws {
			out = append(out, policy.Window{WindowID: w.WindowID, Target: w.Target, Open: true, ClosesAt: w.ClosesAt})
		}
		return out, nil
	}
}

func TestSpawner_HTTPCreateGatedByPolicy(t *testing.T) {
	f := newFixture(t)
	sp := spawner.New(spawner.Config{CallbackSecret: secret, PublicURL: "http://spawner.local"}, spawner.Options{
		Store:    f.store,
		Launcher: f.launcher,
		Bus:      f.bus,
		Clock:    f.clock,
		Policy:   policy.NewLivePolicy(policy.Default(), ""),
		Windows:  storeWindows(f.store),
	})
	srv := httptest.NewServer(sp.Handler())
	defer srv.Close()
	ctx := context.Background()
	create := func() (*http.Response, []byte) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/daughters", "application/json", strings.NewReader(`{"task_type":"task","ttl_seconds":60}`))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		defer resp.Body.Close()
		var buf strings.Builder
		if _, err := io.Copy(&buf, resp.Body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		return resp, []byte(buf.String())
	}

	resp, raw := create()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no window: status = %d body %s", resp.StatusCode, raw)
	}
	var env apierr.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != apierr.CodeOffByPolicy || env.Policy != string(policy.ModeSoloMadre) || env.Reason == "" {
		t.Fatalf("envelope = %+v", env)
	}
	if ds, _ := f.store.ListDaughtersByState(ctx, persistence.DaughterStarting, persistence.DaughterRunning); len(ds) != 0 {
		t.Fatalf("rejected create still made %d daughters", len(ds))
	}

	if _, _, err := f.store.OpenOrJoinWindow(ctx, persistence.WindowOpenRequest{
		Target: policy.TargetSpawner, PlanID: "plan_gate", CorrelationID: "cid-gate", TTL: time.Minute, Now: f.clock.Now(),
	}); err != nil {
		t.Fatalf("open window: %v", err)
	}
	if resp, raw := create(); resp.StatusCode != http.StatusCreated {
		t.Fatalf("open window: status = %d body %s", resp.StatusCode, raw)
	}

	// Reads and signed worker endpoints stay reachable while the target is off.
	f.clock.Advance(2 * time.Minute)
	get, err := http.Get(srv.URL + "/daughters")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", get.StatusCode)
	}
	if resp, raw := create(); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("lapsed window: status = %d body %s", resp.StatusCode, raw)
	}
}
