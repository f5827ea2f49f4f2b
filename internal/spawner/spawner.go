// Package spawner owns daughters: ephemeral TTL-bounded workers created for
// a single task. A monitor loop promotes, times out and reaps them.
package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/bus"
	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
)

// Callback statuses reported by workers.
const (
	StatusDone  = "DONE"
	StatusError = "ERROR"
)

// Reasons recorded on daughter transitions.
const (
	ReasonTTLExpired      = "ttl_expired"
	ReasonHeartbeatMissed = "heartbeat_missed"
	ReasonUnreachable     = "unreachable"
	ReasonCancelled       = "cancelled"
	ReasonLaunchFailed    = "launch_failed"
	ReasonCallback        = "callback"
)

// unreachableLimit is how many consecutive failed probes time a daughter out.
const unreachableLimit = 2

type Config struct {
	MinTTL            time.Duration
	MaxTTL            time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMiss     time.Duration
	CallbackSecret    string
	// PublicURL is the spawner base URL workers call back to.
	PublicURL string
}

func (c Config) withDefaults() Config {
	if c.MinTTL <= 0 {
		c.MinTTL = 60 * time.Second
	}
	if c.MaxTTL < c.MinTTL {
		c.MaxTTL = max(c.MinTTL, time.Hour)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMiss <= 0 {
		c.HeartbeatMiss = 30 * time.Second
	}
	return c
}

type Options struct {
	Store    *persistence.Store
	Launcher Launcher
	Bus      *bus.Bus
	Logger   *slog.Logger
	Clock    shared.Clock
	Tracer   trace.Tracer
	Metrics  *vxotel.Metrics
	// Policy gates POST /daughters on the spawner target. Nil admits all.
	Policy  policy.Checker
	Windows policy.WindowSource
}

type Spawner struct {
	cfg      Config
	store    *persistence.Store
	launcher Launcher
	bus      *bus.Bus
	logger   *slog.Logger
	clock    shared.Clock
	tracer   trace.Tracer
	metrics  *vxotel.Metrics
	locks    *shared.KeyedMutex
	policy   policy.Checker
	windows  policy.WindowSource
}

func New(cfg Config, opts Options) *Spawner {
	if opts.Launcher == nil {
		opts.Launcher = NewNoopLauncher()
	}
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
	return &Spawner{
		cfg:      cfg.withDefaults(),
		store:    opts.Store,
		launcher: opts.Launcher,
		bus:      opts.Bus,
		logger:   opts.Logger.With("component", "spawner", "launcher", opts.Launcher.Name()),
		clock:    opts.Clock,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		locks:    &shared.KeyedMutex{},
		policy:   opts.Policy,
		windows:  opts.Windows,
	}
}

// ClampTTL bounds a requested TTL to [MinTTL, MaxTTL]. Zero means MinTTL.
func (s *Spawner) ClampTTL(ttl time.Duration) time.Duration {
	return min(max(ttl, s.cfg.MinTTL), s.cfg.MaxTTL)
}

// CreateRequest asks for one daughter.
type CreateRequest struct {
	TaskType      string          `json:"task_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TTLSeconds    int             `json:"ttl_seconds,omitempty"`
	PlanID        string          `json:"plan_id,omitempty"`
	StepIndex     int             `json:"step_index,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Create records a STARTING daughter, launches its worker and returns
// without waiting for the worker to confirm liveness.
func (s *Spawner) Create(ctx context.Context, req CreateRequest) (*persistence.Daughter, error) {
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, apierr.New(apierr.CodeBadRequest, "task_type is required")
	}
	if req.TTLSeconds < 0 {
		return nil, apierr.New(apierr.CodeBadRequest, "ttl_seconds must not be negative")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = shared.CorrelationID(ctx)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = shared.NewCorrelationID()
	}
	ctx = shared.WithCorrelationID(ctx, req.CorrelationID)
	ctx, span := vxotel.StartSpan(ctx, s.tracer, "spawner.create",
		vxotel.AttrCorrelationID.String(req.CorrelationID),
		vxotel.AttrPlanID.String(req.PlanID))
	defer span.End()

	now := s.clock.Now()
	d := persistence.Daughter{
		DaughterID:    shared.NewID("dtr"),
		TaskType:      req.TaskType,
		Payload:       req.Payload,
		TTL:           s.ClampTTL(time.Duration(req.TTLSeconds) * time.Second),
		CreatedAt:     now,
		LastHeartbeat: now,
		State:         persistence.DaughterStarting,
		PlanID:        req.PlanID,
		StepIndex:     req.StepIndex,
		CorrelationID: req.CorrelationID,
	}
	span.SetAttributes(vxotel.AttrDaughterID.String(d.DaughterID))
	if err := s.store.CreateDaughter(ctx, d); err != nil {
		return nil, fmt.Errorf("create daughter: %w", err)
	}
	s.metrics.DaughtersActive.Add(ctx, 1)

	base := strings.TrimRight(s.cfg.PublicURL, "/")
	handle, err := s.launcher.Launch(ctx, LaunchSpec{
		DaughterID:   d.DaughterID,
		TaskType:     d.TaskType,
		Payload:      d.Payload,
		TTL:          d.TTL,
		CallbackURL:  base + "/callbacks",
		HeartbeatURL: base + "/daughters/" + d.DaughterID + "/heartbeat",
		KeyHex:       DaughterKeyHex(s.cfg.CallbackSecret, d.DaughterID),
	})
	if err != nil {
		s.logger.Error("daughter launch failed", "daughter_id", d.DaughterID, "correlation_id", d.CorrelationID, "error", err)
		if _, _, terr := s.finish(ctx, d.DaughterID, persistence.DaughterFailed, persistence.DaughterOutcome{
			Error:  err.Error(),
			Reason: ReasonLaunchFailed,
		}); terr != nil {
			return nil, terr
		}
		return s.store.GetDaughter(ctx, d.DaughterID)
	}
	if err := s.store.SetDaughterHandle(ctx, d.DaughterID, handle); err != nil {
		return nil, err
	}
	d.Handle = handle
	s.logger.Info("daughter created", "daughter_id", d.DaughterID, "task_type", d.TaskType,
		"ttl", d.TTL.String(), "handle", handle, "correlation_id", d.CorrelationID, "plan_id", d.PlanID)
	return &d, nil
}

// Get returns one daughter.
func (s *Spawner) Get(ctx context.Context, id string) (*persistence.Daughter, error) {
	d, err := s.store.GetDaughter(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "daughter %q not found", id)
	}
	return d, err
}

// Heartbeat confirms liveness and moves STARTING to RUNNING.
func (s *Spawner) Heartbeat(ctx context.Context, id string) (persistence.DaughterState, error) {
	state, err := s.store.RecordHeartbeat(ctx, id, s.clock.Now())
	if errors.Is(err, persistence.ErrNotFound) {
		return "", apierr.New(apierr.CodeNotFound, "daughter %q not found", id)
	}
	return state, err
}

// Callback is the completion report of a worker.
type Callback struct {
	DaughterID string          `json:"daughter_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// HandleCallback applies a verified completion report. A callback for a
// daughter that is already terminal is recorded but changes nothing;
// applied is false in that case.
func (s *Spawner) HandleCallback(ctx context.Context, cb Callback) (applied bool, d *persistence.Daughter, err error) {
	var to persistence.DaughterState
	switch strings.ToUpper(cb.Status) {
	case StatusDone:
		to = persistence.DaughterCompleted
	case StatusError:
		to = persistence.DaughterFailed
	default:
		return false, nil, apierr.New(apierr.CodeBadRequest, "status must be DONE or ERROR, got %q", cb.Status)
	}
	out := persistence.DaughterOutcome{Result: cb.Result, Error: cb.Error, Reason: ReasonCallback}
	applied, d, err = s.finish(ctx, cb.DaughterID, to, out)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil, apierr.New(apierr.CodeNotFound, "daughter %q not found", cb.DaughterID)
	}
	if err != nil {
		return false, nil, err
	}
	if !applied && d != nil {
		s.logger.Warn("duplicate daughter callback ignored", "daughter_id", d.DaughterID, "state", d.State,
			"callback_status", cb.Status, "correlation_id", d.CorrelationID)
		if err := s.store.RecordDuplicateCallback(ctx, d, strings.ToUpper(cb.Status)); err != nil {
			return false, d, err
		}
	}
	return applied, d, nil
}

// Terminate stops a live daughter, e.g. when its plan is cancelled.
func (s *Spawner) Terminate(ctx context.Context, id, reason string) (bool, error) {
	if reason == "" {
		reason = ReasonCancelled
	}
	applied, _, err := s.finish(ctx, id, persistence.DaughterFailed, persistence.DaughterOutcome{Error: reason, Reason: reason})
	return applied, err
}

// TerminateForPlan stops every live daughter of planID.
func (s *Spawner) TerminateForPlan(ctx context.Context, planID string) (int, error) {
	ds, err := s.store.ListDaughtersForPlan(ctx, planID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range ds {
		if d.State.Terminal() {
			continue
		}
		applied, err := s.Terminate(ctx, d.DaughterID, ReasonCancelled)
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// finish performs the single terminal transition of a daughter and, when it
// applied, notifies the owning plan and releases the handle.
func (s *Spawner) finish(ctx context.Context, id string, to persistence.DaughterState, out persistence.DaughterOutcome) (bool, *persistence.Daughter, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	applied, d, err := s.store.TransitionDaughter(ctx, id,
		[]persistence.DaughterState{persistence.DaughterStarting, persistence.DaughterRunning},
		to, s.clock.Now(), out)
	if err != nil || !applied {
		return applied, d, err
	}
	s.metrics.DaughtersActive.Add(ctx, -1)
	s.metrics.DaughtersTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(to))))
	s.logger.Info("daughter finished", "daughter_id", d.DaughterID, "state", d.State, "reason", out.Reason,
		"correlation_id", d.CorrelationID, "plan_id", d.PlanID)
	s.bus.Publish(bus.TopicDaughterTerminal, bus.DaughterTerminalEvent{
		DaughterID:    d.DaughterID,
		PlanID:        d.PlanID,
		StepIndex:     d.StepIndex,
		CorrelationID: d.CorrelationID,
		State:         string(d.State),
		Result:        d.Result,
		Error:         d.Error,
	})
	s.reap(ctx, d)
	return true, d, nil
}

func (s *Spawner) reap(ctx context.Context, d *persistence.Daughter) {
	if d.Handle != "" {
		if err := s.launcher.Terminate(ctx, d.Handle); err != nil {
			s.logger.Warn("release daughter handle failed", "daughter_id", d.DaughterID, "handle", d.Handle, "error", err)
			return
		}
	}
	if _, err := s.store.MarkDaughterReaped(ctx, d.DaughterID, s.clock.Now()); err != nil {
		s.logger.Warn("mark daughter reaped failed", "daughter_id", d.DaughterID, "error", err)
	}
}

// Tick runs one monitor pass: time out expired, silent or unreachable
// daughters, then reap every terminal daughter not yet reaped.
func (s *Spawner) Tick(ctx context.Context) error {
	now := s.clock.Now()
	live, err := s.store.ListDaughtersByState(ctx, persistence.DaughterStarting, persistence.DaughterRunning)
	if err != nil {
		return err
	}
	for _, d := range live {
		if reason := s.expiry(d, now); reason != "" {
			s.timeout(ctx, d, reason)
			continue
		}
		if d.Handle == "" {
			continue
		}
		alive, perr := s.launcher.Probe(ctx, d.Handle)
		missed, err := s.store.RecordProbe(ctx, d.DaughterID, alive && perr == nil)
		if err != nil {
			s.logger.Warn("record probe failed", "daughter_id", d.DaughterID, "error", err)
			continue
		}
		if missed >= unreachableLimit {
			s.timeout(ctx, d, ReasonUnreachable)
		}
	}

	unreaped, err := s.store.ListUnreapedDaughters(ctx)
	if err != nil {
		return err
	}
	for i := range unreaped {
		s.reap(ctx, &unreaped[i])
	}
	return nil
}

func (s *Spawner) expiry(d persistence.Daughter, now time.Time) string {
	if !now.Before(d.CreatedAt.Add(d.TTL)) {
		return ReasonTTLExpired
	}
	last := d.LastHeartbeat
	if last.IsZero() {
		last = d.CreatedAt
	}
	if now.Sub(last) > s.cfg.HeartbeatMiss {
		return ReasonHeartbeatMissed
	}
	return ""
}

func (s *Spawner) timeout(ctx context.Context, d persistence.Daughter, reason string) {
	applied, _, err := s.finish(ctx, d.DaughterID, persistence.DaughterTimedOut, persistence.DaughterOutcome{
		Error:  reason,
		Reason: reason,
	})
	if err != nil {
		s.logger.Error("daughter timeout failed", "daughter_id", d.DaughterID, "error", err)
		return
	}
	if applied {
		s.logger.Warn("daughter timed out", "daughter_id", d.DaughterID, "reason", reason, "correlation_id", d.CorrelationID)
	}
}

// Recover times out live daughters whose handles this process does not
// know, which happens after a restart.
func (s *Spawner) Recover(ctx context.Context) (int, error) {
	live, err := s.store.ListDaughtersByState(ctx, persistence.DaughterStarting, persistence.DaughterRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range live {
		if d.Handle != "" {
			if _, err := s.launcher.Probe(ctx, d.Handle); !errors.Is(err, ErrUnknownHandle) {
				continue
			}
		}
		s.timeout(ctx, d, ReasonUnreachable)
		n++
	}
	if n > 0 {
		s.logger.Info("recovered orphaned daughters", "count", n)
	}
	return n, nil
}

// Run drives the monitor loop until ctx is cancelled.
func (s *Spawner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("monitor tick failed", "error", err)
			}
		}
	}
}

// Config returns the effective configuration.
func (s *Spawner) Config() Config { return s.cfg }
