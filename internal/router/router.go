package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
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

// Health states reported per provider.
const (
	HealthUp      = "UP"
	HealthDown    = "DOWN"
	HealthUnknown = "UNKNOWN"
)

// Config tunes scoring, breakers and call timeouts.
type Config struct {
	Decay       float64
	Breaker     BreakerConfig
	CallTimeout time.Duration
}

// Options are the collaborators injected into a Router.
type Options struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Clock   shared.Clock
	Tracer  trace.Tracer
	Metrics *vxotel.Metrics
	// Policy gates POST /execute on the router target. Nil admits all.
	Policy  policy.Checker
	Windows policy.WindowSource
}

type entry struct {
	mu       sync.Mutex
	provider Provider
	rec      persistence.ProviderRecord
	breaker  Breaker
	inFlight atomic.Int64
}

// Router owns providers and their breakers. Every provider has its own lock;
// there is no global lock on the call path.
type Router struct {
	cfg     Config
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	clock   shared.Clock
	tracer  trace.Tracer
	metrics *vxotel.Metrics
	policy  policy.Checker
	windows policy.WindowSource

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a Router.
func New(cfg Config, opts Options) *Router {
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = DefaultDecay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	cfg.Breaker = cfg.Breaker.withDefaults()
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
	return &Router{
		cfg:     cfg,
		store:   opts.Store,
		bus:     opts.Bus,
		logger:  opts.Logger.With("component", "router"),
		clock:   opts.Clock,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		policy:  opts.Policy,
		windows: opts.Windows,
		entries: make(map[string]*entry),
	}
}

// Register adds a provider, restoring its persisted score and breaker.
func (r *Router) Register(ctx context.Context, p Provider) error {
	if p.ID() == "" {
		return fmt.Errorf("provider id is required")
	}
	url := ""
	if hp, ok := p.(*HTTPProvider); ok {
		url = hp.BaseURL
	}
	rec, err := r.store.RegisterProvider(ctx, persistence.ProviderRecord{
		ProviderID:   p.ID(),
		URL:          url,
		Capabilities: p.Capabilities(),
		HealthState:  HealthUnknown,
		BreakerState: string(BreakerClosed),
		Cooldown:     r.cfg.Breaker.Cooldown,
		UpdatedAt:    r.clock.Now(),
	})
	if err != nil {
		return err
	}
	e := &entry{provider: p, rec: *rec}
	e.breaker = Breaker{
		State:               BreakerState(rec.BreakerState),
		ConsecutiveFailures: rec.ConsecutiveFailures,
		OpenedAt:            rec.OpenedAt,
		Cooldown:            rec.Cooldown,
	}
	if e.breaker.Cooldown <= 0 {
		e.breaker.Cooldown = r.cfg.Breaker.Cooldown
	}
	if e.breaker.State == "" {
		e.breaker.State = BreakerClosed
	}

	r.mu.Lock()
	r.entries[p.ID()] = e
	r.mu.Unlock()
	r.logger.Info("provider registered", "provider_id", p.ID(), "capabilities", p.Capabilities(),
		"score", rec.Score, "breaker", rec.BreakerState)
	return nil
}

// Providers returns the registered provider ids.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Router) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Lease is a reserved call slot on one provider.
type Lease struct {
	ProviderID string
	Probe      bool

	e    *entry
	done atomic.Bool
}

type candidate struct {
	e        *entry
	score    float64
	inFlight int64
	lastAt   time.Time
}

// Select picks a provider serving capability. Providers whose circuit is
// OPEN are skipped; ties on score go to fewer in-flight calls, then to the
// provider with the oldest last outcome. A HALF_OPEN winner is leased as a
// probe.
func (r *Router) Select(ctx context.Context, capability string) (*Lease, error) {
	now := r.clock.Now()
	var (
		cands     []candidate
		matched   int
		retryHint time.Duration
	)
	for _, e := range r.all() {
		if !slices.Contains(e.provider.Capabilities(), capability) {
			continue
		}
		matched++
		e.mu.Lock()
		if e.breaker.Refresh(now) {
			r.persistLocked(ctx, e, "", 0, BreakerOpen)
		}
		if !e.breaker.CanAcquire(r.cfg.Breaker) {
			if in := e.breaker.RetryIn(now); in > 0 && (retryHint == 0 || in < retryHint) {
				retryHint = in
			}
			e.mu.Unlock()
			continue
		}
		cands = append(cands, candidate{e: e, score: e.rec.Score, inFlight: e.inFlight.Load(), lastAt: e.rec.LastOutcomeAt})
		e.mu.Unlock()
	}
	if matched == 0 {
		return nil, apierr.New(apierr.CodeProviderUnavailable, "no provider offers capability %q", capability).
			WithDetail("capability", capability)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.inFlight != b.inFlight {
			return a.inFlight < b.inFlight
		}
		if !a.lastAt.Equal(b.lastAt) {
			return a.lastAt.Before(b.lastAt)
		}
		return a.e.provider.ID() < b.e.provider.ID()
	})

	for _, c := range cands {
		c.e.mu.Lock()
		ok, probe := c.e.breaker.Acquire(r.cfg.Breaker)
		c.e.mu.Unlock()
		if !ok {
			continue
		}
		c.e.inFlight.Add(1)
		return &Lease{ProviderID: c.e.provider.ID(), Probe: probe, e: c.e}, nil
	}
	return nil, apierr.New(apierr.CodeProviderUnavailable, "every provider for %q has an open circuit", capability).
		WithRetryAfter(retryHint).
		WithDetail("capability", capability)
}

// Release frees a lease without scoring the provider, e.g. when the caller
// cancelled before the call completed.
func (r *Router) Release(l *Lease) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return
	}
	l.e.inFlight.Add(-1)
	l.e.mu.Lock()
	l.e.breaker.Release(l.Probe)
	l.e.mu.Unlock()
}

// Complete records the outcome of a leased call and returns the new score.
func (r *Router) Complete(ctx context.Context, l *Lease, o Outcome) (float64, error) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("lease already completed")
	}
	l.e.inFlight.Add(-1)
	return r.record(ctx, l.e, o, l.Probe)
}

// RecordOutcome scores a provider for a call made outside a lease.
func (r *Router) RecordOutcome(ctx context.Context, providerID string, o Outcome) (float64, error) {
	e := r.lookup(providerID)
	if e == nil {
		return 0, apierr.New(apierr.CodeNotFound, "provider %q not registered", providerID)
	}
	return r.record(ctx, e, o, false)
}

func (r *Router) record(ctx context.Context, e *entry, o Outcome, probe bool) (float64, error) {
	now := r.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	prevScore := e.rec.Score
	before := e.breaker.State
	e.rec.Score = NextScore(prevScore, r.cfg.Decay, o)
	if o.IsFailure() {
		e.rec.Failures++
	} else {
		e.rec.Successes++
		e.rec.HealthState = HealthUp
	}
	e.rec.LastOutcome = string(o)
	e.rec.LastOutcomeAt = now
	e.breaker.Record(r.cfg.Breaker, o, probe, now)
	if e.breaker.State == BreakerOpen {
		e.rec.HealthState = HealthDown
	}
	if err := r.persistLocked(ctx, e, o, prevScore, before); err != nil {
		return e.rec.Score, err
	}

	attrs := metric.WithAttributes(attribute.String("provider", e.provider.ID()), attribute.String("outcome", string(o)))
	r.metrics.ProviderOutcomes.Add(ctx, 1, attrs)
	r.bus.Publish(bus.TopicProviderOutcome, bus.ProviderOutcomeEvent{ProviderID: e.provider.ID(), Outcome: string(o), Score: e.rec.Score})
	r.logger.Debug("provider outcome", "provider_id", e.provider.ID(), "outcome", o,
		"score_before", prevScore, "score_after", e.rec.Score, "breaker", e.breaker.State,
		"correlation_id", shared.CorrelationID(ctx))
	return e.rec.Score, nil
}

// persistLocked writes the entry's record; e.mu must be held.
func (r *Router) persistLocked(ctx context.Context, e *entry, o Outcome, prevScore float64, before BreakerState) error {
	e.rec.BreakerState = string(e.breaker.State)
	e.rec.ConsecutiveFailures = e.breaker.ConsecutiveFailures
	e.rec.OpenedAt = e.breaker.OpenedAt
	e.rec.Cooldown = e.breaker.Cooldown
	e.rec.UpdatedAt = r.clock.Now()
	err := r.store.SaveProviderState(ctx, e.rec, persistence.ProviderChange{
		Outcome:       string(o),
		PrevScore:     prevScore,
		BreakerBefore: string(before),
		CorrelationID: shared.CorrelationID(ctx),
	})
	if err != nil {
		r.logger.Error("persist provider state failed", "provider_id", e.provider.ID(), "error", err)
		return err
	}
	if before != "" && before != e.breaker.State {
		r.metrics.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", e.provider.ID()), attribute.String("to", string(e.breaker.State))))
		r.bus.Publish(bus.TopicBreakerChanged, bus.BreakerChangedEvent{ProviderID: e.provider.ID(), From: string(before), To: string(e.breaker.State)})
		r.logger.Warn("circuit breaker transition", "provider_id", e.provider.ID(), "from", before, "to", e.breaker.State,
			"cooldown", e.breaker.Cooldown.String())
	}
	return nil
}

// Result is a completed provider call.
type Result struct {
	ProviderID string
	Outcome    Outcome
	Score      float64
	Response   *Response
}

// Execute selects a provider for req.Capability, calls it with a timeout
// and scores the outcome. A cancelled caller releases the lease without
// scoring.
func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, span := vxotel.StartClientSpan(ctx, r.tracer, "router.execute",
		vxotel.AttrIntentType.String(req.IntentType),
		vxotel.AttrCorrelationID.String(req.CorrelationID))
	defer span.End()

	lease, err := r.Select(ctx, req.Capability)
	if err != nil {
		span.SetAttributes(vxotel.AttrErrorCode.String(string(apierr.CodeOf(err))))
		return nil, err
	}
	span.SetAttributes(vxotel.AttrProviderID.String(lease.ProviderID))

	timeout := r.cfg.CallTimeout
	if t, ok := lease.e.provider.(Timeouter); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, callErr := lease.e.provider.Execute(callCtx, req)
	r.metrics.ProviderCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", lease.ProviderID)))

	if callErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		r.Release(lease)
		return nil, ctx.Err()
	}
	if callErr != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(callErr, context.DeadlineExceeded) {
		callErr = fmt.Errorf("%w: %v", context.DeadlineExceeded, callErr)
	}
	outcome := ClassifyOutcome(resp, callErr)
	span.SetAttributes(vxotel.AttrOutcome.String(string(outcome)))
	score, recErr := r.Complete(ctx, lease, outcome)
	if recErr != nil {
		r.logger.Warn("record outcome failed", "provider_id", lease.ProviderID, "error", recErr)
	}

	if callErr != nil {
		return nil, callError(lease.ProviderID, outcome, callErr)
	}
	if resp == nil {
		resp = &Response{}
	}
	return &Result{ProviderID: lease.ProviderID, Outcome: outcome, Score: score, Response: resp}, nil
}

func callError(providerID string, o Outcome, err error) error {
	var ae *apierr.Error
	switch o {
	case OutcomeTimeout:
		return apierr.Wrap(apierr.CodeUpstreamTimeout, err, "provider "+providerID+" timed out").
			WithDetail("provider_id", providerID)
	case OutcomeFailure:
		if errors.As(err, &ae) {
			return ae
		}
		return apierr.Wrap(apierr.CodeBadRequest, err, "provider "+providerID+" rejected the request")
	default:
		if errors.As(err, &ae) && apierr.IsTransient(ae) {
			return ae
		}
		return apierr.Wrap(apierr.CodeUpstreamUnreachable, err, "provider "+providerID+" failed").
			WithDetail("provider_id", providerID)
	}
}

// CheckHealth probes every provider that implements HealthChecker and
// records its health state. It never changes scores or breakers.
func (r *Router) CheckHealth(ctx context.Context) {
	for _, e := range r.all() {
		hc, ok := e.provider.(HealthChecker)
		if !ok {
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := hc.Health(hctx)
		cancel()
		state := HealthUp
		if err != nil {
			state = HealthDown
		}
		e.mu.Lock()
		if e.rec.HealthState != state {
			e.rec.HealthState = state
			_ = r.persistLocked(ctx, e, "", e.rec.Score, e.breaker.State)
			r.logger.Info("provider health changed", "provider_id", e.provider.ID(), "health", state, "error", err)
		}
		e.mu.Unlock()
	}
}

// ProviderView is the snapshot served by GET /providers.
type ProviderView struct {
	ProviderID          string    `json:"provider_id"`
	Capabilities        []string  `json:"capabilities"`
	HealthState         string    `json:"health_state"`
	Score               float64   `json:"score"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	LastOutcome         string    `json:"last_outcome,omitempty"`
	LastOutcomeAt       time.Time `json:"last_outcome_at,omitzero"`
	InFlight            int64     `json:"in_flight"`
	Circuit             string    `json:"circuit"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	CooldownMs          int64     `json:"cooldown_ms"`
}

// Snapshot returns every provider ordered by score, best first.
func (r *Router) Snapshot() []ProviderView {
	now := r.clock.Now()
	var out []ProviderView
	for _, e := range r.all() {
		e.mu.Lock()
		state := e.breaker.State
		if state == BreakerOpen && !now.Before(e.breaker.OpenedAt.Add(e.breaker.Cooldown)) {
			state = BreakerHalfOpen
		}
		out = append(out, ProviderView{
			ProviderID:          e.provider.ID(),
			Capabilities:        append([]string(nil), e.provider.Capabilities()...),
			HealthState:         e.rec.HealthState,
			Score:               e.rec.Score,
			Successes:           e.rec.Successes,
			Failures:            e.rec.Failures,
			LastOutcome:         e.rec.LastOutcome,
			LastOutcomeAt:       e.rec.LastOutcomeAt,
			InFlight:            e.inFlight.Load(),
			Circuit:             string(state),
			ConsecutiveFailures: e.breaker.ConsecutiveFailures,
			OpenedAt:            e.breaker.OpenedAt,
			CooldownMs:          e.breaker.Cooldown.Milliseconds(),
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out
}
