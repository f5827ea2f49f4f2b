package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/vx11/internal/apierr"
	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/shared"
)

// Config tunes the swarm and the built-in scanners.
type Config struct {
	// Interval is the tick period of scanners registered without one.
	Interval       time.Duration
	PheromoneTTL   time.Duration
	CPUThreshold   float64
	ErrorWindow    time.Duration
	ErrorThreshold int
	DaughterGrace  time.Duration
	StaleAfter     time.Duration
	// Retention is how long reaped daughters are kept.
	Retention     time.Duration
	PurgeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.PheromoneTTL <= 0 {
		c.PheromoneTTL = DefaultPheromoneTTL
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = DefaultCPUThreshold
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 5 * time.Minute
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.DaughterGrace <= 0 {
		c.DaughterGrace = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Minute
	}
	return c
}

// Options are the collaborators injected into a Swarm. Audit defaults to
// writing straight to the store; a nil Sampler disables the CPU gate.
type Options struct {
	Store   *persistence.Store
	Audit   AuditRecorder
	Sampler Sampler
	Logger  *slog.Logger
	Clock   shared.Clock
	Tracer  trace.Tracer
	Metrics *vxotel.Metrics
}

// ScannerState is the externally visible state of one registered scanner.
type ScannerState struct {
	ScannerID       string     `json:"scanner_id"`
	Role            string     `json:"role"`
	IntervalSeconds int        `json:"interval_seconds"`
	Enabled         bool       `json:"enabled"`
	LastTickAt      *time.Time `json:"last_tick_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Observations    int64      `json:"observations"`
}

type member struct {
	scanner      Scanner
	interval     time.Duration
	enabled      bool
	lastTickAt   time.Time
	lastError    string
	observations int64
}

// PurgeResult counts the rows removed by one retention pass.
type PurgeResult struct {
	Pheromones int   `json:"pheromones"`
	Daughters  int64 `json:"daughters"`
}

// Swarm owns the scanners, incidents and pheromones.
type Swarm struct {
	cfg     Config
	store   *persistence.Store
	queen   *Queen
	logger  *slog.Logger
	clock   shared.Clock
	tracer  trace.Tracer
	metrics *vxotel.Metrics

	mu      sync.Mutex
	members []*member
	cron    *cronlib.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, opts Options) *Swarm {
	cfg = cfg.withDefaults()
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
	if opts.Audit == nil {
		opts.Audit = storeRecorder{store: opts.Store}
	}
	logger := opts.Logger.With("component", "scanner")
	return &Swarm{
		cfg:    cfg,
		store:  opts.Store,
		logger: logger,
		clock:  opts.Clock,
		tracer: opts.Tracer,
		queen: &Queen{
			store:     opts.Store,
			audit:     opts.Audit,
			sampler:   opts.Sampler,
			threshold: cfg.CPUThreshold,
			ttl:       cfg.PheromoneTTL,
			clock:     opts.Clock,
			logger:    logger,
			metrics:   opts.Metrics,
		},
		metrics: opts.Metrics,
	}
}

// Defaults returns the built-in scanners configured from the swarm's
// config. fingerprints may be nil.
func (s *Swarm) Defaults(sampler Sampler, fingerprints func() (string, string, error)) []Scanner {
	out := []Scanner{
		&ZombieScanner{Store: s.store, Clock: s.clock, Grace: s.cfg.DaughterGrace, StaleAfter: s.cfg.StaleAfter},
		&ErrorRecurrentScanner{Store: s.store, Clock: s.clock, Window: s.cfg.ErrorWindow, Threshold: s.cfg.ErrorThreshold},
		&DriftScanner{Store: s.store, Clock: s.clock, Fingerprints: fingerprints},
	}
	if sampler != nil {
		out = append(out, &CPUScanner{Sampler: sampler, Threshold: s.cfg.CPUThreshold})
	}
	return out
}

func (s *Swarm) Config() Config { return s.cfg }

// Register adds a scanner. A zero interval uses the configured default. The
// set is fixed once Start has run.
func (s *Swarm) Register(sc Scanner, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("register %s: swarm already started", sc.ID())
	}
	for _, m := range s.members {
		if m.scanner.ID() == sc.ID() {
			return fmt.Errorf("register %s: duplicate scanner id", sc.ID())
		}
	}
	if interval <= 0 {
		interval = s.cfg.Interval
	}
	s.members = append(s.members, &member{scanner: sc, interval: interval, enabled: true})
	return nil
}

// SetEnabled turns a scanner on or off. Disabled scanners skip their ticks.
func (s *Swarm) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookup(id)
	if m == nil {
		return apierr.New(apierr.CodeNotFound, "unknown scanner %s", id)
	}
	m.enabled = enabled
	return nil
}

// Scanners returns the state of every registered scanner.
func (s *Swarm) Scanners() []ScannerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScannerState, 0, len(s.members))
	for _, m := range s.members {
		st := ScannerState{
			ScannerID:       m.scanner.ID(),
			Role:            m.scanner.Role(),
			IntervalSeconds: int(m.interval / time.Second),
			Enabled:         m.enabled,
			LastError:       m.lastError,
			Observations:    m.observations,
		}
		if !m.lastTickAt.IsZero() {
			at := m.lastTickAt
			st.LastTickAt = &at
		}
		out = append(out, st)
	}
	return out
}

func (s *Swarm) lookup(id string) *member {
	for _, m := range s.members {
		if m.scanner.ID() == id {
			return m
		}
	}
	return nil
}

// Tick runs every enabled scanner once, in registration order.
func (s *Swarm) Tick(ctx context.Context) error {
	s.mu.Lock()
	members := append([]*member(nil), s.members...)
	s.mu.Unlock()
	var errs []error
	for _, m := range members {
		if _, err := s.run(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunScanner runs one scanner immediately, even when it is disabled, and
// returns the incidents it recorded.
func (s *Swarm) RunScanner(ctx context.Context, id string) ([]persistence.Incident, error) {
	s.mu.Lock()
	m := s.lookup(id)
	s.mu.Unlock()
	if m == nil {
		return nil, apierr.New(apierr.CodeNotFound, "unknown scanner %s", id)
	}
	return s.scan(ctx, m)
}

func (s *Swarm) run(ctx context.Context, m *member) ([]persistence.Incident, error) {
	s.mu.Lock()
	enabled := m.enabled
	s.mu.Unlock()
	if !enabled {
		return nil, nil
	}
	return s.scan(ctx, m)
}

func (s *Swarm) scan(ctx context.Context, m *member) ([]persistence.Incident, error) {
	id := m.scanner.ID()
	ctx = shared.WithCorrelationID(ctx, shared.NewID("scan"))
	ctx = shared.WithActor(ctx, "scanner:"+id)
	ctx, span := vxotel.StartSpan(ctx, s.tracer, "scanner.tick", vxotel.AttrScannerID.String(id))
	defer span.End()

	obs, scanErr := m.scanner.Scan(ctx)
	var (
		recorded []persistence.Incident
		errs     []error
	)
	if scanErr != nil {
		errs = append(errs, fmt.Errorf("scanner %s: %w", id, scanErr))
	}
	for _, o := range obs {
		inc, _, err := s.Record(ctx, id, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("scanner %s: %w", id, err))
			continue
		}
		recorded = append(recorded, *inc)
	}
	err := errors.Join(errs...)

	s.mu.Lock()
	m.lastTickAt = s.clock.Now()
	m.observations += int64(len(recorded))
	m.lastError = ""
	if err != nil {
		m.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("scanner tick failed", "scanner_id", id, "error", err)
	} else if len(recorded) > 0 {
		s.logger.Info("scanner tick", "scanner_id", id, "incidents", len(recorded))
	}
	return recorded, err
}

// Record stores one observation as an incident (deduplicated on kind and
// subject) and lets the Queen answer it.
func (s *Swarm) Record(ctx context.Context, scannerID string, o Observation) (*persistence.Incident, *persistence.Pheromone, error) {
	if err := validate(o); err != nil {
		return nil, nil, apierr.Wrap(apierr.CodeBadRequest, err, "invalid observation")
	}
	details, err := encodeDetails(o.Details)
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()
	inc, created, err := s.store.UpsertIncident(ctx, persistence.Incident{
		Kind:      o.Kind,
		Severity:  o.Severity,
		Subject:   o.Subject,
		DedupKey:  DedupKey(o.Kind, o.Subject),
		FirstSeen: now,
		LastSeen:  now,
		ScannerID: scannerID,
		Details:   details,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("record incident: %w", err)
	}
	if created {
		s.metrics.IncidentsRecorded.Add(ctx, 1, metric.WithAttributes(
			vxotel.AttrIncidentKind.String(o.Kind),
			vxotel.AttrScannerID.String(scannerID)))
	}
	p, err := s.queen.Emit(ctx, inc)
	if err != nil {
		return inc, nil, fmt.Errorf("emit pheromone: %w", err)
	}
	return inc, p, nil
}

// Incidents lists incidents, most recently seen first.
func (s *Swarm) Incidents(ctx context.Context, openOnly bool, limit int) ([]persistence.Incident, error) {
	return s.store.ListIncidents(ctx, openOnly, limit)
}

// Resolve closes an open incident. resolved is false when it was already
// closed.
func (s *Swarm) Resolve(ctx context.Context, incidentID string) (inc *persistence.Incident, resolved bool, err error) {
	resolved, err = s.store.ResolveIncident(ctx, incidentID, s.clock.Now())
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, false, apierr.New(apierr.CodeNotFound, "unknown incident %s", incidentID)
	}
	if err != nil {
		return nil, false, err
	}
	inc, err = s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, false, err
	}
	return inc, resolved, nil
}

// Pheromones returns the live pheromones, optionally of one kind.
func (s *Swarm) Pheromones(ctx context.Context, kind string) ([]persistence.Pheromone, error) {
	return s.store.ListPheromones(ctx, kind, s.clock.Now())
}

// Purge deletes expired pheromones and daughters reaped longer than the
// retention period ago.
func (s *Swarm) Purge(ctx context.Context) (PurgeResult, error) {
	now := s.clock.Now()
	var res PurgeResult
	n, err := s.store.PurgeExpiredPheromones(ctx, now)
	if err != nil {
		return res, err
	}
	res.Pheromones = n
	d, err := s.store.PurgeReapedDaughters(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return res, err
	}
	res.Daughters = d
	if res.Pheromones > 0 || res.Daughters > 0 {
		s.logger.Info("retention purge", "pheromones", res.Pheromones, "daughters", res.Daughters)
	}
	return res, nil
}

// Start schedules every registered scanner on its own "@every" cron entry
// plus the retention job, and fires one tick immediately.
func (s *Swarm) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("swarm already started")
	}
	cronLogger := cronlib.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	c := cronlib.New(
		cronlib.WithLogger(cronLogger),
		cronlib.WithChain(cronlib.Recover(cronLogger), cronlib.SkipIfStillRunning(cronLogger)),
	)
	ctx, cancel := context.WithCancel(ctx)
	for _, m := range s.members {
		sched, err := cronlib.ParseStandard("@every " + m.interval.String())
		if err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", m.scanner.ID(), err)
		}
		c.Schedule(sched, cronlib.FuncJob(func() {
			_, _ = s.run(ctx, m)
		}))
	}
	if _, err := c.AddFunc("@every "+s.cfg.PurgeInterval.String(), func() {
		if _, err := s.Purge(ctx); err != nil {
			s.logger.Error("retention purge failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule retention: %w", err)
	}
	s.cron = c
	s.cancel = cancel
	c.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Tick(ctx)
	}()
	s.logger.Info("scanner swarm started", "scanners", len(s.members), "default_interval", s.cfg.Interval)
	return nil
}

// Stop halts scheduling and waits for running ticks to return.
func (s *Swarm) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scanner swarm stopped")
}
