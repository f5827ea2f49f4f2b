// Package gateway is the single public entrypoint of the control plane. It
// authenticates submitters, rate-limits them, maps each intent type to a
// target through the route table, asks the policy engine whether that
// target is reachable and forwards accepted intents to the orchestrator.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/bus"
	"github.com/basket/vx11/internal/orchestrator"
	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
)

// HeaderIdempotencyKey may carry the idempotency key instead of the body.
const HeaderIdempotencyKey = "Idempotency-Key"

// State reported for intents without a plan.
const (
	StateAccepted = "ACCEPTED"
	StateRejected = "REJECTED"
)

// Config controls gateway admission.
type Config struct {
	AuthMode           string
	DevMode            bool
	Tokens             []string
	RateLimitPerMinute int
	IdempotencyWindow  time.Duration
	AllowOrigins       []string
	MaxBodyBytes       int64
	// StreamPollInterval is how often a timeline stream re-reads the store
	// in case a bus event was dropped.
	StreamPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthMode == "" {
		c.AuthMode = AuthModeToken
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 5 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = apierr.MaxBodyBytes
	}
	if c.StreamPollInterval <= 0 {
		c.StreamPollInterval = time.Second
	}
	return c
}

// Options are the collaborators of a Server. Audit, Bus, Logger, Clock,
// Tracer and Metrics are optional.
type Options struct {
	Store     *persistence.Store
	Forwarder Forwarder
	Policy    policy.Checker
	Routes    *RouteTable
	Audit     AuditRecorder
	Bus       *bus.Bus
	Logger    *slog.Logger
	Clock     shared.Clock
	Tracer    trace.Tracer
	Metrics   *vxotel.Metrics
}

type Server struct {
	cfg     Config
	store   *persistence.Store
	fwd     Forwarder
	policy  policy.Checker
	routes  *RouteTable
	audit   AuditRecorder
	bus     *bus.Bus
	logger  *slog.Logger
	clock   shared.Clock
	tracer  trace.Tracer
	metrics *vxotel.Metrics
	auth    *AuthMiddleware
	limiter *RateLimiter

	fingerprint atomic.Value
}

func New(cfg Config, opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if opts.Forwarder == nil {
		return nil, errors.New("gateway: forwarder is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("gateway: policy is required")
	}
	if opts.Routes == nil {
		rt, err := NewRouteTable(DefaultRoutes())
		if err != nil {
			return nil, err
		}
		opts.Routes = rt
	}
	if opts.Audit == nil {
		opts.Audit = storeRecorder{store: opts.Store}
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
	cfg = cfg.withDefaults()
	logger := opts.Logger.With("component", "gateway")
	s := &Server{
		cfg:     cfg,
		store:   opts.Store,
		fwd:     opts.Forwarder,
		policy:  opts.Policy,
		routes:  opts.Routes,
		audit:   opts.Audit,
		bus:     opts.Bus,
		logger:  logger,
		clock:   opts.Clock,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		auth:    NewAuthMiddleware(cfg.AuthMode, cfg.DevMode, cfg.Tokens, logger),
		limiter: NewRateLimiter(cfg.RateLimitPerMinute, opts.Clock, opts.Metrics),
	}
	s.fingerprint.Store("")
	return s, nil
}

// SetConfigFingerprint sets the fingerprint reported by /health.
func (s *Server) SetConfigFingerprint(fp string) { s.fingerprint.Store(fp) }

// Routes returns the live route table.
func (s *Server) Routes() *RouteTable { return s.routes }

// Start runs the maintenance loops until ctx is done: rate limit counter
// eviction and idempotency key expiry.
func (s *Server) Start(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.purgeIdempotencyKeys(ctx)
			}
		}
	}()
}

func (s *Server) purgeIdempotencyKeys(ctx context.Context) {
	n, err := s.store.PurgeIdempotencyKeys(ctx, s.clock.Now().Add(-s.cfg.IdempotencyWindow))
	if err != nil {
		s.logger.Warn("idempotency purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("idempotency keys purged", "count", n)
	}
}

// Handler serves the gateway HTTP API.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(shared.RequestContext(policy.TargetGateway))
	mux.Use(s.instrument)
	mux.Use(NewCORSMiddleware(s.cfg.AllowOrigins))
	mux.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))
	mux.Use(s.auth.Wrap)
	mux.Use(s.limiter.Wrap)

	mux.Get("/health", s.handleHealth)
	mux.Get("/routes", s.handleRoutes)
	mux.Post("/intents", s.handleSubmit)
	mux.Get("/intents/{correlation_id}", s.handleStatus)
	mux.Post("/intents/{correlation_id}/cancel", s.handleCancel)
	mux.Get("/intents/{correlation_id}/stream", s.handleStream)
	mux.Get("/audit", s.handleAudit)
	return mux
}

// instrument wraps each request in a server span and records its duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := vxotel.StartServerSpan(r.Context(), s.tracer, "gateway "+r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("route", route), attribute.String("method", r.Method)))
	})
}

// IntentRequest is the body of POST /intents.
type IntentRequest struct {
	IntentType     string          `json:"intent_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// IntentResponse is returned for accepted intents.
type IntentResponse struct {
	CorrelationID string `json:"correlation_id"`
	Accepted      bool   `json:"accepted"`
	Deduplicated  bool   `json:"deduplicated,omitempty"`
	PlanID        string `json:"plan_id,omitempty"`
	State         string `json:"state,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := apierr.DecodeJSON(r, &req); err != nil {
		apierr.Write(w, err, "")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	}
	resp, err := s.Submit(r.Context(), Submitter(r.Context()), req)
	if err != nil {
		apierr.Write(w, err, resp.CorrelationID)
		return
	}
	status := http.StatusAccepted
	if resp.Deduplicated {
		status = http.StatusOK
	}
	apierr.WriteJSON(w, status, resp)
}

// Submit admits one intent: route lookup, payload validation, policy gate,
// idempotency, intent record and forward. The returned response always
// carries the correlation id, also when err is non-nil.
func (s *Server) Submit(ctx context.Context, submitter string, req IntentRequest) (IntentResponse, error) {
	cid := shared.NewCorrelationID()
	ctx = shared.WithActor(shared.WithCorrelationID(ctx, cid), policy.TargetGateway)
	resp := IntentResponse{CorrelationID: cid}
	req.IntentType = strings.TrimSpace(req.IntentType)

	ctx, span := vxotel.StartSpan(ctx, s.tracer, "gateway.submit",
		vxotel.AttrCorrelationID.String(cid), vxotel.AttrIntentType.String(req.IntentType))
	defer span.End()

	if req.IntentType == "" {
		return resp, s.reject(ctx, req, "", apierr.New(apierr.CodeBadRequest, "intent_type is required"))
	}
	route, ok := s.routes.Lookup(req.IntentType)
	if !ok {
		return resp, s.reject(ctx, req, "", apierr.New(apierr.CodeUnknownIntent, "unknown intent type %q", req.IntentType))
	}
	span.SetAttributes(vxotel.AttrTarget.String(route.Target))
	if err := s.routes.Validate(req.IntentType, req.Payload); err != nil {
		return resp, s.reject(ctx, req, route.Target, err)
	}
	if err := s.gate(ctx, route.Target); err != nil {
		return resp, s.reject(ctx, req, route.Target, err)
	}
	hash, err := shared.PayloadHash(req.Payload)
	if err != nil {
		return resp, s.reject(ctx, req, route.Target, apierr.Wrap(apierr.CodeBadRequest, err, "payload is not valid JSON"))
	}

	now := s.clock.Now()
	if req.IdempotencyKey != "" {
		existing, claimed, err := s.store.ClaimIdempotencyKey(ctx, persistence.IdempotencyRecord{
			Submitter:      submitter,
			IdempotencyKey: req.IdempotencyKey,
			IntentType:     req.IntentType,
			PayloadHash:    hash,
			CorrelationID:  cid,
			CreatedAt:      now,
		}, now.Add(-s.cfg.IdempotencyWindow))
		if err != nil {
			return resp, err
		}
		if !claimed {
			if existing.IntentType != req.IntentType || existing.PayloadHash != hash {
				return resp, s.reject(ctx, req, route.Target,
					apierr.New(apierr.CodeConflict, "idempotency key %q was used for a different intent", req.IdempotencyKey))
			}
			dctx := shared.WithCorrelationID(ctx, existing.CorrelationID)
			s.record(dctx, persistence.AuditIntentDeduplicated, "intent", existing.CorrelationID, map[string]any{
				"intent_type":     req.IntentType,
				"idempotency_key": req.IdempotencyKey,
			})
			s.logger.InfoContext(dctx, "intent deduplicated", "intent_type", req.IntentType)
			return IntentResponse{CorrelationID: existing.CorrelationID, Accepted: true, Deduplicated: true}, nil
		}
	}

	intentID := shared.NewID("intent")
	if err := s.store.InsertIntent(ctx, persistence.Intent{
		IntentID:       intentID,
		IntentType:     req.IntentType,
		Payload:        req.Payload,
		PayloadHash:    hash,
		Submitter:      submitter,
		CorrelationID:  cid,
		IdempotencyKey: req.IdempotencyKey,
		Target:         route.Target,
		SubmittedAt:    now,
	}); err != nil {
		s.releaseKey(ctx, submitter, req.IdempotencyKey, cid)
		return resp, err
	}

	plan, _, err := s.fwd.Submit(ctx, orchestrator.SubmitRequest{
		IntentID:      intentID,
		CorrelationID: cid,
		IntentType:    req.IntentType,
		Target:        route.Target,
		Executor:      route.Executor,
		Payload:       req.Payload,
	})
	if err != nil {
		s.releaseKey(ctx, submitter, req.IdempotencyKey, cid)
		e := apierr.From(err)
		if e.Code == apierr.CodeUpstreamUnreachable && !e.HasRetryAfter {
			e = e.WithRetryAfter(apierr.DefaultRetryAfter)
		}
		s.record(ctx, persistence.AuditIntentRejected, "intent", intentID, map[string]any{
			"intent_type": req.IntentType,
			"target":      route.Target,
			"code":        string(e.Code),
			"reason":      e.Reason,
			"stage":       "forward",
		})
		s.metrics.IntentsRejected.Add(ctx, 1, metric.WithAttributes(vxotel.AttrErrorCode.String(string(e.Code))))
		span.SetStatus(codes.Error, e.Reason)
		s.logger.WarnContext(ctx, "intent forward failed", "intent_type", req.IntentType, "code", e.Code, "error", err)
		return resp, e
	}

	s.metrics.IntentsAccepted.Add(ctx, 1, metric.WithAttributes(vxotel.AttrIntentType.String(req.IntentType)))
	s.logger.InfoContext(ctx, "intent accepted", "intent_type", req.IntentType,
		"target", route.Target, "plan_id", plan.PlanID)
	resp.Accepted = true
	resp.PlanID = plan.PlanID
	resp.State = string(plan.State)
	return resp, nil
}

// gate asks the policy engine whether target is reachable.
func (s *Server) gate(ctx context.Context, target string) error {
	return policy.Gate(ctx, s.policy, s.fwd.ActiveWindows, target, s.clock.Now())
}

// reject audits and counts a refused intent and returns err unchanged.
func (s *Server) reject(ctx context.Context, req IntentRequest, target string, err error) error {
	e := apierr.From(err)
	s.record(ctx, persistence.AuditIntentRejected, "intent", shared.CorrelationID(ctx), map[string]any{
		"intent_type": req.IntentType,
		"target":      target,
		"code":        string(e.Code),
		"reason":      e.Reason,
	})
	s.metrics.IntentsRejected.Add(ctx, 1, metric.WithAttributes(vxotel.AttrErrorCode.String(string(e.Code))))
	trace.SpanFromContext(ctx).SetStatus(codes.Error, string(e.Code))
	s.logger.InfoContext(ctx, "intent rejected",
		"intent_type", req.IntentType, "target", target, "code", e.Code, "reason", e.Reason)
	return err
}

func (s *Server) record(ctx context.Context, kind, entityType, entityID string, details map[string]any) {
	if _, err := s.audit.Record(ctx, kind, entityType, entityID, details); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "kind", kind, "error", err)
	}
}

func (s *Server) releaseKey(ctx context.Context, submitter, key, cid string) {
	if key == "" {
		return
	}
	if err := s.store.ReleaseIdempotencyKey(ctx, submitter, key, cid); err != nil {
		s.logger.Warn("release idempotency key failed", "correlation_id", cid, "error", err)
	}
}

// IntentStatus is the body of GET /intents/{correlation_id}.
type IntentStatus struct {
	CorrelationID string                   `json:"correlation_id"`
	IntentType    string                   `json:"intent_type,omitempty"`
	State         string                   `json:"state"`
	PlanID        string                   `json:"plan_id,omitempty"`
	Result        json.RawMessage          `json:"result,omitempty"`
	Error         *StatusError             `json:"error,omitempty"`
	Timeline      []persistence.AuditEvent `json:"timeline"`
}

type StatusError struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Status assembles the state and audit timeline of one correlation id.
func (s *Server) Status(ctx context.Context, cid string) (*IntentStatus, error) {
	timeline, err := s.store.ListAuditByCorrelation(ctx, cid, 0, 0)
	if err != nil {
		return nil, err
	}
	if timeline == nil {
		timeline = []persistence.AuditEvent{}
	}
	st := &IntentStatus{CorrelationID: cid, Timeline: timeline}

	in, err := s.store.GetIntentByCorrelation(ctx, cid)
	if errors.Is(err, persistence.ErrNotFound) {
		for _, ev := range timeline {
			if ev.Kind != persistence.AuditIntentRejected {
				continue
			}
			var d struct {
				IntentType string `json:"intent_type"`
				Code       string `json:"code"`
				Reason     string `json:"reason"`
			}
			_ = json.Unmarshal(ev.Details, &d)
			st.IntentType = d.IntentType
			st.State = StateRejected
			st.Error = &StatusError{Code: d.Code, Reason: d.Reason}
			return st, nil
		}
		return nil, apierr.New(apierr.CodeNotFound, "unknown correlation id %q", cid)
	}
	if err != nil {
		return nil, err
	}
	st.IntentType = in.IntentType
	st.State = StateAccepted

	plan, err := s.fwd.GetByCorrelation(ctx, cid)
	switch {
	case apierr.IsCode(err, apierr.CodeNotFound):
		for _, ev := range timeline {
			if ev.Kind == persistence.AuditIntentRejected {
				var d StatusError
				_ = json.Unmarshal(ev.Details, &d)
				st.State = StateRejected
				st.Error = &d
			}
		}
		return st, nil
	case err != nil:
		return nil, err
	}
	st.PlanID = plan.PlanID
	st.State = string(plan.State)
	st.Result = plan.Result
	if plan.LastErrorCode != "" {
		st.Error = &StatusError{Code: plan.LastErrorCode, Reason: plan.LastError}
	}
	return st, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "correlation_id")
	st, err := s.Status(r.Context(), cid)
	if err != nil {
		apierr.Write(w, err, cid)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, st)
}

// Cancel stops the plan of a correlation id.
func (s *Server) Cancel(ctx context.Context, cid string) (*persistence.Plan, error) {
	ctx = shared.WithCorrelationID(ctx, cid)
	if _, err := s.store.GetIntentByCorrelation(ctx, cid); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, apierr.New(apierr.CodeNotFound, "unknown correlation id %q", cid)
		}
		return nil, err
	}
	plan, err := s.fwd.GetByCorrelation(ctx, cid)
	if err != nil {
		return nil, err
	}
	plan, err = s.fwd.Cancel(ctx, plan.PlanID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("intent cancelled", "correlation_id", cid, "plan_id", plan.PlanID, "state", plan.State)
	return plan, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "correlation_id")
	plan, err := s.Cancel(r.Context(), cid)
	if err != nil {
		apierr.Write(w, err, cid)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"correlation_id": cid,
		"plan_id":        plan.PlanID,
		"state":          plan.State,
	})
}

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fail := func(format string, args ...any) {
		apierr.Write(w, apierr.New(apierr.CodeBadRequest, format, args...), shared.CorrelationID(r.Context()))
	}
	limit := defaultAuditLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fail("limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	var (
		events []persistence.AuditEvent
		err    error
	)
	if cid := q.Get("correlation_id"); cid != "" {
		var after int64
		if v := q.Get("after_seq"); v != "" {
			if after, err = strconv.ParseInt(v, 10, 64); err != nil {
				fail("after_seq must be an integer")
				return
			}
		}
		events, err = s.store.ListAuditByCorrelation(r.Context(), cid, after, limit)
	} else {
		var since, until time.Time
		if v := q.Get("since"); v != "" {
			if since, err = time.Parse(time.RFC3339, v); err != nil {
				fail("since must be an RFC 3339 timestamp")
				return
			}
		}
		if v := q.Get("until"); v != "" {
			if until, err = time.Parse(time.RFC3339, v); err != nil {
				fail("until must be an RFC 3339 timestamp")
				return
			}
		}
		if !until.IsZero() && until.Before(since) {
			fail("until is before since")
			return
		}
		events, err = s.store.ListAuditRange(r.Context(), since, until, limit)
	}
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	if events == nil {
		events = []persistence.AuditEvent{}
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.store.Ping(r.Context()) != nil {
		status = "degraded"
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"module":             policy.TargetGateway,
		"policy_mode":        s.policy.Mode(),
		"policy_version":     s.policy.PolicyVersion(),
		"config_fingerprint": s.fingerprint.Load(),
		"routes":             len(s.routes.List()),
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"routes": s.routes.List()})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
