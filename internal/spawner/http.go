package spawner

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
)

type daughterView struct {
	DaughterID    string                    `json:"daughter_id"`
	TaskType      string                    `json:"task_type"`
	State         persistence.DaughterState `json:"state"`
	TTLSeconds    int                       `json:"ttl_seconds"`
	CreatedAt     time.Time                 `json:"created_at"`
	LastHeartbeat time.Time                 `json:"last_heartbeat"`
	Handle        string                    `json:"handle,omitempty"`
	PlanID        string                    `json:"plan_id,omitempty"`
	CorrelationID string                    `json:"correlation_id,omitempty"`
	Result        json.RawMessage           `json:"result,omitempty"`
	Error         string                    `json:"error,omitempty"`
	FinishedAt    *time.Time                `json:"finished_at,omitempty"`
	ReapedAt      *time.Time                `json:"reaped_at,omitempty"`
}

func viewOf(d *persistence.Daughter) daughterView {
	return daughterView{
		DaughterID:    d.DaughterID,
		TaskType:      d.TaskType,
		State:         d.State,
		TTLSeconds:    int(d.TTL / time.Second),
		CreatedAt:     d.CreatedAt,
		LastHeartbeat: d.LastHeartbeat,
		Handle:        d.Handle,
		PlanID:        d.PlanID,
		CorrelationID: d.CorrelationID,
		Result:        d.Result,
		Error:         d.Error,
		FinishedAt:    d.FinishedAt,
		ReapedAt:      d.ReapedAt,
	}
}

// Handler serves the spawner HTTP API.
func (s *Spawner) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(shared.RequestContext("spawner"))
	r.Get("/health", s.handleHealth)
	r.With(policy.Middleware(s.policy, s.windows, s.clock, policy.TargetSpawner)).Post("/daughters", s.handleCreate)
	r.Get("/daughters", s.handleList)
	r.Get("/daughters/{daughter_id}", s.handleGet)
	r.Delete("/daughters/{daughter_id}", s.handleTerminate)
	r.Post("/daughters/{daughter_id}/heartbeat", s.handleHeartbeat)
	r.Post("/callbacks", s.handleCallback)
	return r
}

func (s *Spawner) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.store.Ping(r.Context()) != nil {
		status = "degraded"
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"module":   "spawner",
		"launcher": s.launcher.Name(),
	})
}

func (s *Spawner) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateRequest
	if err := apierr.DecodeJSON(r, &req); err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	d, err := s.Create(ctx, req)
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, viewOf(d))
}

func (s *Spawner) handleList(w http.ResponseWriter, r *http.Request) {
	states := []persistence.DaughterState{persistence.DaughterStarting, persistence.DaughterRunning}
	if v := r.URL.Query().Get("state"); v != "" {
		states = []persistence.DaughterState{persistence.DaughterState(v)}
	}
	ds, err := s.store.ListDaughtersByState(r.Context(), states...)
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	out := make([]daughterView, 0, len(ds))
	for i := range ds {
		out = append(out, viewOf(&ds[i]))
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"daughters": out})
}

func (s *Spawner) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.Get(r.Context(), chi.URLParam(r, "daughter_id"))
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, viewOf(d))
}

func (s *Spawner) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "daughter_id")
	if _, err := s.Get(ctx, id); err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	applied, err := s.Terminate(ctx, id, ReasonCancelled)
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"daughter_id": id, "terminated": applied})
}

// readSigned reads the body and verifies the bearer token for daughterID.
func (s *Spawner) readSigned(r *http.Request, daughterID, kind string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, apierr.MaxBodyBytes))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeBadRequest, err, "read body")
	}
	if _, err := Verify(s.cfg.CallbackSecret, daughterID, kind, r.Header.Get("Authorization"), body, s.clock.Now()); err != nil {
		s.logger.Warn("rejected unsigned daughter request", "daughter_id", daughterID, "kind", kind, "error", err)
		return nil, apierr.Wrap(apierr.CodeAuthRequired, err, "invalid "+kind+" signature")
	}
	return body, nil
}

func (s *Spawner) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "daughter_id")
	if _, err := s.readSigned(r, id, KindHeartbeat); err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	state, err := s.Heartbeat(ctx, id)
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"daughter_id": id, "state": state})
}

func (s *Spawner) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, apierr.MaxBodyBytes))
	if err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodeBadRequest, err, "read body"), shared.CorrelationID(ctx))
		return
	}
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil || cb.DaughterID == "" {
		apierr.Write(w, apierr.New(apierr.CodeBadRequest, "callback requires daughter_id and status"), shared.CorrelationID(ctx))
		return
	}
	if _, err := Verify(s.cfg.CallbackSecret, cb.DaughterID, KindCallback, r.Header.Get("Authorization"), body, s.clock.Now()); err != nil {
		s.logger.Warn("rejected unsigned callback", "daughter_id", cb.DaughterID, "error", err)
		apierr.Write(w, apierr.Wrap(apierr.CodeAuthRequired, err, "invalid callback signature"), shared.CorrelationID(ctx))
		return
	}
	applied, d, err := s.HandleCallback(ctx, cb)
	if err != nil {
		var ae *apierr.Error
		if !errors.As(err, &ae) {
			s.logger.Error("callback failed", "daughter_id", cb.DaughterID, "error", err)
		}
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"daughter_id": d.DaughterID,
		"state":       d.State,
		"applied":     applied,
	})
}
