package orchestrator

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/shared"
)

type openWindowRequest struct {
	Target     string `json:"target"`
	TTLSeconds int    `json:"ttl_seconds"`
	PlanID     string `json:"plan_id"`
}

type windowResponse struct {
	WindowID string    `json:"window_id"`
	Target   string    `json:"target"`
	State    string    `json:"state"`
	ClosesAt time.Time `json:"closes_at"`
	Holders  []string  `json:"holders,omitempty"`
	Created  bool      `json:"created,omitempty"`
	Closed   bool      `json:"closed,omitempty"`
}

func toWindowResponse(w *persistence.Window) windowResponse {
	return windowResponse{
		WindowID: w.WindowID,
		Target:   w.Target,
		State:    string(w.State),
		ClosesAt: w.ClosesAt,
		Holders:  w.Holders,
	}
}

// Handler serves the orchestrator HTTP API.
func (o *Orchestrator) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(shared.RequestContext("orchestrator"))
	mux.Get("/health", o.handleHealth)
	mux.Post("/plans", o.handleSubmit)
	mux.Get("/plans", o.handlePlanByCorrelation)
	mux.Get("/plans/{plan_id}", o.handleGetPlan)
	mux.Post("/plans/{plan_id}/cancel", o.handleCancel)
	mux.Get("/windows", o.handleListWindows)
	mux.Post("/windows", o.handleOpenWindow)
	mux.Delete("/windows/{window_id}", o.handleCloseWindow)
	return mux
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if o.store.Ping(r.Context()) != nil {
		status = "degraded"
	}
	open := 0
	if ws, err := o.store.ListActiveWindows(r.Context(), o.clock.Now()); err == nil {
		open = len(ws)
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"module":        "orchestrator",
		"running_plans": o.Running(),
		"open_windows":  open,
	})
}

func (o *Orchestrator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SubmitRequest
	if err := apierr.DecodeJSON(r, &req); err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = shared.CorrelationID(ctx)
	}
	p, created, err := o.Submit(ctx, req)
	if err != nil {
		apierr.Write(w, err, req.CorrelationID)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	apierr.WriteJSON(w, status, p)
}

func (o *Orchestrator) handlePlanByCorrelation(w http.ResponseWriter, r *http.Request) {
	cid := r.URL.Query().Get("correlation_id")
	if cid == "" {
		apierr.Write(w, apierr.New(apierr.CodeBadRequest, "correlation_id is required"), "")
		return
	}
	p, err := o.GetByCorrelation(r.Context(), cid)
	if err != nil {
		apierr.Write(w, err, cid)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, p)
}

func (o *Orchestrator) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := o.Get(r.Context(), chi.URLParam(r, "plan_id"))
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, p)
}

func (o *Orchestrator) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, err := o.Cancel(r.Context(), chi.URLParam(r, "plan_id"))
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, p)
}

func (o *Orchestrator) handleListWindows(w http.ResponseWriter, r *http.Request) {
	var (
		ws  []persistence.Window
		err error
	)
	if r.URL.Query().Get("include") == "lapsed" {
		ws, err = o.store.ListOpenWindows(r.Context())
	} else {
		ws, err = o.store.ListActiveWindows(r.Context(), o.clock.Now())
	}
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	out := make([]windowResponse, 0, len(ws))
	for i := range ws {
		out = append(out, toWindowResponse(&ws[i]))
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"windows": out})
}

func (o *Orchestrator) handleOpenWindow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req openWindowRequest
	if err := apierr.DecodeJSON(r, &req); err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	if req.TTLSeconds < 0 {
		apierr.Write(w, apierr.New(apierr.CodeBadRequest, "ttl_seconds must not be negative"), shared.CorrelationID(ctx))
		return
	}
	win, created, err := o.OpenWindow(ctx, req.PlanID, req.Target, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	resp := toWindowResponse(win)
	resp.Created = created
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	apierr.WriteJSON(w, status, resp)
}

func (o *Orchestrator) handleCloseWindow(w http.ResponseWriter, r *http.Request) {
	win, closed, err := o.CloseWindow(r.Context(), chi.URLParam(r, "window_id"))
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	resp := toWindowResponse(win)
	resp.Closed = closed
	apierr.WriteJSON(w, http.StatusOK, resp)
}
