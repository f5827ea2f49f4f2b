package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/policy"
	"github.com/basket/vx11/internal/shared"
)

type executeResponse struct {
	ProviderID string  `json:"provider_id"`
	Outcome    Outcome `json:"outcome"`
	Score      float64 `json:"score"`
	Response
}

// Handler serves the router HTTP API.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(shared.RequestContext("router"))
	mux.Get("/health", r.handleHealth)
	mux.Get("/providers", r.handleProviders)
	mux.Get("/providers/{provider_id}", r.handleProvider)
	mux.With(policy.Middleware(r.policy, r.windows, r.clock, policy.TargetRouter)).Post("/execute", r.handleExecute)
	return mux
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	if r.store.Ping(req.Context()) != nil {
		status = "degraded"
	}
	views := r.Snapshot()
	open := 0
	for _, v := range views {
		if v.Circuit == string(BreakerOpen) {
			open++
		}
	}
	if len(views) > 0 && open == len(views) {
		status = "degraded"
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"module":        "router",
		"providers":     len(views),
		"open_circuits": open,
	})
}

func (r *Router) handleProviders(w http.ResponseWriter, _ *http.Request) {
	views := r.Snapshot()
	if views == nil {
		views = []ProviderView{}
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"providers": views})
}

func (r *Router) handleProvider(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "provider_id")
	for _, v := range r.Snapshot() {
		if v.ProviderID == id {
			apierr.WriteJSON(w, http.StatusOK, v)
			return
		}
	}
	apierr.Write(w, apierr.New(apierr.CodeNotFound, "provider %q not registered", id), shared.CorrelationID(req.Context()))
}

func (r *Router) handleExecute(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var body Request
	if err := apierr.DecodeJSON(req, &body); err != nil {
		apierr.Write(w, err, shared.CorrelationID(ctx))
		return
	}
	if body.Capability == "" {
		body.Capability = body.IntentType
	}
	if body.Capability == "" {
		apierr.Write(w, apierr.New(apierr.CodeBadRequest, "capability is required"), shared.CorrelationID(ctx))
		return
	}
	if body.CorrelationID == "" {
		body.CorrelationID = shared.CorrelationID(ctx)
	} else {
		ctx = shared.WithCorrelationID(ctx, body.CorrelationID)
	}
	res, err := r.Execute(ctx, body)
	if err != nil {
		apierr.Write(w, err, body.CorrelationID)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, executeResponse{
		ProviderID: res.ProviderID,
		Outcome:    res.Outcome,
		Score:      res.Score,
		Response:   *res.Response,
	})
}
