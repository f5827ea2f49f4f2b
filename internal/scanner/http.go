package scanner

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/shared"
)

// Handler serves the scanner HTTP API.
func (s *Swarm) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(shared.RequestContext("scanner"))
	mux.Get("/health", s.handleHealth)
	mux.Get("/incidents", s.handleListIncidents)
	mux.Get("/incidents/{incident_id}", s.handleGetIncident)
	mux.Post("/incidents/{incident_id}/resolve", s.handleResolve)
	mux.Get("/pheromones", s.handleListPheromones)
	mux.Get("/scanners", s.handleListScanners)
	mux.Post("/scanners/{scanner_id}/run", s.handleRunScanner)
	mux.Post("/scanners/{scanner_id}/enable", s.handleToggle(true))
	mux.Post("/scanners/{scanner_id}/disable", s.handleToggle(false))
	return mux
}

func (s *Swarm) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.store.Ping(r.Context()) != nil {
		status = "degraded"
	}
	open := 0
	if incs, err := s.store.ListIncidents(r.Context(), true, 0); err == nil {
		open = len(incs)
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"module":         "scanner",
		"scanners":       len(s.Scanners()),
		"open_incidents": open,
	})
}

func (s *Swarm) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	openOnly := false
	if v := q.Get("open"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			apierr.Write(w, apierr.New(apierr.CodeBadRequest, "open must be a boolean"), shared.CorrelationID(r.Context()))
			return
		}
		openOnly = b
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			apierr.Write(w, apierr.New(apierr.CodeBadRequest, "limit must be a non-negative integer"), shared.CorrelationID(r.Context()))
			return
		}
		limit = n
	}
	incs, err := s.Incidents(r.Context(), openOnly, limit)
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	if incs == nil {
		incs = []persistence.Incident{}
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"incidents": incs})
}

func (s *Swarm) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "incident_id")
	inc, err := s.store.GetIncident(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		err = apierr.New(apierr.CodeNotFound, "unknown incident %s", id)
	}
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, inc)
}

func (s *Swarm) handleResolve(w http.ResponseWriter, r *http.Request) {
	inc, resolved, err := s.Resolve(r.Context(), chi.URLParam(r, "incident_id"))
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"incident": inc,
		"resolved": resolved,
	})
}

func (s *Swarm) handleListPheromones(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Pheromones(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	if ps == nil {
		ps = []persistence.Pheromone{}
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"pheromones": ps})
}

func (s *Swarm) handleListScanners(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"scanners": s.Scanners()})
}

func (s *Swarm) handleRunScanner(w http.ResponseWriter, r *http.Request) {
	incs, err := s.RunScanner(r.Context(), chi.URLParam(r, "scanner_id"))
	if err != nil && incs == nil {
		apierr.Write(w, err, shared.CorrelationID(r.Context()))
		return
	}
	if incs == nil {
		incs = []persistence.Incident{}
	}
	body := map[string]any{"incidents": incs}
	if err != nil {
		body["error"] = err.Error()
	}
	apierr.WriteJSON(w, http.StatusOK, body)
}

func (s *Swarm) handleToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "scanner_id")
		if err := s.SetEnabled(id, enabled); err != nil {
			apierr.Write(w, err, shared.CorrelationID(r.Context()))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, map[string]any{"scanner_id": id, "enabled": enabled})
	}
}
