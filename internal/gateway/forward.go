package gateway

import (
	"context"
	"net/http"

	"github.com/basket/vx11/internal/orchestrator"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/policy"
)

// Forwarder is the orchestrator surface the gateway hands accepted intents
// to. Both *orchestrator.Orchestrator and *orchestrator.Client satisfy it.
type Forwarder interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*persistence.Plan, bool, error)
	GetByCorrelation(ctx context.Context, correlationID string) (*persistence.Plan, error)
	Cancel(ctx context.Context, planID string) (*persistence.Plan, error)
	ActiveWindows(ctx context.Context) ([]policy.Window, error)
}

// HTTPForwarder forwards over the network to the orchestrator at baseURL.
func HTTPForwarder(baseURL string, hc *http.Client) Forwarder {
	return &orchestrator.Client{BaseURL: baseURL, HTTP: hc}
}

// LocalForwarder forwards to an orchestrator running in this process.
func LocalForwarder(o *orchestrator.Orchestrator) Forwarder {
	return o
}

// AuditRecorder appends standalone audit events. *audit.Recorder satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, kind, entityType, entityID string, details map[string]any) (persistence.AuditEvent, error)
}

type storeRecorder struct{ store *persistence.Store }

func (r storeRecorder) Record(ctx context.Context, kind, entityType, entityID string, details map[string]any) (persistence.AuditEvent, error) {
	ev := persistence.AuditEvent{Kind: kind, EntityType: entityType, EntityID: entityID}
	if details != nil {
		ev.Details = mustJSON(details)
	}
	return r.store.AppendAudit(ctx, ev)
}
