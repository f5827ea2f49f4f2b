package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	vxotel "github.com/basket/vx11/internal/otel"
	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/shared"
)

// Pheromone kinds.
const (
	PheromoneRepair     = "REPAIR"
	PheromoneBuild      = "BUILD"
	PheromoneClean      = "CLEAN"
	PheromoneVigilar    = "VIGILAR"
	PheromoneReorganize = "REORGANIZE"
)

// DefaultPheromoneTTL is how long an emitted pheromone stays readable.
const DefaultPheromoneTTL = 300 * time.Second

// pheromoneTable maps (incident kind, severity) to the pheromone the Queen
// emits. Unknown kinds get VIGILAR.
var pheromoneTable = map[string]map[string]string{
	KindZombie: {
		SeverityLow:      PheromoneClean,
		SeverityMedium:   PheromoneClean,
		SeverityHigh:     PheromoneRepair,
		SeverityCritical: PheromoneRepair,
	},
	KindCPUSpike: {
		SeverityLow:      PheromoneVigilar,
		SeverityMedium:   PheromoneVigilar,
		SeverityHigh:     PheromoneReorganize,
		SeverityCritical: PheromoneReorganize,
	},
	KindErrorRecurrent: {
		SeverityLow:      PheromoneVigilar,
		SeverityMedium:   PheromoneRepair,
		SeverityHigh:     PheromoneRepair,
		SeverityCritical: PheromoneReorganize,
	},
	KindDrift: {
		SeverityLow:      PheromoneVigilar,
		SeverityMedium:   PheromoneReorganize,
		SeverityHigh:     PheromoneBuild,
		SeverityCritical: PheromoneBuild,
	},
}

// Classify returns the pheromone kind for an incident kind and severity.
func Classify(kind, severity string) string {
	if row, ok := pheromoneTable[kind]; ok {
		if p, ok := row[severity]; ok {
			return p
		}
	}
	return PheromoneVigilar
}

// AuditRecorder appends standalone audit events. *audit.Recorder
// satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, kind, entityType, entityID string, details map[string]any) (persistence.AuditEvent, error)
}

// storeRecorder is used when no recorder is injected.
type storeRecorder struct{ store *persistence.Store }

func (r storeRecorder) Record(ctx context.Context, kind, entityType, entityID string, details map[string]any) (persistence.AuditEvent, error) {
	raw, err := encodeDetails(details)
	if err != nil {
		return persistence.AuditEvent{}, err
	}
	return r.store.AppendAudit(ctx, persistence.AuditEvent{
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    raw,
	})
}

// Queen classifies incidents and emits pheromones. While the CPU load is
// above the threshold only VIGILAR goes out.
type Queen struct {
	store     *persistence.Store
	audit     AuditRecorder
	sampler   Sampler
	threshold float64
	ttl       time.Duration
	clock     shared.Clock
	logger    *slog.Logger
	metrics   *vxotel.Metrics
}

// Emit answers one recorded incident with a pheromone.
func (q *Queen) Emit(ctx context.Context, inc *persistence.Incident) (*persistence.Pheromone, error) {
	kind := Classify(inc.Kind, inc.Severity)
	if kind != PheromoneVigilar && q.sampler != nil {
		load, err := q.sampler.CPUPercent(ctx)
		if err != nil {
			q.logger.Debug("cpu sample failed", "error", err)
		} else if load > q.threshold {
			if _, err := q.audit.Record(ctx, persistence.AuditIntentBlockedCPUHigh, "incident", inc.IncidentID, map[string]any{
				"blocked_kind": kind,
				"cpu_percent":  load,
				"threshold":    q.threshold,
			}); err != nil {
				return nil, fmt.Errorf("record cpu gate: %w", err)
			}
			q.logger.Warn("pheromone downgraded by cpu gate",
				"incident_id", inc.IncidentID, "blocked_kind", kind, "cpu_percent", load)
			kind = PheromoneVigilar
		}
	}

	payload, err := json.Marshal(map[string]any{
		"incident_kind":    inc.Kind,
		"severity":         inc.Severity,
		"subject":          inc.Subject,
		"dedup_key":        inc.DedupKey,
		"occurrence_count": inc.OccurrenceCount,
	})
	if err != nil {
		return nil, fmt.Errorf("encode pheromone payload: %w", err)
	}
	now := q.clock.Now()
	p, err := q.store.InsertPheromone(ctx, persistence.Pheromone{
		Kind:       kind,
		EmittedAt:  now,
		ExpiresAt:  now.Add(q.ttl),
		IncidentID: inc.IncidentID,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}
	q.metrics.PheromonesEmitted.Add(ctx, 1, metric.WithAttributes(vxotel.AttrPheromone.String(kind)))
	return p, nil
}
