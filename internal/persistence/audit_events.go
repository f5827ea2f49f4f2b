package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/vx11/internal/shared"
	"github.com/google/uuid"
)

// Audit event kinds appended by the store alongside state changes.
const (
	AuditIntentAccepted       = "intent_accepted"
	AuditIntentRejected       = "intent_rejected"
	AuditIntentDeduplicated   = "intent_deduplicated"
	AuditPlanTransition       = "plan_transition"
	AuditPlanStep             = "plan_step"
	AuditWindowTransition     = "window_transition"
	AuditWindowJoined         = "window_joined"
	AuditWindowExtended       = "window_extended"
	AuditProviderOutcome      = "provider_outcome"
	AuditBreakerTransition    = "breaker_transition"
	AuditDaughterTransition   = "daughter_transition"
	AuditDaughterDuplicateCB  = "daughter_duplicate_callback"
	AuditDaughterReaped       = "daughter_reaped"
	AuditIncidentOpened       = "incident_opened"
	AuditIncidentRecurred     = "incident_recurred"
	AuditIncidentResolved     = "incident_resolved"
	AuditPheromoneEmitted     = "pheromone_emitted"
	AuditPheromoneExpired     = "pheromone_expired"
	AuditIntentBlockedCPUHigh = "intent_blocked_cpu_high"
	AuditPolicyReloaded       = "policy_reloaded"
	AuditConfigReloaded       = "config_reloaded"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	Seq           int64           `json:"seq"`
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	Actor         string          `json:"actor"`
	Kind          string          `json:"kind"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	BeforeState   string          `json:"before_state,omitempty"`
	AfterState    string          `json:"after_state,omitempty"`
	TS            time.Time       `json:"ts"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// auditBatch collects audit rows written inside one transaction.
type auditBatch struct {
	store  *Store
	ctx    context.Context
	tx     *sql.Tx
	events []AuditEvent
}

func (b *auditBatch) append(ev AuditEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = shared.CorrelationID(b.ctx)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = "system"
	}
	if ev.Actor == "" {
		ev.Actor = shared.Actor(b.ctx)
	}
	if ev.TS.IsZero() {
		ev.TS = b.store.clock.Now()
	}
	if len(ev.Details) == 0 {
		ev.Details = json.RawMessage(`{}`)
	}
	res, err := b.tx.ExecContext(b.ctx, `
		INSERT INTO audit_events (event_id, correlation_id, actor, kind, entity_type, entity_id, before_state, after_state, ts, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, ev.EventID, ev.CorrelationID, ev.Actor, ev.Kind, ev.EntityType, ev.EntityID,
		nullString(ev.BeforeState), nullString(ev.AfterState), toMillis(ev.TS), string(ev.Details))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	ev.Seq, _ = res.LastInsertId()
	b.events = append(b.events, ev)
	return nil
}

func (b *auditBatch) transition(correlationID, kind, entityType, entityID, before, after string, details any) error {
	return b.append(AuditEvent{
		CorrelationID: correlationID,
		Kind:          kind,
		EntityType:    entityType,
		EntityID:      entityID,
		BeforeState:   before,
		AfterState:    after,
		Details:       mustJSON(details),
	})
}

// AppendAudit appends a standalone audit event (one not tied to a state
// change made by the store).
func (s *Store) AppendAudit(ctx context.Context, ev AuditEvent) (AuditEvent, error) {
	var out AuditEvent
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		if err := rec.append(ev); err != nil {
			return err
		}
		out = rec.events[len(rec.events)-1]
		return nil
	})
	return out, err
}

// ListAuditByCorrelation returns the events of one correlation id in append order.
func (s *Store) ListAuditByCorrelation(ctx context.Context, correlationID string, afterSeq int64, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, correlation_id, actor, kind, entity_type, entity_id, before_state, after_state, ts, details
		FROM audit_events
		WHERE correlation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, correlationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit by correlation: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// ListAuditRange returns events with since <= ts < until in append order.
// A zero until means no upper bound.
func (s *Store) ListAuditRange(ctx context.Context, since, until time.Time, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	upper := int64(1<<62 - 1)
	if !until.IsZero() {
		upper = until.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, correlation_id, actor, kind, entity_type, entity_id, before_state, after_state, ts, details
		FROM audit_events
		WHERE ts >= ? AND ts < ?
		ORDER BY seq ASC
		LIMIT ?;
	`, toMillis(since), upper, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit range: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// CountAudit returns the number of events of kind for a correlation id. An
// empty kind counts every event.
func (s *Store) CountAudit(ctx context.Context, correlationID, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE correlation_id = ? AND (? = '' OR kind = ?);
	`, correlationID, kind, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

func scanAuditRows(rows *sql.Rows) ([]AuditEvent, error) {
	var out []AuditEvent
	for rows.Next() {
		var (
			ev      AuditEvent
			before  sql.NullString
			after   sql.NullString
			ts      int64
			details string
		)
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.CorrelationID, &ev.Actor, &ev.Kind,
			&ev.EntityType, &ev.EntityID, &before, &after, &ts, &details); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.BeforeState = before.String
		ev.AfterState = after.String
		ev.TS = fromMillis(ts)
		ev.Details = json.RawMessage(details)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mustJSON(v any) json.RawMessage {
	switch t := v.(type) {
	case nil:
		return json.RawMessage(`{}`)
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage(`{}`)
		}
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
