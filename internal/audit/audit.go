// Package audit records and queries the append-only audit log. Events live
// in the store; every committed event is also mirrored to
// $VX11_HOME/logs/audit.jsonl.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/vx11/internal/persistence"
	"github.com/basket/vx11/internal/shared"
)

type entry struct {
	Timestamp     string          `json:"timestamp"`
	Seq           int64           `json:"seq"`
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	Actor         string          `json:"actor"`
	Kind          string          `json:"kind"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	BeforeState   string          `json:"before_state,omitempty"`
	AfterState    string          `json:"after_state,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// Recorder appends standalone audit events and mirrors every committed
// event to the JSONL file.
type Recorder struct {
	store  *persistence.Store
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	counts map[string]int64
}

// Open creates the JSONL mirror under homeDir/logs and registers the
// recorder as the store's audit sink.
func Open(homeDir string, store *persistence.Store, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit mirror: %w", err)
	}
	r := &Recorder{
		store:  store,
		logger: logger.With("component", "audit"),
		file:   f,
		counts: make(map[string]int64),
	}
	store.SetAuditSink(r.mirror)
	return r, nil
}

func (r *Recorder) Close() error {
	r.store.SetAuditSink(nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Record appends an event that is not a side effect of a store transition
// (e.g. intent_rejected, intent_blocked_cpu_high). Correlation id and actor
// default to the values carried by ctx.
func (r *Recorder) Record(ctx context.Context, kind, entityType, entityID string, details map[string]any) (persistence.AuditEvent, error) {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return persistence.AuditEvent{}, fmt.Errorf("encode audit details: %w", err)
		}
		raw = b
	}
	ev, err := r.store.AppendAudit(ctx, persistence.AuditEvent{
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    raw,
	})
	if err != nil {
		r.logger.Error("audit append failed", "kind", kind, "correlation_id", shared.CorrelationID(ctx), "error", err)
		return persistence.AuditEvent{}, err
	}
	return ev, nil
}

// ByCorrelation returns the events of one correlation id after afterSeq.
func (r *Recorder) ByCorrelation(ctx context.Context, correlationID string, afterSeq int64, limit int) ([]persistence.AuditEvent, error) {
	return r.store.ListAuditByCorrelation(ctx, correlationID, afterSeq, limit)
}

// Range returns events with since <= ts < until.
func (r *Recorder) Range(ctx context.Context, since, until time.Time, limit int) ([]persistence.AuditEvent, error) {
	return r.store.ListAuditRange(ctx, since, until, limit)
}

// Count returns how many events of kind were mirrored since startup.
func (r *Recorder) Count(kind string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

func (r *Recorder) mirror(ev persistence.AuditEvent) {
	details := ev.Details
	if redacted := shared.Redact(string(details)); redacted != string(details) {
		if json.Valid([]byte(redacted)) {
			details = json.RawMessage(redacted)
		} else {
			details, _ = json.Marshal(redacted)
		}
	}
	line := entry{
		Timestamp:     ev.TS.UTC().Format(time.RFC3339Nano),
		Seq:           ev.Seq,
		EventID:       ev.EventID,
		CorrelationID: ev.CorrelationID,
		Actor:         ev.Actor,
		Kind:          ev.Kind,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		BeforeState:   ev.BeforeState,
		AfterState:    ev.AfterState,
		Details:       details,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[ev.Kind]++
	if r.file == nil {
		return
	}
	b, err := json.Marshal(line)
	if err != nil {
		return
	}
	_, _ = r.file.Write(append(b, '\n'))
}
