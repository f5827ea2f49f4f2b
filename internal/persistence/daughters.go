package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type DaughterState string

const (
	DaughterStarting  DaughterState = "STARTING"
	DaughterRunning   DaughterState = "RUNNING"
	DaughterCompleted DaughterState = "COMPLETED"
	DaughterFailed    DaughterState = "FAILED"
	DaughterTimedOut  DaughterState = "TIMED_OUT"
)

// Terminal reports whether s is a final daughter state.
func (s DaughterState) Terminal() bool {
	return s == DaughterCompleted || s == DaughterFailed || s == DaughterTimedOut
}

var allowedDaughterTransitions = map[DaughterState]map[DaughterState]struct{}{
	DaughterStarting: {
		DaughterRunning:   {},
		DaughterCompleted: {},
		DaughterFailed:    {},
		DaughterTimedOut:  {},
	},
	DaughterRunning: {
		DaughterCompleted: {},
		DaughterFailed:    {},
		DaughterTimedOut:  {},
	},
}

func canTransitionDaughter(from, to DaughterState) bool {
	next, ok := allowedDaughterTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Daughter is an ephemeral, TTL-bounded worker.
type Daughter struct {
	DaughterID    string          `json:"daughter_id"`
	TaskType      string          `json:"task_type"`
	Payload       json.RawMessage `json:"payload"`
	TTL           time.Duration   `json:"ttl"`
	CreatedAt     time.Time       `json:"created_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	State         DaughterState   `json:"state"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Handle        string          `json:"handle,omitempty"`
	PlanID        string          `json:"plan_id,omitempty"`
	StepIndex     int             `json:"step_index"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	MissedProbes  int             `json:"missed_probes"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	ReapedAt      *time.Time      `json:"reaped_at,omitempty"`
}

// DaughterOutcome carries the fields written with a terminal transition.
type DaughterOutcome struct {
	Result json.RawMessage
	Error  string
	Reason string
}

const daughterColumns = `daughter_id, task_type, payload, ttl_ms, created_at, last_heartbeat, state, result, error, handle, plan_id, step_index, correlation_id, missed_probes, finished_at, reaped_at`

// CreateDaughter records d in STARTING.
func (s *Store) CreateDaughter(ctx context.Context, d Daughter) error {
	if len(d.Payload) == 0 {
		d.Payload = json.RawMessage(`null`)
	}
	return s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daughters (daughter_id, task_type, payload, ttl_ms, created_at, last_heartbeat, state, plan_id, step_index, correlation_id)
			VALUES (?, ?, ?, ?, ?, ?, 'STARTING', ?, ?, ?);
		`, d.DaughterID, d.TaskType, string(d.Payload), d.TTL.Milliseconds(), toMillis(d.CreatedAt),
			toMillis(d.CreatedAt), d.PlanID, d.StepIndex, d.CorrelationID); err != nil {
			return fmt.Errorf("insert daughter: %w", err)
		}
		return rec.transition(d.CorrelationID, AuditDaughterTransition, "daughter", d.DaughterID, "", string(DaughterStarting), map[string]any{
			"task_type": d.TaskType,
			"ttl_ms":    d.TTL.Milliseconds(),
			"plan_id":   d.PlanID,
		})
	})
}

// SetDaughterHandle stores the launcher handle (pid, container id).
func (s *Store) SetDaughterHandle(ctx context.Context, daughterID, handle string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE daughters SET handle = ? WHERE daughter_id = ?;`, handle, daughterID)
		if err != nil {
			return fmt.Errorf("set daughter handle: %w", err)
		}
		return nil
	})
}

// RecordHeartbeat refreshes last_heartbeat of a live daughter and promotes
// STARTING to RUNNING. Heartbeats for terminal daughters change nothing.
func (s *Store) RecordHeartbeat(ctx context.Context, daughterID string, at time.Time) (DaughterState, error) {
	var state DaughterState
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		var (
			current string
			cid     string
		)
		if err := tx.QueryRowContext(ctx, `SELECT state, correlation_id FROM daughters WHERE daughter_id = ?;`, daughterID).Scan(&current, &cid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select daughter: %w", err)
		}
		state = DaughterState(current)
		if state.Terminal() {
			return nil
		}
		next := state
		if state == DaughterStarting {
			next = DaughterRunning
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE daughters SET state = ?, last_heartbeat = ?, missed_probes = 0
			WHERE daughter_id = ? AND state = ?;
		`, string(next), toMillis(at), daughterID, current)
		if err != nil {
			return fmt.Errorf("update heartbeat: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		if next != state {
			if err := rec.transition(cid, AuditDaughterTransition, "daughter", daughterID, string(state), string(next), map[string]any{
				"reason": "liveness_confirmed",
			}); err != nil {
				return err
			}
		}
		state = next
		return nil
	})
	return state, err
}

// TransitionDaughter moves a daughter from any of `from` to `to` with
// compare-and-set semantics. Racing writers resolve to exactly one applied
// transition; the others get applied=false.
func (s *Store) TransitionDaughter(ctx context.Context, daughterID string, from []DaughterState, to DaughterState, at time.Time, out DaughterOutcome) (bool, *Daughter, error) {
	var applied bool
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		applied = false
		var (
			current string
			cid     string
		)
		if err := tx.QueryRowContext(ctx, `SELECT state, correlation_id FROM daughters WHERE daughter_id = ?;`, daughterID).Scan(&current, &cid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select daughter: %w", err)
		}
		cur := DaughterState(current)
		allowed := false
		for _, f := range from {
			if f == cur {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}
		if !canTransitionDaughter(cur, to) {
			return fmt.Errorf("illegal daughter transition %s -> %s", cur, to)
		}
		var finished sql.NullInt64
		if to.Terminal() {
			finished = sql.NullInt64{Int64: toMillis(at), Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE daughters
			SET state = ?, result = COALESCE(?, result), error = COALESCE(?, error),
				finished_at = COALESCE(?, finished_at)
			WHERE daughter_id = ? AND state = ?;
		`, string(to), nullString(string(out.Result)), nullString(out.Error), finished, daughterID, current)
		if err != nil {
			return fmt.Errorf("update daughter transition: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		details := map[string]any{}
		if out.Reason != "" {
			details["reason"] = out.Reason
		}
		if out.Error != "" {
			details["error"] = out.Error
		}
		if err := rec.transition(cid, AuditDaughterTransition, "daughter", daughterID, current, string(to), details); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	d, err := s.GetDaughter(ctx, daughterID)
	if err != nil {
		return applied, nil, err
	}
	return applied, d, nil
}

// RecordDuplicateCallback logs a callback that arrived for a terminal daughter.
func (s *Store) RecordDuplicateCallback(ctx context.Context, d *Daughter, status string) error {
	return s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		return rec.transition(d.CorrelationID, AuditDaughterDuplicateCB, "daughter", d.DaughterID, string(d.State), string(d.State), map[string]any{
			"callback_status": status,
		})
	})
}

// RecordProbe updates the consecutive unreachable probe counter and
// returns its new value.
func (s *Store) RecordProbe(ctx context.Context, daughterID string, reachable bool) (int, error) {
	var missed int
	err := retryOnBusy(ctx, busyRetries, func() error {
		q := `UPDATE daughters SET missed_probes = missed_probes + 1 WHERE daughter_id = ? RETURNING missed_probes;`
		if reachable {
			q = `UPDATE daughters SET missed_probes = 0 WHERE daughter_id = ? RETURNING missed_probes;`
		}
		if err := s.db.QueryRowContext(ctx, q, daughterID).Scan(&missed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("record probe: %w", err)
		}
		return nil
	})
	return missed, err
}

// MarkDaughterReaped stamps reaped_at on a terminal daughter once.
func (s *Store) MarkDaughterReaped(ctx context.Context, daughterID string, at time.Time) (bool, error) {
	var applied bool
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		applied = false
		var (
			state string
			cid   string
		)
		if err := tx.QueryRowContext(ctx, `SELECT state, correlation_id FROM daughters WHERE daughter_id = ?;`, daughterID).Scan(&state, &cid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select daughter: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE daughters SET reaped_at = ?
			WHERE daughter_id = ? AND reaped_at IS NULL AND state IN ('COMPLETED','FAILED','TIMED_OUT');
		`, toMillis(at), daughterID)
		if err != nil {
			return fmt.Errorf("mark daughter reaped: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		applied = true
		return rec.transition(cid, AuditDaughterReaped, "daughter", daughterID, state, state, nil)
	})
	return applied, err
}

// GetDaughter loads one daughter.
func (s *Store) GetDaughter(ctx context.Context, daughterID string) (*Daughter, error) {
	return scanDaughter(s.db.QueryRowContext(ctx, `SELECT `+daughterColumns+` FROM daughters WHERE daughter_id = ?;`, daughterID))
}

// ListDaughtersByState returns daughters in any of states, oldest first.
func (s *Store) ListDaughtersByState(ctx context.Context, states ...DaughterState) ([]Daughter, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return s.queryDaughters(ctx, `SELECT `+daughterColumns+` FROM daughters WHERE state IN (`+placeholders(len(states))+`) ORDER BY created_at ASC;`, args...)
}

// ListUnreapedDaughters returns terminal daughters whose resources have not
// been released yet.
func (s *Store) ListUnreapedDaughters(ctx context.Context) ([]Daughter, error) {
	return s.queryDaughters(ctx, `
		SELECT `+daughterColumns+` FROM daughters
		WHERE reaped_at IS NULL AND state IN ('COMPLETED','FAILED','TIMED_OUT')
		ORDER BY created_at ASC;
	`)
}

// ListDaughtersForPlan returns every daughter spawned for planID.
func (s *Store) ListDaughtersForPlan(ctx context.Context, planID string) ([]Daughter, error) {
	return s.queryDaughters(ctx, `SELECT `+daughterColumns+` FROM daughters WHERE plan_id = ? ORDER BY created_at ASC;`, planID)
}

// PurgeReapedDaughters deletes daughters reaped before cutoff.
func (s *Store) PurgeReapedDaughters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daughters WHERE reaped_at IS NOT NULL AND reaped_at < ?;`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge reaped daughters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryDaughters(ctx context.Context, q string, args ...any) ([]Daughter, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query daughters: %w", err)
	}
	defer rows.Close()
	var out []Daughter
	for rows.Next() {
		d, err := scanDaughter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDaughter(row rowScanner) (*Daughter, error) {
	var (
		d                    Daughter
		payload, state       string
		result, errMsg       sql.NullString
		ttlMs, created, hbAt int64
		finished, reaped     sql.NullInt64
	)
	err := row.Scan(&d.DaughterID, &d.TaskType, &payload, &ttlMs, &created, &hbAt, &state, &result, &errMsg,
		&d.Handle, &d.PlanID, &d.StepIndex, &d.CorrelationID, &d.MissedProbes, &finished, &reaped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan daughter: %w", err)
	}
	d.Payload = json.RawMessage(payload)
	d.State = DaughterState(state)
	if result.Valid {
		d.Result = json.RawMessage(result.String)
	}
	d.Error = errMsg.String
	d.TTL = time.Duration(ttlMs) * time.Millisecond
	d.CreatedAt = fromMillis(created)
	d.LastHeartbeat = fromMillis(hbAt)
	d.FinishedAt = fromNullMillis(finished)
	d.ReapedAt = fromNullMillis(reaped)
	return &d, nil
}
