package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/vx11/internal/bus"
)

type PlanState string

const (
	PlanQueued          PlanState = "QUEUED"
	PlanRunning         PlanState = "RUNNING"
	PlanWaitingProvider PlanState = "WAITING_PROVIDER"
	PlanWaitingDaughter PlanState = "WAITING_DAUGHTER"
	PlanDone            PlanState = "DONE"
	PlanError           PlanState = "ERROR"
	PlanCancelled       PlanState = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s PlanState) Terminal() bool {
	return s == PlanDone || s == PlanError || s == PlanCancelled
}

var allowedPlanTransitions = map[PlanState]map[PlanState]struct{}{
	PlanQueued: {
		PlanRunning:   {},
		PlanCancelled: {},
		PlanError:     {}, // Rejected before pickup (e.g. window refused).
	},
	PlanRunning: {
		PlanWaitingProvider: {},
		PlanWaitingDaughter: {},
		PlanDone:            {},
		PlanError:           {},
		PlanCancelled:       {},
	},
	PlanWaitingProvider: {
		PlanRunning:   {},
		PlanCancelled: {},
	},
	PlanWaitingDaughter: {
		PlanRunning:   {},
		PlanCancelled: {},
	},
}

// CanTransitionPlan reports whether from -> to is a legal plan transition.
func CanTransitionPlan(from, to PlanState) bool {
	next, ok := allowedPlanTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Step kinds and states.
const (
	StepKindProvider = "provider"
	StepKindDaughter = "daughter"

	StepPending   = "PENDING"
	StepRunning   = "RUNNING"
	StepDone      = "DONE"
	StepError     = "ERROR"
	StepSkipped   = "SKIPPED"
	StepCancelled = "CANCELLED"
)

// PlanStep is one sequential unit of a plan.
type PlanStep struct {
	Index      int             `json:"index"`
	Kind       string          `json:"kind"`
	Capability string          `json:"capability,omitempty"`
	TaskType   string          `json:"task_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
	State      string          `json:"state"`
	Attempts   int             `json:"attempts"`
	ProviderID string          `json:"provider_id,omitempty"`
	DaughterID string          `json:"daughter_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Plan is the orchestrator's execution record for one intent.
type Plan struct {
	PlanID        string          `json:"plan_id"`
	IntentID      string          `json:"intent_id"`
	CorrelationID string          `json:"correlation_id"`
	IntentType    string          `json:"intent_type"`
	Target        string          `json:"target"`
	Executor      string          `json:"executor"`
	Payload       json.RawMessage `json:"payload"`
	State         PlanState       `json:"state"`
	Steps         []PlanStep      `json:"steps"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorCode string          `json:"last_error_code,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PlanPatch carries the optional column updates applied with a transition.
type PlanPatch struct {
	Steps         []PlanStep
	Result        json.RawMessage
	LastError     string
	LastErrorCode string
	// Details is attached to the transition's audit event.
	Details map[string]any
}

const planColumns = `plan_id, intent_id, correlation_id, intent_type, target, executor, payload, state, steps, result, last_error, last_error_code, created_at, updated_at`

// CreatePlan inserts p in QUEUED. A plan already recorded for the same
// intent is returned instead with created=false.
func (s *Store) CreatePlan(ctx context.Context, p Plan) (*Plan, bool, error) {
	if existing, err := s.GetPlanByCorrelation(ctx, p.CorrelationID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if p.Steps == nil {
		p.Steps = []PlanStep{}
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`null`)
	}
	p.State = PlanQueued
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return nil, false, fmt.Errorf("encode plan steps: %w", err)
	}
	err = s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO plans (plan_id, intent_id, correlation_id, intent_type, target, executor, payload, state, steps, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(correlation_id) DO NOTHING;
		`, p.PlanID, p.IntentID, p.CorrelationID, p.IntentType, p.Target, p.Executor, string(p.Payload),
			string(p.State), string(steps), toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errPlanRace
		}
		return rec.transition(p.CorrelationID, AuditPlanTransition, "plan", p.PlanID, "", string(PlanQueued), map[string]any{
			"intent_type": p.IntentType,
			"executor":    p.Executor,
			"steps":       len(p.Steps),
		})
	})
	if errors.Is(err, errPlanRace) {
		existing, gerr := s.GetPlanByCorrelation(ctx, p.CorrelationID)
		return existing, false, gerr
	}
	if err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

var errPlanRace = errors.New("plan already exists")

// GetPlan loads a plan by id.
func (s *Store) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	return s.scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE plan_id = ?;`, planID))
}

// GetPlanByCorrelation loads the plan created for correlationID.
func (s *Store) GetPlanByCorrelation(ctx context.Context, correlationID string) (*Plan, error) {
	return s.scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE correlation_id = ?;`, correlationID))
}

// ListPlansByState returns plans currently in any of states, oldest first.
func (s *Store) ListPlansByState(ctx context.Context, states ...PlanState) ([]Plan, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE state IN (`+placeholders(len(states))+`) ORDER BY created_at ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	var out []Plan
	for rows.Next() {
		p, err := s.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountPlansForCorrelation returns how many plans exist for correlationID.
func (s *Store) CountPlansForCorrelation(ctx context.Context, correlationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE correlation_id = ?;`, correlationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count plans: %w", err)
	}
	return n, nil
}

// TransitionPlan moves planID from `from` to `to` with compare-and-set
// semantics. It returns false without error when the plan is no longer in
// `from` (another writer won) and an error for an illegal transition.
func (s *Store) TransitionPlan(ctx context.Context, planID string, from, to PlanState, at time.Time, patch PlanPatch) (bool, error) {
	if !CanTransitionPlan(from, to) {
		return false, fmt.Errorf("illegal plan transition %s -> %s", from, to)
	}
	var (
		applied       bool
		correlationID string
	)
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		applied = false
		if err := tx.QueryRowContext(ctx, `SELECT correlation_id FROM plans WHERE plan_id = ?;`, planID).Scan(&correlationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select plan: %w", err)
		}

		var stepsValue sql.NullString
		if patch.Steps != nil {
			b, err := json.Marshal(patch.Steps)
			if err != nil {
				return fmt.Errorf("encode plan steps: %w", err)
			}
			stepsValue = sql.NullString{String: string(b), Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE plans
			SET state = ?,
				steps = COALESCE(?, steps),
				result = COALESCE(?, result),
				last_error = COALESCE(?, last_error),
				last_error_code = COALESCE(?, last_error_code),
				updated_at = ?
			WHERE plan_id = ? AND state = ?;
		`, string(to), stepsValue, nullString(string(patch.Result)), nullString(patch.LastError),
			nullString(patch.LastErrorCode), toMillis(at), planID, string(from))
		if err != nil {
			return fmt.Errorf("update plan transition: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		details := map[string]any{}
		for k, v := range patch.Details {
			details[k] = v
		}
		if patch.LastErrorCode != "" {
			details["error_code"] = patch.LastErrorCode
		}
		if err := rec.transition(correlationID, AuditPlanTransition, "plan", planID, string(from), string(to), details); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.bus.Publish(bus.TopicPlanStateChanged, bus.PlanStateChangedEvent{
			PlanID:        planID,
			CorrelationID: correlationID,
			From:          string(from),
			To:            string(to),
		})
	}
	return applied, nil
}

// UpdatePlanStep replaces step idx of a non-terminal plan and records a
// plan_step audit event. It returns false when the plan is terminal.
func (s *Store) UpdatePlanStep(ctx context.Context, planID string, step PlanStep, at time.Time) (bool, error) {
	var applied bool
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		applied = false
		var (
			state         string
			stepsRaw      string
			correlationID string
		)
		if err := tx.QueryRowContext(ctx, `SELECT state, steps, correlation_id FROM plans WHERE plan_id = ?;`, planID).
			Scan(&state, &stepsRaw, &correlationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select plan steps: %w", err)
		}
		if PlanState(state).Terminal() {
			return nil
		}
		var steps []PlanStep
		if err := json.Unmarshal([]byte(stepsRaw), &steps); err != nil {
			return fmt.Errorf("decode plan steps: %w", err)
		}
		if step.Index < 0 || step.Index >= len(steps) {
			return fmt.Errorf("plan %s has no step %d", planID, step.Index)
		}
		before := steps[step.Index].State
		steps[step.Index] = step
		b, err := json.Marshal(steps)
		if err != nil {
			return fmt.Errorf("encode plan steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE plans SET steps = ?, updated_at = ? WHERE plan_id = ? AND state = ?;
		`, string(b), toMillis(at), planID, state); err != nil {
			return fmt.Errorf("update plan steps: %w", err)
		}
		details := map[string]any{"index": step.Index, "kind": step.Kind, "attempts": step.Attempts}
		if step.ProviderID != "" {
			details["provider_id"] = step.ProviderID
		}
		if step.DaughterID != "" {
			details["daughter_id"] = step.DaughterID
		}
		if step.ErrorCode != "" {
			details["error_code"] = step.ErrorCode
		}
		if err := rec.transition(correlationID, AuditPlanStep, "plan_step", fmt.Sprintf("%s/%d", planID, step.Index), before, step.State, details); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPlan(row rowScanner) (*Plan, error) {
	var (
		p                   Plan
		payload, steps      string
		state               string
		result              sql.NullString
		lastErr, lastCode   sql.NullString
		createdAt, updateAt int64
	)
	err := row.Scan(&p.PlanID, &p.IntentID, &p.CorrelationID, &p.IntentType, &p.Target, &p.Executor,
		&payload, &state, &steps, &result, &lastErr, &lastCode, &createdAt, &updateAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.Payload = json.RawMessage(payload)
	p.State = PlanState(state)
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode plan steps: %w", err)
	}
	if result.Valid {
		p.Result = json.RawMessage(result.String)
	}
	p.LastError = lastErr.String
	p.LastErrorCode = lastCode.String
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updateAt)
	return &p, nil
}
