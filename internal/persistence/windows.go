package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/vx11/internal/bus"
	"github.com/basket/vx11/internal/shared"
	"github.com/google/uuid"
)

type WindowState string

const (
	WindowOpen    WindowState = "OPEN"
	WindowExpired WindowState = "EXPIRED"
	WindowClosed  WindowState = "CLOSED"
)

// Window is an execution window granting temporary traffic to a target.
type Window struct {
	WindowID       string        `json:"window_id"`
	Target         string        `json:"target"`
	OpenedAt       time.Time     `json:"opened_at"`
	TTL            time.Duration `json:"ttl"`
	ClosesAt       time.Time     `json:"closes_at"`
	OpenedByPlanID string        `json:"opened_by_plan_id"`
	CorrelationID  string        `json:"correlation_id"`
	State          WindowState   `json:"state"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	Holders        []string      `json:"holders,omitempty"`
}

// ActiveAt reports whether w admits traffic at now.
func (w Window) ActiveAt(now time.Time) bool {
	return w.State == WindowOpen && w.ClosesAt.After(now)
}

// WindowOpenRequest describes a plan asking for a window.
type WindowOpenRequest struct {
	Target        string
	PlanID        string
	CorrelationID string
	TTL           time.Duration
	Now           time.Time
}

const windowColumns = `window_id, target, opened_at, ttl_ms, closes_at, opened_by_plan_id, correlation_id, state, ended_at`

// OpenOrJoinWindow opens a window on req.Target for req.PlanID, or joins the
// target's existing OPEN window as an additional holder. Repeating the call
// for the same (plan, target) returns the same window unchanged. Joining
// extends closes_at to now+TTL when that is later.
func (s *Store) OpenOrJoinWindow(ctx context.Context, req WindowOpenRequest) (*Window, bool, error) {
	var (
		out     *Window
		created bool
	)
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		out, created = nil, false
		if err := s.expireWindowsTx(ctx, tx, rec, req.Now, req.Target); err != nil {
			return err
		}

		existing, err := s.scanWindow(tx.QueryRowContext(ctx, `
			SELECT `+windowColumns+` FROM windows WHERE target = ? AND state = 'OPEN';
		`, req.Target))
		switch {
		case err == nil:
			var held int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM window_holders WHERE window_id = ? AND plan_id = ?;
			`, existing.WindowID, req.PlanID).Scan(&held); err != nil {
				return fmt.Errorf("check window holder: %w", err)
			}
			if held > 0 {
				out = existing
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO window_holders (window_id, plan_id, joined_at) VALUES (?, ?, ?);
			`, existing.WindowID, req.PlanID, toMillis(req.Now)); err != nil {
				return fmt.Errorf("join window: %w", err)
			}
			if proposed := req.Now.Add(req.TTL); proposed.After(existing.ClosesAt) {
				existing.ClosesAt = proposed
				existing.TTL = proposed.Sub(existing.OpenedAt)
				if _, err := tx.ExecContext(ctx, `
					UPDATE windows SET closes_at = ?, ttl_ms = ? WHERE window_id = ? AND state = 'OPEN';
				`, toMillis(existing.ClosesAt), existing.TTL.Milliseconds(), existing.WindowID); err != nil {
					return fmt.Errorf("extend window: %w", err)
				}
			}
			if err := rec.transition(req.CorrelationID, AuditWindowJoined, "window", existing.WindowID,
				string(WindowOpen), string(WindowOpen), map[string]any{
					"target":    req.Target,
					"plan_id":   req.PlanID,
					"closes_at": existing.ClosesAt,
				}); err != nil {
				return err
			}
			out = existing
			return nil
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		w := &Window{
			WindowID:       "win_" + uuid.NewString(),
			Target:         req.Target,
			OpenedAt:       req.Now,
			TTL:            req.TTL,
			ClosesAt:       req.Now.Add(req.TTL),
			OpenedByPlanID: req.PlanID,
			CorrelationID:  req.CorrelationID,
			State:          WindowOpen,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO windows (window_id, target, opened_at, ttl_ms, closes_at, opened_by_plan_id, correlation_id, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'OPEN');
		`, w.WindowID, w.Target, toMillis(w.OpenedAt), w.TTL.Milliseconds(), toMillis(w.ClosesAt),
			w.OpenedByPlanID, w.CorrelationID); err != nil {
			return fmt.Errorf("insert window: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO window_holders (window_id, plan_id, joined_at) VALUES (?, ?, ?);
		`, w.WindowID, req.PlanID, toMillis(req.Now)); err != nil {
			return fmt.Errorf("insert window holder: %w", err)
		}
		if err := rec.transition(req.CorrelationID, AuditWindowTransition, "window", w.WindowID, "", string(WindowOpen), map[string]any{
			"target":    w.Target,
			"plan_id":   req.PlanID,
			"ttl_ms":    w.TTL.Milliseconds(),
			"closes_at": w.ClosesAt,
		}); err != nil {
			return err
		}
		out = w
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	out.Holders, _ = s.windowHolders(ctx, out.WindowID)
	if created {
		s.bus.Publish(bus.TopicWindowStateChanged, *out)
	}
	return out, created, nil
}

// ReleaseWindow drops planID as a holder. The window closes when its last
// holder leaves. It returns true when this call closed the window.
func (s *Store) ReleaseWindow(ctx context.Context, windowID, planID, correlationID string, now time.Time) (bool, error) {
	var closed bool
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		closed = false
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM window_holders WHERE window_id = ? AND plan_id = ?;
		`, windowID, planID); err != nil {
			return fmt.Errorf("release window holder: %w", err)
		}
		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM window_holders WHERE window_id = ?;`, windowID).Scan(&remaining); err != nil {
			return fmt.Errorf("count window holders: %w", err)
		}
		if remaining > 0 {
			return nil
		}
		var err error
		closed, err = s.endWindowTx(ctx, tx, rec, windowID, WindowClosed, correlationID, now, "released")
		return err
	})
	return closed, err
}

// ExtendWindow pushes closes_at of an OPEN window out to until. It never
// shortens a window and reports whether closes_at moved.
func (s *Store) ExtendWindow(ctx context.Context, windowID string, until time.Time, correlationID string) (bool, error) {
	var extended bool
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		extended = false
		var (
			target           string
			openedAt, closes int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT target, opened_at, closes_at FROM windows WHERE window_id = ? AND state = 'OPEN';
		`, windowID).Scan(&target, &openedAt, &closes)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select window: %w", err)
		}
		if toMillis(until) <= closes {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE windows SET closes_at = ?, ttl_ms = ? WHERE window_id = ? AND state = 'OPEN';
		`, toMillis(until), toMillis(until)-openedAt, windowID); err != nil {
			return fmt.Errorf("extend window: %w", err)
		}
		extended = true
		return rec.transition(correlationID, AuditWindowExtended, "window", windowID,
			string(WindowOpen), string(WindowOpen), map[string]any{
				"target":    target,
				"closes_at": until.UTC(),
			})
	})
	return extended, err
}

// CloseWindow closes an OPEN window regardless of its holders.
func (s *Store) CloseWindow(ctx context.Context, windowID string, now time.Time, reason string) (bool, error) {
	var closed bool
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		var err error
		closed, err = s.endWindowTx(ctx, tx, rec, windowID, WindowClosed, shared.CorrelationID(ctx), now, reason)
		return err
	})
	return closed, err
}

// ExpireWindows moves every OPEN window with closes_at <= now to EXPIRED.
func (s *Store) ExpireWindows(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		before := len(rec.events)
		if err := s.expireWindowsTx(ctx, tx, rec, now, ""); err != nil {
			return err
		}
		n = len(rec.events) - before
		return nil
	})
	return n, err
}

func (s *Store) expireWindowsTx(ctx context.Context, tx *sql.Tx, rec *auditBatch, now time.Time, target string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT window_id FROM windows
		WHERE state = 'OPEN' AND closes_at <= ? AND (? = '' OR target = ?);
	`, toMillis(now), target, target)
	if err != nil {
		return fmt.Errorf("select expired windows: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan expired window: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.endWindowTx(ctx, tx, rec, id, WindowExpired, "", now, "ttl_elapsed"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) endWindowTx(ctx context.Context, tx *sql.Tx, rec *auditBatch, windowID string, to WindowState, correlationID string, now time.Time, reason string) (bool, error) {
	var (
		target    string
		openerCID string
	)
	if err := tx.QueryRowContext(ctx, `SELECT target, correlation_id FROM windows WHERE window_id = ?;`, windowID).Scan(&target, &openerCID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("select window: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE windows SET state = ?, ended_at = ? WHERE window_id = ? AND state = 'OPEN';
	`, string(to), toMillis(now), windowID)
	if err != nil {
		return false, fmt.Errorf("end window: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM window_holders WHERE window_id = ?;`, windowID); err != nil {
		return false, fmt.Errorf("clear window holders: %w", err)
	}
	if correlationID == "" {
		correlationID = openerCID
	}
	if err := rec.transition(correlationID, AuditWindowTransition, "window", windowID, string(WindowOpen), string(to), map[string]any{
		"target": target,
		"reason": reason,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// GetWindow loads a window with its current holders.
func (s *Store) GetWindow(ctx context.Context, windowID string) (*Window, error) {
	w, err := s.scanWindow(s.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM windows WHERE window_id = ?;`, windowID))
	if err != nil {
		return nil, err
	}
	w.Holders, err = s.windowHolders(ctx, windowID)
	return w, err
}

// ListActiveWindows returns OPEN windows whose closes_at is after now.
func (s *Store) ListActiveWindows(ctx context.Context, now time.Time) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+windowColumns+` FROM windows WHERE state = 'OPEN' AND closes_at > ? ORDER BY opened_at ASC;
	`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list active windows: %w", err)
	}
	defer rows.Close()
	var out []Window
	for rows.Next() {
		w, err := s.scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ListOpenWindows returns every OPEN row, including those whose closes_at
// has passed but that the expiry sweep has not reached yet.
func (s *Store) ListOpenWindows(ctx context.Context) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+windowColumns+` FROM windows WHERE state = 'OPEN' ORDER BY target ASC, opened_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list open windows: %w", err)
	}
	defer rows.Close()
	var out []Window
	for rows.Next() {
		w, err := s.scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ListWindowsHeldBy returns the OPEN windows planID currently holds.
func (s *Store) ListWindowsHeldBy(ctx context.Context, planID string) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.window_id, w.target, w.opened_at, w.ttl_ms, w.closes_at, w.opened_by_plan_id, w.correlation_id, w.state, w.ended_at
		FROM windows w JOIN window_holders h ON h.window_id = w.window_id
		WHERE h.plan_id = ? AND w.state = 'OPEN';
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list held windows: %w", err)
	}
	defer rows.Close()
	var out []Window
	for rows.Next() {
		w, err := s.scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// CountOpenWindows returns the number of OPEN rows for target.
func (s *Store) CountOpenWindows(ctx context.Context, target string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM windows WHERE target = ? AND state = 'OPEN';`, target).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open windows: %w", err)
	}
	return n, nil
}

func (s *Store) windowHolders(ctx context.Context, windowID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan_id FROM window_holders WHERE window_id = ? ORDER BY joined_at ASC;`, windowID)
	if err != nil {
		return nil, fmt.Errorf("list window holders: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) scanWindow(row rowScanner) (*Window, error) {
	var (
		w                  Window
		openedAt, closesAt int64
		ttlMs              int64
		state              string
		endedAt            sql.NullInt64
	)
	err := row.Scan(&w.WindowID, &w.Target, &openedAt, &ttlMs, &closesAt, &w.OpenedByPlanID, &w.CorrelationID, &state, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan window: %w", err)
	}
	w.OpenedAt = fromMillis(openedAt)
	w.ClosesAt = fromMillis(closesAt)
	w.TTL = time.Duration(ttlMs) * time.Millisecond
	w.State = WindowState(state)
	w.EndedAt = fromNullMillis(endedAt)
	return &w, nil
}
