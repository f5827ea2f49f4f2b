package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/vx11/internal/bus"
	"github.com/google/uuid"
)

// Incident is a scanner-produced anomaly report, deduplicated by DedupKey.
type Incident struct {
	IncidentID      string          `json:"incident_id"`
	Kind            string          `json:"kind"`
	Severity        string          `json:"severity"`
	Subject         string          `json:"subject"`
	DedupKey        string          `json:"dedup_key"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
	OccurrenceCount int             `json:"occurrence_count"`
	Open            bool            `json:"open"`
	ScannerID       string          `json:"scanner_id,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Pheromone is a short-lived action hint.
type Pheromone struct {
	PheromoneID string          `json:"pheromone_id"`
	Kind        string          `json:"kind"`
	EmittedAt   time.Time       `json:"emitted_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	IncidentID  string          `json:"incident_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

const incidentColumns = `incident_id, kind, severity, subject, dedup_key, first_seen, last_seen, occurrence_count, open, scanner_id, details, resolved_at`

// UpsertIncident inserts inc as a new open incident, or, when an open
// incident with the same dedup key exists, bumps its occurrence count and
// last_seen (raising severity if the new report is worse). It returns the
// stored row and whether it was newly opened.
func (s *Store) UpsertIncident(ctx context.Context, inc Incident) (*Incident, bool, error) {
	if len(inc.Details) == 0 {
		inc.Details = json.RawMessage(`{}`)
	}
	var (
		out     *Incident
		created bool
	)
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		out, created = nil, false
		existing, err := scanIncident(tx.QueryRowContext(ctx, `
			SELECT `+incidentColumns+` FROM incidents WHERE dedup_key = ? AND open = 1;
		`, inc.DedupKey))
		switch {
		case err == nil:
			severity := existing.Severity
			if SeverityRank(inc.Severity) > SeverityRank(severity) {
				severity = inc.Severity
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE incidents
				SET occurrence_count = occurrence_count + 1, last_seen = ?, severity = ?, details = ?
				WHERE incident_id = ? AND open = 1;
			`, toMillis(inc.LastSeen), severity, string(inc.Details), existing.IncidentID); err != nil {
				return fmt.Errorf("bump incident: %w", err)
			}
			existing.OccurrenceCount++
			existing.LastSeen = inc.LastSeen
			existing.Severity = severity
			existing.Details = inc.Details
			if err := rec.transition("", AuditIncidentRecurred, "incident", existing.IncidentID, "OPEN", "OPEN", map[string]any{
				"dedup_key":        existing.DedupKey,
				"occurrence_count": existing.OccurrenceCount,
			}); err != nil {
				return err
			}
			out = existing
			return nil
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		if inc.IncidentID == "" {
			inc.IncidentID = "inc_" + uuid.NewString()
		}
		if inc.FirstSeen.IsZero() {
			inc.FirstSeen = inc.LastSeen
		}
		inc.OccurrenceCount = 1
		inc.Open = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO incidents (incident_id, kind, severity, subject, dedup_key, first_seen, last_seen, occurrence_count, open, scanner_id, details)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?);
		`, inc.IncidentID, inc.Kind, inc.Severity, inc.Subject, inc.DedupKey, toMillis(inc.FirstSeen),
			toMillis(inc.LastSeen), inc.ScannerID, string(inc.Details)); err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
		if err := rec.transition("", AuditIncidentOpened, "incident", inc.IncidentID, "", "OPEN", map[string]any{
			"kind":      inc.Kind,
			"severity":  inc.Severity,
			"dedup_key": inc.DedupKey,
		}); err != nil {
			return err
		}
		out = &inc
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	s.bus.Publish(bus.TopicIncidentRecorded, *out)
	return out, created, nil
}

// ResolveIncident closes an open incident. A later report with the same
// dedup key opens a fresh row.
func (s *Store) ResolveIncident(ctx context.Context, incidentID string, at time.Time) (bool, error) {
	var applied bool
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		applied = false
		res, err := tx.ExecContext(ctx, `
			UPDATE incidents SET open = 0, resolved_at = ? WHERE incident_id = ? AND open = 1;
		`, toMillis(at), incidentID)
		if err != nil {
			return fmt.Errorf("resolve incident: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE incident_id = ?;`, incidentID).Scan(&exists); err != nil {
				return fmt.Errorf("check incident: %w", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return nil
		}
		applied = true
		return rec.transition("", AuditIncidentResolved, "incident", incidentID, "OPEN", "RESOLVED", nil)
	})
	return applied, err
}

// GetIncident loads one incident.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (*Incident, error) {
	return scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?;`, incidentID))
}

// ListIncidents returns incidents, most recently seen first. openOnly
// restricts the result to open incidents.
func (s *Store) ListIncidents(ctx context.Context, openOnly bool, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE (? = 0 OR open = 1)
		ORDER BY last_seen DESC
		LIMIT ?;
	`, boolToInt(openOnly), limit)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// CountOpenIncidents returns the number of open rows for dedupKey.
func (s *Store) CountOpenIncidents(ctx context.Context, dedupKey string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE dedup_key = ? AND open = 1;`, dedupKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open incidents: %w", err)
	}
	return n, nil
}

// InsertPheromone records an emitted pheromone.
func (s *Store) InsertPheromone(ctx context.Context, p Pheromone) (*Pheromone, error) {
	if p.PheromoneID == "" {
		p.PheromoneID = "ph_" + uuid.NewString()
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pheromones (pheromone_id, kind, emitted_at, expires_at, incident_id, payload)
			VALUES (?, ?, ?, ?, ?, ?);
		`, p.PheromoneID, p.Kind, toMillis(p.EmittedAt), toMillis(p.ExpiresAt), p.IncidentID, string(p.Payload)); err != nil {
			return fmt.Errorf("insert pheromone: %w", err)
		}
		return rec.transition("", AuditPheromoneEmitted, "pheromone", p.PheromoneID, "", p.Kind, map[string]any{
			"incident_id": p.IncidentID,
			"expires_at":  p.ExpiresAt,
		})
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicPheromoneEmitted, p)
	return &p, nil
}

// ListPheromones returns the pheromones live at now (expires_at > now),
// optionally restricted to one kind. The result is a single consistent
// snapshot.
func (s *Store) ListPheromones(ctx context.Context, kind string, now time.Time) ([]Pheromone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pheromone_id, kind, emitted_at, expires_at, incident_id, payload
		FROM pheromones
		WHERE expires_at > ? AND (? = '' OR kind = ?)
		ORDER BY emitted_at ASC;
	`, toMillis(now), kind, kind)
	if err != nil {
		return nil, fmt.Errorf("list pheromones: %w", err)
	}
	defer rows.Close()
	var out []Pheromone
	for rows.Next() {
		var (
			p                Pheromone
			emitted, expires int64
			payload          string
		)
		if err := rows.Scan(&p.PheromoneID, &p.Kind, &emitted, &expires, &p.IncidentID, &payload); err != nil {
			return nil, fmt.Errorf("scan pheromone: %w", err)
		}
		p.EmittedAt = fromMillis(emitted)
		p.ExpiresAt = fromMillis(expires)
		p.Payload = json.RawMessage(payload)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeExpiredPheromones deletes pheromones whose expires_at <= now and
// records one pheromone_expired audit event per row.
func (s *Store) PurgeExpiredPheromones(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		n = 0
		rows, err := tx.QueryContext(ctx, `SELECT pheromone_id, kind FROM pheromones WHERE expires_at <= ?;`, toMillis(now))
		if err != nil {
			return fmt.Errorf("select expired pheromones: %w", err)
		}
		type expired struct{ id, kind string }
		var list []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.kind); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired pheromone: %w", err)
			}
			list = append(list, e)
		}
		rows.Close()
		for _, e := range list {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pheromones WHERE pheromone_id = ?;`, e.id); err != nil {
				return fmt.Errorf("delete pheromone: %w", err)
			}
			if err := rec.transition("", AuditPheromoneExpired, "pheromone", e.id, e.kind, "EXPIRED", nil); err != nil {
				return err
			}
		}
		n = len(list)
		return nil
	})
	return n, err
}

// SeverityRank orders severities low < medium < high < critical.
func SeverityRank(sev string) int {
	switch sev {
	case "low":
		return 1
	case "medium":
		return 2
	case "high":
		return 3
	case "critical":
		return 4
	}
	return 0
}

func scanIncident(row rowScanner) (*Incident, error) {
	var (
		inc         Incident
		first, last int64
		open        int
		details     string
		resolved    sql.NullInt64
	)
	err := row.Scan(&inc.IncidentID, &inc.Kind, &inc.Severity, &inc.Subject, &inc.DedupKey, &first, &last,
		&inc.OccurrenceCount, &open, &inc.ScannerID, &details, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.FirstSeen = fromMillis(first)
	inc.LastSeen = fromMillis(last)
	inc.Open = open == 1
	inc.Details = json.RawMessage(details)
	inc.ResolvedAt = fromNullMillis(resolved)
	return &inc, nil
}
