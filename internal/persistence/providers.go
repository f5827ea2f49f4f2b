package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProviderRecord is the persisted view of a provider and its circuit breaker.
type ProviderRecord struct {
	ProviderID          string        `json:"provider_id"`
	URL                 string        `json:"url,omitempty"`
	Capabilities        []string      `json:"capabilities"`
	HealthState         string        `json:"health_state"`
	Score               float64       `json:"score"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	LastOutcome         string        `json:"last_outcome,omitempty"`
	LastOutcomeAt       time.Time     `json:"last_outcome_at"`
	BreakerState        string        `json:"breaker_state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at"`
	Cooldown            time.Duration `json:"cooldown"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ProviderChange describes why a provider row is being saved; it decides
// which audit events accompany the write.
type ProviderChange struct {
	Outcome       string
	PrevScore     float64
	BreakerBefore string
	CorrelationID string
}

const providerColumns = `provider_id, url, capabilities, health_state, score, successes, failures, last_outcome, last_outcome_at, breaker_state, consecutive_failures, opened_at, cooldown_ms, updated_at`

// RegisterProvider inserts a provider, or refreshes its url and capabilities
// while keeping its learned score and breaker state.
func (s *Store) RegisterProvider(ctx context.Context, p ProviderRecord) (*ProviderRecord, error) {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	if p.HealthState == "" {
		p.HealthState = "UNKNOWN"
	}
	if p.BreakerState == "" {
		p.BreakerState = "CLOSED"
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO providers (provider_id, url, capabilities, health_state, score, breaker_state, cooldown_ms, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider_id) DO UPDATE SET
				url = excluded.url,
				capabilities = excluded.capabilities,
				updated_at = excluded.updated_at;
		`, p.ProviderID, p.URL, string(caps), p.HealthState, p.Score, p.BreakerState, p.Cooldown.Milliseconds(), toMillis(p.UpdatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register provider: %w", err)
	}
	return s.GetProvider(ctx, p.ProviderID)
}

// SaveProviderState persists score, counters, health and breaker fields.
// An outcome appends a provider_outcome audit event; a breaker state change
// appends a breaker_transition event.
func (s *Store) SaveProviderState(ctx context.Context, p ProviderRecord, change ProviderChange) error {
	if p.Score < -1.0 || p.Score > 1.0 {
		return fmt.Errorf("provider %s score %f out of range", p.ProviderID, p.Score)
	}
	return s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE providers SET
				health_state = ?, score = ?, successes = ?, failures = ?,
				last_outcome = ?, last_outcome_at = ?, breaker_state = ?,
				consecutive_failures = ?, opened_at = ?, cooldown_ms = ?, updated_at = ?
			WHERE provider_id = ?;
		`, p.HealthState, p.Score, p.Successes, p.Failures, p.LastOutcome, toMillis(p.LastOutcomeAt),
			p.BreakerState, p.ConsecutiveFailures, toMillis(p.OpenedAt), p.Cooldown.Milliseconds(),
			toMillis(p.UpdatedAt), p.ProviderID)
		if err != nil {
			return fmt.Errorf("save provider state: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotFound
		}
		if change.Outcome != "" {
			if err := rec.transition(change.CorrelationID, AuditProviderOutcome, "provider", p.ProviderID, "", change.Outcome, map[string]any{
				"score_before": change.PrevScore,
				"score_after":  p.Score,
			}); err != nil {
				return err
			}
		}
		if change.BreakerBefore != "" && change.BreakerBefore != p.BreakerState {
			if err := rec.transition(change.CorrelationID, AuditBreakerTransition, "circuit_breaker", p.ProviderID,
				change.BreakerBefore, p.BreakerState, map[string]any{
					"consecutive_failures": p.ConsecutiveFailures,
					"cooldown_ms":          p.Cooldown.Milliseconds(),
				}); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetProvider loads one provider.
func (s *Store) GetProvider(ctx context.Context, providerID string) (*ProviderRecord, error) {
	return scanProvider(s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE provider_id = ?;`, providerID))
}

// ListProviders returns every provider ordered by id.
func (s *Store) ListProviders(ctx context.Context) ([]ProviderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY provider_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()
	var out []ProviderRecord
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProvider(row rowScanner) (*ProviderRecord, error) {
	var (
		p                 ProviderRecord
		caps              string
		lastAt, openedAt  int64
		cooldownMs, updAt int64
	)
	err := row.Scan(&p.ProviderID, &p.URL, &caps, &p.HealthState, &p.Score, &p.Successes, &p.Failures,
		&p.LastOutcome, &lastAt, &p.BreakerState, &p.ConsecutiveFailures, &openedAt, &cooldownMs, &updAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	p.LastOutcomeAt = fromMillis(lastAt)
	p.OpenedAt = fromMillis(openedAt)
	p.Cooldown = time.Duration(cooldownMs) * time.Millisecond
	p.UpdatedAt = fromMillis(updAt)
	return &p, nil
}
