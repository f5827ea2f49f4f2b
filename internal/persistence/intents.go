package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Intent is an accepted operator request. Rows are never updated.
type Intent struct {
	IntentID       string          `json:"intent_id"`
	IntentType     string          `json:"intent_type"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	Submitter      string          `json:"submitter,omitempty"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Target         string          `json:"target"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// IdempotencyRecord binds an idempotency key to the correlation id it produced.
type IdempotencyRecord struct {
	Submitter      string
	IdempotencyKey string
	IntentType     string
	PayloadHash    string
	CorrelationID  string
	CreatedAt      time.Time
}

// ClaimIdempotencyKey atomically binds (submitter, key) to rec.CorrelationID.
// When a live claim (newer than notBefore) already exists it is returned
// with claimed=false; stale claims are replaced.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, rec IdempotencyRecord, notBefore time.Time) (existing *IdempotencyRecord, claimed bool, err error) {
	err = retryOnBusy(ctx, busyRetries, func() error {
		existing, claimed = nil, false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin idempotency tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			prev      IdempotencyRecord
			createdAt int64
		)
		switch err := tx.QueryRowContext(ctx, `
			SELECT submitter, idempotency_key, intent_type, payload_hash, correlation_id, created_at
			FROM idempotency_keys
			WHERE submitter = ? AND idempotency_key = ?;
		`, rec.Submitter, rec.IdempotencyKey).Scan(&prev.Submitter, &prev.IdempotencyKey, &prev.IntentType,
			&prev.PayloadHash, &prev.CorrelationID, &createdAt); {
		case err == nil:
			prev.CreatedAt = fromMillis(createdAt)
			if !prev.CreatedAt.Before(notBefore) {
				existing = &prev
				return tx.Commit()
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM idempotency_keys WHERE submitter = ? AND idempotency_key = ?;
			`, rec.Submitter, rec.IdempotencyKey); err != nil {
				return fmt.Errorf("drop stale idempotency key: %w", err)
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("select idempotency key: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (submitter, idempotency_key, intent_type, payload_hash, correlation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.Submitter, rec.IdempotencyKey, rec.IntentType, rec.PayloadHash, rec.CorrelationID, toMillis(rec.CreatedAt)); err != nil {
			return fmt.Errorf("insert idempotency key: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit idempotency tx: %w", err)
		}
		claimed = true
		return nil
	})
	return existing, claimed, err
}

// ReleaseIdempotencyKey removes a claim so the key can be retried after a
// failed forward. Only the claim owned by correlationID is removed.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, submitter, key, correlationID string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE submitter = ? AND idempotency_key = ? AND correlation_id = ?;
		`, submitter, key, correlationID)
		if err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}
		return nil
	})
}

// PurgeIdempotencyKeys drops claims created before cutoff.
func (s *Store) PurgeIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?;`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertIntent records an accepted intent and its intent_accepted audit
// event in one transaction.
func (s *Store) InsertIntent(ctx context.Context, in Intent) error {
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage(`null`)
	}
	return s.writeTx(ctx, func(tx *sql.Tx, rec *auditBatch) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO intents (intent_id, intent_type, payload, payload_hash, submitter, correlation_id, idempotency_key, target, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, in.IntentID, in.IntentType, string(in.Payload), in.PayloadHash, in.Submitter, in.CorrelationID,
			in.IdempotencyKey, in.Target, toMillis(in.SubmittedAt)); err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		return rec.transition(in.CorrelationID, AuditIntentAccepted, "intent", in.IntentID, "", "ACCEPTED", map[string]any{
			"intent_type": in.IntentType,
			"target":      in.Target,
		})
	})
}

// GetIntentByCorrelation returns the intent assigned correlationID.
func (s *Store) GetIntentByCorrelation(ctx context.Context, correlationID string) (*Intent, error) {
	var (
		in          Intent
		payload     string
		submittedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT intent_id, intent_type, payload, payload_hash, submitter, correlation_id, idempotency_key, target, submitted_at
		FROM intents WHERE correlation_id = ?;
	`, correlationID).Scan(&in.IntentID, &in.IntentType, &payload, &in.PayloadHash, &in.Submitter,
		&in.CorrelationID, &in.IdempotencyKey, &in.Target, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	in.Payload = json.RawMessage(payload)
	in.SubmittedAt = fromMillis(submittedAt)
	return &in, nil
}
