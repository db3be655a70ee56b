package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PGQueue implements Queue on the outbox table.
type PGQueue struct{}

func NewPGQueue() *PGQueue {
	return &PGQueue{}
}

func (q *PGQueue) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload []byte, at time.Time) (string, error) {
	const insertSQL = `
		INSERT INTO outbox (topic, payload, status, next_attempt_at, created_at)
		VALUES ($1, $2::jsonb, 'pending', $3, $3)
		RETURNING id::text
	`
	var id string
	if err := tx.QueryRow(ctx, insertSQL, topic, string(payload), at).Scan(&id); err != nil {
		return "", fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return id, nil
}

// Claim locks up to limit due messages. Rows locked by another relay are skipped.
func (q *PGQueue) Claim(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Message, error) {
	const claimSQL = `
		SELECT id::text, topic, payload::text, status, attempts, COALESCE(last_error, ''), next_attempt_at, created_at
		FROM outbox
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`
	rows, err := tx.Query(ctx, claimSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.Status, &m.Attempts, &m.LastError, &m.NextAttemptAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan claim: %w", err)
		}
		m.Payload = []byte(payload)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}
	return msgs, nil
}

func (q *PGQueue) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2, last_error = NULL
		WHERE id = $1
	`, id, at); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (q *PGQueue) MarkRetry(ctx context.Context, tx pgx.Tx, id string, attempts int, next time.Time, lastErr string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET attempts = $2, next_attempt_at = $3, last_error = $4, last_attempt = $5
		WHERE id = $1
	`, id, attempts, next, lastErr, at); err != nil {
		return fmt.Errorf("outbox: mark retry: %w", err)
	}
	return nil
}

func (q *PGQueue) MarkDead(ctx context.Context, tx pgx.Tx, id string, attempts int, lastErr string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = 'dead', attempts = $2, last_error = $3, last_attempt = $4
		WHERE id = $1
	`, id, attempts, lastErr, at); err != nil {
		return fmt.Errorf("outbox: mark dead: %w", err)
	}
	return nil
}
