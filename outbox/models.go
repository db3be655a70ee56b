// Package outbox stores side effects in the same transaction as the state
// change that caused them and relays them afterwards with retries.
package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message is one queued side effect.
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// Queue persists outbox messages. Every method runs inside the caller's transaction.
type Queue interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload []byte, at time.Time) (string, error)
	Claim(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkRetry(ctx context.Context, tx pgx.Tx, id string, attempts int, next time.Time, lastErr string, at time.Time) error
	MarkDead(ctx context.Context, tx pgx.Tx, id string, attempts int, lastErr string, at time.Time) error
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
