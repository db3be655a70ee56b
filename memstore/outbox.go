package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"expertflow/outbox"
)

// OutboxQueue implements outbox.Queue.
type OutboxQueue struct {
	s *Store
}

var _ outbox.Queue = (*OutboxQueue)(nil)

func (q *OutboxQueue) Enqueue(_ context.Context, tx pgx.Tx, topic string, payload []byte, at time.Time) (string, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(OpOutboxEnqueue); err != nil {
		return "", fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	msg := &outbox.Message{
		ID:            s.newID(),
		Topic:         topic,
		Payload:       append([]byte(nil), payload...),
		Status:        outbox.StatusPending,
		NextAttemptAt: at,
		CreatedAt:     at,
	}
	s.messages = append(s.messages, msg)
	n := len(s.messages) - 1
	record(tx, func() { s.messages = s.messages[:n] })
	return msg.ID, nil
}

func (q *OutboxQueue) Claim(_ context.Context, _ pgx.Tx, now time.Time, limit int) ([]outbox.Message, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []outbox.Message
	for _, m := range s.messages {
		if m.Status != outbox.StatusPending || m.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *OutboxQueue) MarkProcessed(_ context.Context, tx pgx.Tx, id string, at time.Time) error {
	return q.update(tx, id, func(m *outbox.Message) {
		m.Status = outbox.StatusProcessed
		m.Attempts++
		m.LastError = ""
	})
}

func (q *OutboxQueue) MarkRetry(_ context.Context, tx pgx.Tx, id string, attempts int, next time.Time, lastErr string, _ time.Time) error {
	return q.update(tx, id, func(m *outbox.Message) {
		m.Attempts = attempts
		m.NextAttemptAt = next
		m.LastError = lastErr
	})
}

func (q *OutboxQueue) MarkDead(_ context.Context, tx pgx.Tx, id string, attempts int, lastErr string, _ time.Time) error {
	return q.update(tx, id, func(m *outbox.Message) {
		m.Status = outbox.StatusDead
		m.Attempts = attempts
		m.LastError = lastErr
	})
}

func (q *OutboxQueue) update(tx pgx.Tx, id string, apply func(*outbox.Message)) error {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.ID != id {
			continue
		}
		prev := *m
		apply(m)
		record(tx, func() { *m = prev })
		return nil
	}
	return fmt.Errorf("outbox: message %s not found", id)
}

// OutboxMessages returns a snapshot of every queued message.
func (s *Store) OutboxMessages() []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}
