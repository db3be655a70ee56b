package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"expertflow/outbox"
)

// OutboxNotifier queues notifications inside the caller's transaction so they
// commit or roll back with the state change that produced them.
type OutboxNotifier struct {
	queue outbox.Queue
	now   func() time.Time
}

func NewOutboxNotifier(queue outbox.Queue) *OutboxNotifier {
	return &OutboxNotifier{
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (o *OutboxNotifier) WithClock(now func() time.Time) *OutboxNotifier {
	o.now = now
	return o
}

// Enqueue writes n to the outbox under a savepoint. On error the savepoint is
// rolled back and tx stays usable, so callers can log and carry on.
func (o *OutboxNotifier) Enqueue(ctx context.Context, tx pgx.Tx, n Notification) error {
	if n.UserID == "" {
		return ErrNoRecipient
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = o.now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notification: encode: %w", err)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notification: savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	if _, err := o.queue.Enqueue(ctx, sp, TopicDispatch, payload, n.CreatedAt); err != nil {
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("notification: release savepoint: %w", err)
	}
	return nil
}
