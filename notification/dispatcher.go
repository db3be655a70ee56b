package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"expertflow/outbox"
)

// TopicDispatch is the outbox topic carrying notifications to deliver.
const TopicDispatch = "notification.dispatch"

// ErrNoRecipient is returned for a notification without a user id.
var ErrNoRecipient = errors.New("notification: missing recipient")

// Publisher pushes a stored notification to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Dispatcher persists notifications and fans them out to the live feed.
type Dispatcher struct {
	store  Store
	feed   Publisher
	now    func() time.Time
	logger *slog.Logger
}

// NewDispatcher wires a dispatcher. feed may be nil when no live feed is configured.
func NewDispatcher(store Store, feed Publisher) *Dispatcher {
	return &Dispatcher{
		store:  store,
		feed:   feed,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Deliver stores n and publishes it. Re-delivering the same outboxID is a no-op.
// Only store failures are returned; a feed failure is logged.
func (d *Dispatcher) Deliver(ctx context.Context, outboxID string, n Notification) (Notification, error) {
	if n.UserID == "" {
		return Notification{}, ErrNoRecipient
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}

	saved, inserted, err := d.store.Insert(ctx, n, outboxID)
	if err != nil {
		return Notification{}, err
	}
	if !inserted {
		d.logger.Debug("notification already delivered", "outbox_id", outboxID, "user_id", n.UserID)
		return saved, nil
	}

	if d.feed != nil {
		if err := d.feed.Publish(ctx, saved); err != nil {
			d.logger.Warn("publish notification to live feed failed",
				"notification_id", saved.ID, "user_id", saved.UserID, "error", err)
		}
	}
	return saved, nil
}

// Dispatch is the best-effort path: failures are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	if _, err := d.Deliver(ctx, "", n); err != nil {
		d.logger.Warn("dispatch notification failed", "type", n.Type, "user_id", n.UserID, "error", err)
	}
}

// HandleOutbox adapts Deliver to an outbox.Handler for TopicDispatch.
func (d *Dispatcher) HandleOutbox(ctx context.Context, msg outbox.Message) error {
	var n Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return backoff.Permanent(fmt.Errorf("notification: decode outbox payload: %w", err))
	}
	if _, err := d.Deliver(ctx, msg.ID, n); err != nil {
		if errors.Is(err, ErrNoRecipient) || errors.Is(err, ErrUnknownRecipient) {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}
