package notification

import (
	"context"
	"fmt"
	"strings"
)

// MessageEvent is what the messaging subsystem reports when a message is sent.
type MessageEvent struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	ParticipantIDs []string
}

// Service backs the notification feed screens and the messaging hook.
type Service struct {
	store      Store
	dispatcher *Dispatcher
}

func NewService(store Store, dispatcher *Dispatcher) *Service {
	return &Service{store: store, dispatcher: dispatcher}
}

// List returns the newest notifications for userID, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadCount(ctx, userID)
}

// MarkRead acknowledges one notification owned by userID.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrNotFound
	}
	return s.store.MarkRead(ctx, userID, id)
}

// MarkAllRead acknowledges every unread notification of userID.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllRead(ctx, userID)
}

// NotifyNewMessage tells every participant except the sender about a new
// message. Delivery is best-effort; it returns how many were attempted.
func (s *Service) NotifyNewMessage(ctx context.Context, ev MessageEvent) (int, error) {
	if ev.SenderID == "" || ev.ConversationID == "" {
		return 0, fmt.Errorf("notification: sender and conversation are required")
	}
	sent := 0
	seen := make(map[string]struct{}, len(ev.ParticipantIDs))
	for _, uid := range ev.ParticipantIDs {
		if uid == "" || uid == ev.SenderID {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		s.dispatcher.Dispatch(ctx, NewMessage(uid, ev.SenderName, ev.Text, ev.ConversationID))
		sent++
	}
	return sent, nil
}
