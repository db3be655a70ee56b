package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"expertflow/notification"
)

// NotificationRepo implements notification.Store.
type NotificationRepo struct {
	s *Store
}

var _ notification.Store = (*NotificationRepo)(nil)

func (r *NotificationRepo) Insert(_ context.Context, n notification.Notification, outboxID string) (notification.Notification, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(OpNotificationInsert); err != nil {
		return notification.Notification{}, false, fmt.Errorf("notification: insert: %w", err)
	}
	if outboxID != "" {
		if idx, ok := s.noteByBox[outboxID]; ok {
			return s.notes[idx], false, nil
		}
	}
	n.ID = s.newID()
	n.Read = false
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notes = append(s.notes, n)
	if outboxID != "" {
		s.noteByBox[outboxID] = len(s.notes) - 1
	}
	return n, true, nil
}

func (r *NotificationRepo) ListByUser(_ context.Context, userID string, limit int) ([]notification.Notification, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	type indexed struct {
		idx int
		n   notification.Notification
	}
	var mine []indexed
	for i, n := range s.notes {
		if n.UserID == userID {
			mine = append(mine, indexed{i, n})
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		if mine[i].n.CreatedAt.Equal(mine[j].n.CreatedAt) {
			return mine[i].idx > mine[j].idx
		}
		return mine[i].n.CreatedAt.After(mine[j].n.CreatedAt)
	})
	if limit > 0 && len(mine) > limit {
		mine = mine[:limit]
	}
	out := make([]notification.Notification, len(mine))
	for i, m := range mine {
		out[i] = m.n
	}
	return out, nil
}

func (r *NotificationRepo) UnreadCount(_ context.Context, userID string) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notes {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (r *NotificationRepo) MarkRead(_ context.Context, userID, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notes {
		if s.notes[i].ID == id && s.notes[i].UserID == userID {
			s.notes[i].Read = true
			return nil
		}
	}
	return notification.ErrNotFound
}

func (r *NotificationRepo) MarkAllRead(_ context.Context, userID string) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.notes {
		if s.notes[i].UserID == userID && !s.notes[i].Read {
			s.notes[i].Read = true
			n++
		}
	}
	return n, nil
}

// NotificationsFor returns every notification of userID in delivery order.
func (s *Store) NotificationsFor(userID string) []notification.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification.Notification
	for _, n := range s.notes {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
