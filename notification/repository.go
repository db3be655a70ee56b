package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the notification does not exist for that user.
	ErrNotFound = errors.New("notification: not found")
	// ErrUnknownRecipient means the recipient id names no user. Retrying
	// cannot fix it.
	ErrUnknownRecipient = errors.New("notification: unknown recipient")
)

// Store persists notification records.
type Store interface {
	// Insert writes n. When outboxID is non-empty and already recorded, the
	// existing row is left alone and inserted is false.
	Insert(ctx context.Context, n Notification, outboxID string) (saved Notification, inserted bool, err error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// PGRepository implements Store backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const notificationColumns = `id::text, user_id::text, type, title, body, COALESCE(link, ''), COALESCE(ref_id, ''), COALESCE(from_name, ''), read, created_at`

func (r *PGRepository) Insert(ctx context.Context, n Notification, outboxID string) (Notification, bool, error) {
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	insertSQL := `
		INSERT INTO notifications (user_id, type, title, body, link, ref_id, from_name, read, created_at, outbox_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), false, $8, NULLIF($9, '')::uuid)
		ON CONFLICT (outbox_id) DO NOTHING
		RETURNING ` + notificationColumns

	saved, err := scanNotification(r.pool.QueryRow(ctx, insertSQL,
		n.UserID, string(n.Type), n.Title, n.Body, n.Link, n.RefID, n.FromName, createdAt, outboxID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return n, false, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23503" || pgErr.Code == "22P02") {
			return Notification{}, false, fmt.Errorf("%w: %s", ErrUnknownRecipient, n.UserID)
		}
		return Notification{}, false, fmt.Errorf("notification: insert: %w", err)
	}
	return saved, true, nil
}

func (r *PGRepository) ListByUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("notification: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PGRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT read`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("notification: unread count: %w", err)
	}
	return count, nil
}

func (r *PGRepository) MarkRead(ctx context.Context, userID, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET read = true WHERE id::text = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("notification: mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET read = true WHERE user_id = $1 AND NOT read`, userID)
	if err != nil {
		return 0, fmt.Errorf("notification: mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var (
		n   Notification
		typ string
	)
	if err := row.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Body, &n.Link, &n.RefID, &n.FromName, &n.Read, &n.CreatedAt); err != nil {
		return Notification{}, err
	}
	n.Type = Type(typ)
	return n, nil
}
