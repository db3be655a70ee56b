package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists expert reliability state.
type Repository interface {
	Get(ctx context.Context, expertID string) (State, error)
	// GetForUpdate locks the profile row, creating it with defaults if missing.
	GetForUpdate(ctx context.Context, tx pgx.Tx, expertID string) (State, error)
	Save(ctx context.Context, tx pgx.Tx, st State, at time.Time) (State, error)
	RecordStrike(ctx context.Context, tx pgx.Tx, rec StrikeRecord) error
	ListElapsedFreezes(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Get(ctx context.Context, expertID string) (State, error) {
	const selectSQL = `
		SELECT u.id::text,
		       COALESCE(NULLIF(TRIM(u.first_name || ' ' || u.last_name), ''), u.email),
		       COALESCE(p.freeze_strikes, 0), p.frozen_until, p.last_strike_at,
		       COALESCE(p.is_public, true), COALESCE(p.is_available, true),
		       COALESCE(p.updated_at, u.updated_at)
		FROM users u
		LEFT JOIN expert_profiles p ON p.user_id = u.id
		WHERE u.id = $1 AND u.role = 'expert'
	`
	st, err := scanState(r.pool.QueryRow(ctx, selectSQL, expertID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return State{}, ErrNotFound
		}
		return State{}, storeErr("get state", err)
	}
	return st, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, expertID string) (State, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO expert_profiles (user_id)
		SELECT id FROM users WHERE id = $1 AND role = 'expert'
		ON CONFLICT (user_id) DO NOTHING
	`, expertID); err != nil {
		if isInvalidID(err) {
			return State{}, ErrNotFound
		}
		return State{}, storeErr("ensure profile", err)
	}

	const selectSQL = `
		SELECT p.user_id::text,
		       COALESCE(NULLIF(TRIM(u.first_name || ' ' || u.last_name), ''), u.email),
		       p.freeze_strikes, p.frozen_until, p.last_strike_at,
		       p.is_public, p.is_available, p.updated_at
		FROM expert_profiles p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1
		FOR UPDATE OF p
	`
	st, err := scanState(tx.QueryRow(ctx, selectSQL, expertID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotFound
		}
		return State{}, storeErr("lock state", err)
	}
	return st, nil
}

func (r *PGRepository) Save(ctx context.Context, tx pgx.Tx, st State, at time.Time) (State, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE expert_profiles
		SET freeze_strikes = $2,
		    frozen_until = $3,
		    last_strike_at = $4,
		    is_public = $5,
		    is_available = $6,
		    updated_at = $7
		WHERE user_id = $1
	`, st.ExpertID, st.FreezeStrikes, st.FrozenUntil, st.LastStrikeAt, st.IsPublic, st.IsAvailable, at)
	if err != nil {
		return State{}, storeErr("save state", err)
	}
	if tag.RowsAffected() == 0 {
		return State{}, ErrNotFound
	}
	st.UpdatedAt = at
	return st, nil
}

func (r *PGRepository) RecordStrike(ctx context.Context, tx pgx.Tx, rec StrikeRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO expert_strikes (expert_id, proposal_id, proposal_title, strike_count, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ExpertID, rec.ProposalID, rec.ProposalTitle, rec.Count, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateStrike
		}
		return storeErr("record strike", err)
	}
	return nil
}

func (r *PGRepository) ListElapsedFreezes(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id::text FROM expert_profiles
		WHERE frozen_until IS NOT NULL AND frozen_until <= $1
		ORDER BY frozen_until
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, storeErr("list elapsed freezes", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan elapsed freeze", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list elapsed freezes", err)
	}
	return ids, nil
}

// isInvalidID reports a malformed uuid parameter.
func isInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func scanState(row pgx.Row) (State, error) {
	var st State
	err := row.Scan(
		&st.ExpertID,
		&st.DisplayName,
		&st.FreezeStrikes,
		&st.FrozenUntil,
		&st.LastStrikeAt,
		&st.IsPublic,
		&st.IsAvailable,
		&st.UpdatedAt,
	)
	return st, err
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
