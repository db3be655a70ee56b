package proposal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists proposals and their status history.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error)
	GetByID(ctx context.Context, id string) (Proposal, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error)
	// UpdateStatus moves the row from -> to. It fails with ErrInvalidTransition
	// when the stored status is no longer from.
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status, completedAt *time.Time, at time.Time) (Proposal, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
	// ListByExpert and ListByClient return newest first. An empty status means all.
	ListByExpert(ctx context.Context, expertID string, status Status) ([]Proposal, error)
	ListByClient(ctx context.Context, clientID string, status Status) ([]Proposal, error)
	// ListOverdue returns pending proposals whose deadline is at or before now, oldest deadline first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]Proposal, error)
	Events(ctx context.Context, proposalID string) ([]Event, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const proposalColumns = `
	id::text, expert_id::text, client_id::text, client_email, client_name,
	title, description, budget, start_date, priority,
	status, created_at, expires_at, completed_at, updated_at`

// Insert stores p only when ExpertID names a user with the expert role.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error) {
	if !validID(p.ExpertID) {
		return Proposal{}, &ValidationError{Field: "expert_id", Msg: "does not name an expert"}
	}
	insertSQL := `
		INSERT INTO proposals (
			id, expert_id, client_id, client_email, client_name,
			title, description, budget, start_date, priority,
			status, created_at, expires_at, updated_at
		)
		SELECT $1::uuid, u.id, $3::uuid, $4::text, $5::text,
		       $6::text, $7::text, $8::text, $9::text, $10::text,
		       $11::text, $12::timestamptz, $13::timestamptz, $14::timestamptz
		FROM users u
		WHERE u.id = $2::uuid AND u.role = 'expert'
		RETURNING ` + proposalColumns

	created, err := scanProposal(tx.QueryRow(ctx, insertSQL,
		p.ID, p.ExpertID, p.ClientID, p.ClientEmail, p.ClientName,
		p.Title, p.Description, p.Budget, p.StartDate, p.Priority,
		string(p.Status), p.CreatedAt, p.ExpiresAt, p.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, &ValidationError{Field: "expert_id", Msg: "does not name an expert"}
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503", "22P02":
				return Proposal{}, &ValidationError{Field: "client_id", Msg: "does not exist"}
			}
		}
		return Proposal{}, storeErr("insert proposal", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Proposal, error) {
	if !validID(id) {
		return Proposal{}, ErrNotFound
	}
	p, err := scanProposal(r.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, storeErr("get proposal", err)
	}
	return p, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error) {
	if !validID(id) {
		return Proposal{}, ErrNotFound
	}
	p, err := scanProposal(tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, storeErr("lock proposal", err)
	}
	return p, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status, completedAt *time.Time, at time.Time) (Proposal, error) {
	updateSQL := `
		UPDATE proposals
		SET status = $3,
		    completed_at = COALESCE($4, completed_at),
		    updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING ` + proposalColumns

	p, err := scanProposal(tx.QueryRow(ctx, updateSQL, id, string(from), string(to), completedAt, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, &TransitionError{ProposalID: id, From: from, To: to, Reason: "status changed concurrently"}
		}
		return Proposal{}, storeErr("update status", err)
	}
	return p, nil
}

func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	var from *string
	if ev.FromStatus != nil {
		s := string(*ev.FromStatus)
		from = &s
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO proposal_events (id, proposal_id, from_status, to_status, actor_id, actor_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.ProposalID, from, string(ev.ToStatus), ev.ActorID, ev.ActorName, ev.CreatedAt); err != nil {
		return storeErr("append event", err)
	}
	return nil
}

func (r *PGRepository) ListByExpert(ctx context.Context, expertID string, status Status) ([]Proposal, error) {
	return r.list(ctx, "expert_id", expertID, status)
}

func (r *PGRepository) ListByClient(ctx context.Context, clientID string, status Status) ([]Proposal, error) {
	return r.list(ctx, "client_id", clientID, status)
}

func (r *PGRepository) list(ctx context.Context, column, id string, status Status) ([]Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE ` + column + ` = $1 AND ($2::text = '' OR status = $2::text) ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, id, string(status))
	if err != nil {
		return nil, storeErr("list proposals", err)
	}
	return collectProposals(rows)
}

func (r *PGRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]Proposal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE status = 'pending'
		  AND COALESCE(expires_at, created_at + make_interval(secs => $2)) <= $1
		ORDER BY COALESCE(expires_at, created_at + make_interval(secs => $2))
		LIMIT $3
	`, now, ResponseWindow.Seconds(), limit)
	if err != nil {
		return nil, storeErr("list overdue", err)
	}
	return collectProposals(rows)
}

func (r *PGRepository) Events(ctx context.Context, proposalID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, proposal_id::text, from_status, to_status, actor_id::text, actor_name, created_at
		FROM proposal_events
		WHERE proposal_id = $1
		ORDER BY created_at, seq
	`, proposalID)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev   Event
			from *string
			to   string
		)
		if err := rows.Scan(&ev.ID, &ev.ProposalID, &from, &to, &ev.ActorID, &ev.ActorName, &ev.CreatedAt); err != nil {
			return nil, storeErr("scan event", err)
		}
		if from != nil {
			st := Status(*from)
			ev.FromStatus = &st
		}
		ev.ToStatus = Status(to)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list events", err)
	}
	return events, nil
}

func (r *PGRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, storeErr("count proposals", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("scan count", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("count proposals", err)
	}
	return counts, nil
}

func collectProposals(rows pgx.Rows) ([]Proposal, error) {
	defer rows.Close()
	out := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, storeErr("scan proposal", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list proposals", err)
	}
	return out, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p      Proposal
		status string
	)
	err := row.Scan(
		&p.ID,
		&p.ExpertID,
		&p.ClientID,
		&p.ClientEmail,
		&p.ClientName,
		&p.Title,
		&p.Description,
		&p.Budget,
		&p.StartDate,
		&p.Priority,
		&status,
		&p.CreatedAt,
		&p.ExpiresAt,
		&p.CompletedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Proposal{}, err
	}
	p.Status = Status(status)
	return p, nil
}

// validID screens out ids that cannot be a uuid so they read as missing
// instead of failing the uuid cast.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
