package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"expertflow/notification"
	"expertflow/reliability"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StrikeRegistrar records a strike inside the expiry transaction.
type StrikeRegistrar interface {
	RegisterStrike(ctx context.Context, tx pgx.Tx, strike reliability.Strike) (reliability.StrikeResult, error)
}

// Notifier queues a notification inside tx.
type Notifier interface {
	Enqueue(ctx context.Context, tx pgx.Tx, n notification.Notification) error
}

// Service owns the proposal state machine. Every write locks the row, checks
// the current status and commits the status change, its history event, any
// strike, and the outgoing notifications together.
type Service struct {
	pool        TxBeginner
	repo        Repository
	strikes     StrikeRegistrar
	notifier    Notifier
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(pool TxBeginner, repo Repository, strikes StrikeRegistrar, notifier Notifier) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		strikes:     strikes,
		notifier:    notifier,
		idGenerator: func() string { return uuid.NewString() },
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Create stores a new pending proposal and notifies the expert.
func (s *Service) Create(ctx context.Context, params CreateParams) (Proposal, error) {
	expertID := strings.TrimSpace(params.ExpertID)
	if expertID == "" {
		return Proposal{}, &ValidationError{Field: "expert_id", Msg: "is required"}
	}
	email := strings.TrimSpace(params.Originator.ClientEmail)
	if email == "" {
		return Proposal{}, &ValidationError{Field: "client_email", Msg: "is required"}
	}
	title := strings.TrimSpace(params.Content.Title)
	if title == "" {
		return Proposal{}, &ValidationError{Field: "title", Msg: "is required"}
	}
	startDate := strings.TrimSpace(params.Content.StartDate)
	if startDate == "" {
		startDate = DefaultStartDate
	}

	now := s.now().UTC()
	expires := now.Add(ResponseWindow)
	p := Proposal{
		ID:          s.idGenerator(),
		ExpertID:    expertID,
		ClientID:    optional(params.Originator.ClientID),
		ClientEmail: email,
		ClientName:  optional(params.Originator.ClientName),
		Title:       title,
		Description: strings.TrimSpace(params.Content.Description),
		Budget:      strings.TrimSpace(params.Content.Budget),
		StartDate:   startDate,
		Priority:    optional(params.Content.Priority),
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   &expires,
		UpdatedAt:   now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, p)
	if err != nil {
		return Proposal{}, err
	}
	if err := s.repo.AppendEvent(ctx, tx, Event{
		ID:         s.idGenerator(),
		ProposalID: created.ID,
		ToStatus:   StatusPending,
		ActorID:    created.ClientID,
		ActorName:  created.OriginatorName(),
		CreatedAt:  now,
	}); err != nil {
		return Proposal{}, err
	}
	s.notify(ctx, tx, notification.NewProposal(created.ExpertID, created.OriginatorName(), created.Title, created.ID))

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, storeErr("commit create", err)
	}

	s.logger.Info("proposal created", "proposal_id", created.ID, "expert_id", created.ExpertID, "expires_at", expires)
	return created, nil
}

// Respond applies an expert's accept or reject decision.
func (s *Service) Respond(ctx context.Context, id string, decision Decision, actor Actor) (Proposal, error) {
	switch decision {
	case DecisionAccept:
		return s.Accept(ctx, id, actor)
	case DecisionReject:
		return s.Reject(ctx, id, actor)
	default:
		return Proposal{}, &ValidationError{Field: "decision", Msg: fmt.Sprintf("must be %q or %q", DecisionAccept, DecisionReject)}
	}
}

func (s *Service) Accept(ctx context.Context, id string, actor Actor) (Proposal, error) {
	return s.transition(ctx, id, StatusAccepted, actor)
}

func (s *Service) Reject(ctx context.Context, id string, actor Actor) (Proposal, error) {
	return s.transition(ctx, id, StatusRejected, actor)
}

// Complete marks an accepted mission as done.
func (s *Service) Complete(ctx context.Context, id string, actor Actor) (Proposal, error) {
	return s.transition(ctx, id, StatusCompleted, actor)
}

func (s *Service) transition(ctx context.Context, id string, to Status, actor Actor) (Proposal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Proposal{}, err
	}
	if actor.ID != "" && current.ExpertID != actor.ID {
		return Proposal{}, ErrForbidden
	}

	now := s.now()
	if !IsTransitionAllowed(current.Status, to) {
		return Proposal{}, &TransitionError{ProposalID: id, From: current.Status, To: to}
	}
	if current.Status == StatusPending && CheckExpiry(current, now) {
		return Proposal{}, &TransitionError{ProposalID: id, From: current.Status, To: to, Reason: "response window elapsed"}
	}

	var completedAt *time.Time
	if to == StatusCompleted {
		completedAt = &now
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, id, current.Status, to, completedAt, now)
	if err != nil {
		return Proposal{}, err
	}

	from := current.Status
	if err := s.repo.AppendEvent(ctx, tx, Event{
		ID:         s.idGenerator(),
		ProposalID: id,
		FromStatus: &from,
		ToStatus:   to,
		ActorID:    optional(actor.ID),
		ActorName:  actor.Name,
		CreatedAt:  now,
	}); err != nil {
		return Proposal{}, err
	}

	if clientID := deref(updated.ClientID); clientID != "" {
		name := actor.Name
		if name == "" {
			name = "L'expert"
		}
		switch to {
		case StatusAccepted:
			s.notify(ctx, tx, notification.ProposalAccepted(clientID, name, updated.Title, id))
		case StatusRejected:
			s.notify(ctx, tx, notification.ProposalRejected(clientID, name, updated.Title, id))
		case StatusCompleted:
			s.notify(ctx, tx, notification.MissionCompleted(clientID, name, updated.Title, id))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, storeErr("commit transition", err)
	}

	s.logger.Info("proposal transitioned", "proposal_id", id, "from", from, "to", to, "actor_id", actor.ID)
	return updated, nil
}

// ExpireIfDue expires the proposal if it is still pending and overdue. The
// status change, the strike and the notifications commit together; calling
// it again on an expired proposal does nothing.
func (s *Service) ExpireIfDue(ctx context.Context, id string) (ExpiryResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ExpiryResult{}, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return ExpiryResult{}, err
	}
	now := s.now()
	if !CheckExpiry(current, now) {
		return ExpiryResult{Proposal: current}, nil
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, id, StatusPending, StatusExpired, nil, now)
	if err != nil {
		return ExpiryResult{}, err
	}
	from := StatusPending
	if err := s.repo.AppendEvent(ctx, tx, Event{
		ID:         s.idGenerator(),
		ProposalID: id,
		FromStatus: &from,
		ToStatus:   StatusExpired,
		ActorName:  "system",
		CreatedAt:  now,
	}); err != nil {
		return ExpiryResult{}, err
	}

	res := ExpiryResult{Expired: true, Proposal: updated}
	expertName := "L'expert"
	if s.strikes != nil {
		strike, counted, err := s.registerStrike(ctx, tx, reliability.Strike{
			ExpertID:      updated.ExpertID,
			ProposalID:    updated.ID,
			ProposalTitle: updated.Title,
		})
		if err != nil {
			return ExpiryResult{}, fmt.Errorf("proposal: register strike: %w", err)
		}
		if !counted {
			s.logger.Warn("proposal expired without strike: no expert profile",
				"proposal_id", id, "expert_id", updated.ExpertID)
		}
		res.Strikes = strike.Count
		res.Frozen = strike.Frozen
		if strike.State.DisplayName != "" {
			expertName = strike.State.DisplayName
		}
	}

	if clientID := deref(updated.ClientID); clientID != "" {
		s.notify(ctx, tx, notification.ProposalExpiredForRecruiter(clientID, expertName, updated.Title, id))
	}

	if err := tx.Commit(ctx); err != nil {
		return ExpiryResult{}, storeErr("commit expiry", err)
	}

	s.logger.Info("proposal expired", "proposal_id", id, "expert_id", updated.ExpertID, "strikes", res.Strikes, "frozen", res.Frozen)
	return res, nil
}

// registerStrike runs the strike under a savepoint. A target without an
// expert profile gets no strike and the expiry still commits.
func (s *Service) registerStrike(ctx context.Context, tx pgx.Tx, strike reliability.Strike) (reliability.StrikeResult, bool, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return reliability.StrikeResult{}, false, storeErr("strike savepoint", err)
	}
	defer sp.Rollback(ctx)

	res, err := s.strikes.RegisterStrike(ctx, sp, strike)
	if errors.Is(err, reliability.ErrNotFound) {
		return reliability.StrikeResult{}, false, nil
	}
	if err != nil {
		return reliability.StrikeResult{}, false, err
	}
	if err := sp.Commit(ctx); err != nil {
		return reliability.StrikeResult{}, false, storeErr("release strike savepoint", err)
	}
	return res, true, nil
}

// ScanExpert expires every overdue pending proposal of one expert. A failure
// on one proposal does not stop the others; all failures are returned joined.
func (s *Service) ScanExpert(ctx context.Context, expertID string) (int, error) {
	pending, err := s.repo.ListByExpert(ctx, expertID, StatusPending)
	if err != nil {
		return 0, err
	}
	return s.expireAll(ctx, pending)
}

// SweepOverdue expires up to limit overdue proposals across all experts.
func (s *Service) SweepOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.repo.ListOverdue(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	return s.expireAll(ctx, overdue)
}

func (s *Service) expireAll(ctx context.Context, candidates []Proposal) (int, error) {
	now := s.now()
	var (
		expired int
		errs    []error
	)
	for _, p := range candidates {
		if !CheckExpiry(p, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.ExpireIfDue(ctx, p.ID)
		if err != nil {
			s.logger.Warn("expire proposal failed", "proposal_id", p.ID, "expert_id", p.ExpertID, "error", err)
			errs = append(errs, fmt.Errorf("proposal %s: %w", p.ID, err))
			continue
		}
		if res.Expired {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (s *Service) Get(ctx context.Context, id string) (Proposal, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListForExpert(ctx context.Context, expertID string, status Status) ([]Proposal, error) {
	return s.repo.ListByExpert(ctx, expertID, status)
}

func (s *Service) ListForClient(ctx context.Context, clientID string, status Status) ([]Proposal, error) {
	return s.repo.ListByClient(ctx, clientID, status)
}

// History returns the status events of a proposal, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]Event, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, id)
}

// Countdown reads a proposal and renders its countdown at the current instant.
func (s *Service) Countdown(ctx context.Context, id string) (Proposal, Countdown, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Proposal{}, Countdown{}, err
	}
	return p, CountdownDisplay(p, s.now()), nil
}

// Stats counts proposals per status for the admin dashboard.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: make(map[Status]int, len(AllStatuses))}
	for _, status := range AllStatuses {
		st.ByStatus[status] = counts[status]
		st.Total += counts[status]
	}
	return st, nil
}

// Now exposes the service clock so callers render countdowns consistently.
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) notify(ctx context.Context, tx pgx.Tx, n notification.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Enqueue(ctx, tx, n); err != nil {
		s.logger.Warn("enqueue notification failed", "type", n.Type, "user_id", n.UserID, "error", err)
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
